package httpinvoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/i2y/mcpgate/internal/compiler"
	"github.com/i2y/mcpgate/internal/domain"
)

// DefaultTimeout bounds a single outbound call.
const DefaultTimeout = 30 * time.Second

const tracerName = "github.com/i2y/mcpgate/internal/adapter/outbound/httpinvoker"

var placeholderRe = regexp.MustCompile(`\{([^{}]+)\}`)

// Invoker implements usecase.ToolExecutor using standard net/http.
type Invoker struct {
	client  *http.Client
	timeout time.Duration
	tracer  trace.Tracer
	logger  *slog.Logger
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithTimeout overrides DefaultTimeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(i *Invoker) {
		if d > 0 {
			i.timeout = d
		}
	}
}

// New creates a new HTTP Invoker.
func New(client *http.Client, logger *slog.Logger, opts ...Option) *Invoker {
	if client == nil {
		client = http.DefaultClient
	}
	i := &Invoker{
		client:  client,
		timeout: DefaultTimeout,
		tracer:  otel.Tracer(tracerName),
		logger:  logger.With("component", "http_invoker"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Execute performs the HTTP call described by ep with the prepared call.
// A 2xx response yields decoded JSON, the raw text when the body is not
// JSON, or nil when the body is empty. Every failure is a *domain.ExecutionError.
// No retries are attempted.
func (i *Invoker) Execute(ctx context.Context, ep domain.Endpoint, call *compiler.Call, auth domain.AuthContext) (result any, err error) {
	log := i.logger.With(
		slog.String("method", ep.Method),
		slog.String("path", ep.Path),
		slog.String("base_url", ep.BaseURL),
	)

	ctx, span := i.tracer.Start(ctx, "httpinvoker.Execute", trace.WithAttributes(
		attribute.String("http.method", ep.Method),
		attribute.String("http.route", ep.Path),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			log.Error("Panic while executing HTTP request", slog.Any("panic", r))
			result = nil
			err = &domain.ExecutionError{Kind: domain.ExecUnexpected, Err: fmt.Errorf("panic: %v", r)}
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	req, err := i.buildRequest(ctx, ep, call, auth)
	if err != nil {
		log.Error("Failed to build HTTP request", slog.Any("error", err))
		return nil, err
	}
	span.SetAttributes(attribute.String("http.url", req.URL.String()))
	log = log.With(slog.String("url", req.URL.String()))

	log.Debug("Executing HTTP request")
	resp, err := i.client.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			log.Warn("HTTP request timed out", slog.Duration("timeout", i.timeout))
			return nil, &domain.ExecutionError{Kind: domain.ExecTimeout, Err: err}
		}
		log.Error("HTTP request failed", slog.Any("error", err))
		return nil, &domain.ExecutionError{Kind: domain.ExecTransport, Err: err}
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	log = log.With(slog.Int("status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, &domain.ExecutionError{Kind: domain.ExecTimeout, Err: err}
		}
		log.Error("Failed to read response body", slog.Any("error", err))
		return nil, &domain.ExecutionError{Kind: domain.ExecTransport, Err: fmt.Errorf("read response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn("Received non-success status code", slog.String("response_body", string(body)))
		return nil, &domain.ExecutionError{Kind: domain.ExecStatus, StatusCode: resp.StatusCode, Body: string(body)}
	}

	span.SetStatus(codes.Ok, "")
	return decodeBody(body, log), nil
}

func (i *Invoker) buildRequest(ctx context.Context, ep domain.Endpoint, call *compiler.Call, auth domain.AuthContext) (*http.Request, error) {
	if call == nil {
		call = &compiler.Call{}
	}
	base, err := url.Parse(ep.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, &domain.ExecutionError{Kind: domain.ExecUnexpected, Err: fmt.Errorf("invalid base URL %q", ep.BaseURL)}
	}

	query := cloneArgs(call.Query)
	body := cloneArgs(call.Body)

	var (
		missing []string
		issues  []domain.FieldIssue
	)
	segment := func(name string, v any) string {
		s := formatScalar(v)
		// JoinPath would resolve these and move the request off the template.
		if s == "." || s == ".." {
			issues = append(issues, domain.FieldIssue{Path: name, Message: "path parameter must not be a dot segment"})
		}
		return url.PathEscape(s)
	}
	path := placeholderRe.ReplaceAllStringFunc(ep.Path, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := query[name]; ok {
			delete(query, name)
			return segment(name, v)
		}
		if v, ok := body[name]; ok {
			delete(body, name)
			return segment(name, v)
		}
		missing = append(missing, name)
		return m
	})
	if len(missing) > 0 {
		return nil, &domain.ExecutionError{Kind: domain.ExecUnexpected, Err: fmt.Errorf("missing path parameters: %s", strings.Join(missing, ", "))}
	}
	if len(issues) > 0 {
		return nil, &domain.ValidationError{Issues: issues}
	}

	target := base.JoinPath(path)
	values := target.Query()
	for k, v := range query {
		addQuery(values, k, v)
	}
	for k, v := range auth.Query {
		values.Set(k, v)
	}
	target.RawQuery = values.Encode()

	var reqBody io.Reader
	if len(body) > 0 {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, &domain.ExecutionError{Kind: domain.ExecUnexpected, Err: fmt.Errorf("marshal request body: %w", err)}
		}
		reqBody = bytes.NewReader(data)
	}

	method := strings.ToUpper(ep.Method)
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reqBody)
	if err != nil {
		return nil, &domain.ExecutionError{Kind: domain.ExecUnexpected, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range call.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range auth.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func decodeBody(body []byte, log *slog.Logger) any {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	var out any
	if err := json.Unmarshal(body, &out); err != nil {
		log.Debug("Response is not JSON, returning raw text")
		return string(body)
	}
	return out
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func addQuery(values url.Values, key string, v any) {
	switch x := v.(type) {
	case nil:
	case []any:
		for _, item := range x {
			values.Add(key, formatScalar(item))
		}
	case []string:
		for _, item := range x {
			values.Add(key, item)
		}
	default:
		values.Add(key, formatScalar(v))
	}
}

func formatScalar(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case map[string]any, []any:
		data, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(data)
	default:
		return fmt.Sprint(x)
	}
}

func cloneArgs(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
