package openapi

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/i2y/mcpgate/internal/domain"
	"github.com/i2y/mcpgate/internal/usecase"
)

// maxSchemaBytes caps the size of a fetched schema document.
const maxSchemaBytes = 16 << 20

// SourceReader loads schema documents from sources other than HTTP URLs and
// local files, such as github:// locations.
type SourceReader interface {
	CanRead(src string) bool
	Read(ctx context.Context, src string) ([]byte, error)
}

// SchemaFetcher implements the usecase.SchemaFetcher interface for OpenAPI schemas.
type SchemaFetcher struct {
	httpClient     *http.Client
	logger         *slog.Logger
	autoDiscoverer *AutoDiscoverer
	readers        []SourceReader
}

// NewSchemaFetcher creates a new OpenAPI SchemaFetcher. Readers are consulted
// in order before falling back to HTTP and the local filesystem.
func NewSchemaFetcher(client *http.Client, logger *slog.Logger, readers ...SourceReader) *SchemaFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &SchemaFetcher{
		httpClient:     client,
		logger:         logger.With("component", "openapi_fetcher"),
		autoDiscoverer: NewAutoDiscoverer(client, logger),
		readers:        readers,
	}
}

func (f *SchemaFetcher) readerFor(src string) SourceReader {
	for _, r := range f.readers {
		if r.CanRead(src) {
			return r
		}
	}
	return nil
}

// Fetch loads an OpenAPI schema from a URL or local file path.
func (f *SchemaFetcher) Fetch(ctx context.Context, src string) (domain.APISchema, error) {
	return f.FetchWithConfig(ctx, usecase.SchemaSourceConfig{URL: src})
}

// FetchWithConfig loads an OpenAPI schema, sending the configured headers
// with every HTTP request. Headers are ignored for local files. A base URL
// without an obvious schema path is resolved by auto-discovery first.
func (f *SchemaFetcher) FetchWithConfig(ctx context.Context, config usecase.SchemaSourceConfig) (domain.APISchema, error) {
	log := f.logger.With(slog.String("source", config.URL))
	log.Info("Fetching OpenAPI schema", slog.Int("header_count", len(config.Headers)))

	resolvedSrc := config.URL
	reader := f.readerFor(config.URL)
	if reader == nil {
		resolvedSrc = f.autoDiscoverer.ResolveSchemaSource(ctx, config.URL, config.Headers)
		if resolvedSrc != config.URL {
			log.Info("Auto-discovered OpenAPI schema", slog.String("resolved_url", resolvedSrc))
		}
	}

	var (
		rawData  []byte
		location *url.URL
		err      error
	)
	u, parseErr := url.ParseRequestURI(resolvedSrc)
	if reader != nil {
		log.Debug("Fetching through source reader")
		rawData, err = reader.Read(ctx, resolvedSrc)
	} else if parseErr == nil && (u.Scheme == "http" || u.Scheme == "https") {
		log.Debug("Fetching from URL")
		rawData, err = f.fetchURL(ctx, resolvedSrc, config.Headers)
		location = u
	} else {
		log.Debug("Assuming local file path")
		rawData, err = os.ReadFile(resolvedSrc)
		if err != nil {
			err = fmt.Errorf("failed to read schema from file %s: %w", resolvedSrc, err)
		}
		if abs, absErr := filepath.Abs(resolvedSrc); absErr == nil {
			location = &url.URL{Path: filepath.ToSlash(abs)}
		}
	}
	if err != nil {
		log.Error("Failed to load schema", slog.Any("error", err))
		return domain.APISchema{}, err
	}

	loader := &openapi3.Loader{Context: ctx, IsExternalRefsAllowed: true}
	var doc *openapi3.T
	if location != nil {
		doc, err = loader.LoadFromDataWithPath(rawData, location)
	} else {
		doc, err = loader.LoadFromData(rawData)
	}
	if err != nil {
		log.Error("Failed to parse OpenAPI schema data", slog.Any("error", err))
		return domain.APISchema{}, fmt.Errorf("failed to parse OpenAPI schema from %s: %w", config.URL, err)
	}

	if validateErr := doc.Validate(ctx); validateErr != nil {
		log.Warn("OpenAPI schema validation failed", slog.Any("validation_error", validateErr))
	}

	log.Info("Successfully fetched and parsed OpenAPI schema", slog.Int("path_count", doc.Paths.Len()))
	return domain.APISchema{
		Source:     resolvedSrc,
		Type:       domain.SchemaTypeOpenAPI,
		RawData:    rawData,
		ParsedData: doc,
	}, nil
}

func (f *SchemaFetcher) fetchURL(ctx context.Context, src string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", src, err)
	}
	req.Header.Set("Accept", "application/json, application/yaml, application/vnd.oai.openapi")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch schema from URL %s: %w", src, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch schema from URL %s: status %s", src, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSchemaBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body from %s: %w", src, err)
	}
	return body, nil
}
