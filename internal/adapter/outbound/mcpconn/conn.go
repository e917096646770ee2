package mcpconn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/i2y/mcpgate/internal/domain"
	"github.com/i2y/mcpgate/internal/usecase"
)

// DefaultInitTimeout bounds the MCP handshake with a backing server.
const DefaultInitTimeout = 30 * time.Second

// Factory opens MCP client sessions over stdio, SSE or streamable HTTP.
type Factory struct {
	ClientName    string
	ClientVersion string
	InitTimeout   time.Duration
	Logger        *slog.Logger
}

// NewFactory creates a Factory identifying itself as name/version.
func NewFactory(name, version string, logger *slog.Logger) *Factory {
	return &Factory{
		ClientName:    name,
		ClientVersion: version,
		InitTimeout:   DefaultInitTimeout,
		Logger:        logger.With("component", "mcp_client"),
	}
}

// Connect implements usecase.ConnectionFactory.
func (f *Factory) Connect(ctx context.Context, t domain.Transport) (usecase.Connection, error) {
	kind := TransportType(t)
	log := f.Logger.With(slog.String("transport", string(kind)))

	var (
		c   *client.Client
		err error
	)
	switch kind {
	case domain.TransportStdio:
		c, err = client.NewStdioMCPClientWithOptions(t.Command, envList(t.Env), t.Args,
			transport.WithCommandFunc(commandFunc(t.WorkingDir)))
		log = log.With(slog.String("command", t.Command))
	case domain.TransportSSE:
		c, err = client.NewSSEMCPClient(t.URL, transport.WithHeaders(t.Headers))
		log = log.With(slog.String("url", t.URL))
	case domain.TransportStreamableHTTP:
		c, err = client.NewStreamableHttpClient(t.URL, transport.WithHTTPHeaders(t.Headers))
		log = log.With(slog.String("url", t.URL))
	default:
		return nil, fmt.Errorf("unsupported transport %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", kind, err)
	}

	timeout := f.InitTimeout
	if timeout <= 0 {
		timeout = DefaultInitTimeout
	}
	initCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Stdio clients start their subprocess on creation.
	if kind != domain.TransportStdio {
		if err := c.Start(initCtx); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("start %s client: %w", kind, err)
		}
	}
	conn, err := initialize(initCtx, c, f.ClientName, f.ClientVersion, log)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return conn, nil
}

// TransportType returns the declared transport type or infers it: a command
// means stdio, a URL ending in /sse means SSE, any other URL streamable HTTP.
func TransportType(t domain.Transport) domain.TransportType {
	switch {
	case t.Type != "":
		return t.Type
	case t.Command != "":
		return domain.TransportStdio
	case strings.HasSuffix(strings.TrimRight(t.URL, "/"), "/sse"):
		return domain.TransportSSE
	default:
		return domain.TransportStreamableHTTP
	}
}

func commandFunc(dir string) transport.CommandFunc {
	return func(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
		cmd := exec.Command(command, args...)
		cmd.Env = childEnv(os.Environ(), env)
		cmd.Dir = dir
		return cmd, nil
	}
}

// gatewayEnvPrefix marks the gateway's own settings, which include the vault
// key and broker credentials. Tool servers never inherit them.
const gatewayEnvPrefix = "MCPGATE_"

// childEnv returns base without gateway settings, followed by extra.
func childEnv(base, extra []string) []string {
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		if strings.HasPrefix(strings.ToUpper(kv), gatewayEnvPrefix) {
			continue
		}
		out = append(out, kv)
	}
	return append(out, extra...)
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// Connection is an initialized MCP client session.
type Connection struct {
	client   *client.Client
	hasTools bool
	server   string
	logger   *slog.Logger
}

func initialize(ctx context.Context, c *client.Client, name, version string, logger *slog.Logger) (*Connection, error) {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: name, Version: version}

	res, err := c.Initialize(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("initialize MCP session: %w", err)
	}
	logger.Info("Connected to tool server",
		slog.String("server_name", res.ServerInfo.Name),
		slog.String("server_version", res.ServerInfo.Version),
		slog.String("protocol", res.ProtocolVersion))
	return &Connection{
		client:   c,
		hasTools: res.Capabilities.Tools != nil,
		server:   res.ServerInfo.Name,
		logger:   logger,
	}, nil
}

// ListTools implements usecase.Connection.
func (c *Connection) ListTools(ctx context.Context) ([]domain.Tool, error) {
	if !c.hasTools {
		return nil, fmt.Errorf("server %q has no tools capability: %w", c.server, domain.ErrMethodNotFound)
	}
	var tools []domain.Tool
	req := mcp.ListToolsRequest{}
	for {
		res, err := c.client.ListTools(ctx, req)
		if err != nil {
			return nil, classify(err)
		}
		for _, t := range res.Tools {
			tools = append(tools, domain.Tool{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: inputSchema(t),
				Source:      domain.ToolSourceRemote,
			})
		}
		if res.NextCursor == "" {
			return tools, nil
		}
		req.Params.Cursor = res.NextCursor
	}
}

// inputSchema renders a tool's input schema as a plain JSON object.
func inputSchema(t mcp.Tool) map[string]any {
	raw, err := json.Marshal(t)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var doc struct {
		InputSchema map[string]any `json:"inputSchema"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil || doc.InputSchema == nil {
		return map[string]any{"type": "object"}
	}
	return doc.InputSchema
}

// CallTool implements usecase.Connection. A result the server flags as an
// error is returned as a tool-level error, not a Go error.
func (c *Connection) CallTool(ctx context.Context, name string, args map[string]any) (domain.ToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := c.client.CallTool(ctx, req)
	if err != nil {
		return domain.ToolResult{}, classify(err)
	}
	content := flattenContent(res)
	if res.IsError {
		return domain.ToolResult{IsError: true, Error: fmt.Sprint(content), Content: content}, nil
	}
	return domain.ToolResult{Content: content}, nil
}

// flattenContent turns a call result into a JSON-friendly value: structured
// content when present, the text of a single text block, or a list of blocks.
func flattenContent(res *mcp.CallToolResult) any {
	if res.StructuredContent != nil {
		return res.StructuredContent
	}
	if len(res.Content) == 1 {
		if text, ok := mcp.AsTextContent(res.Content[0]); ok {
			return text.Text
		}
	}
	blocks := make([]any, 0, len(res.Content))
	for _, block := range res.Content {
		if text, ok := mcp.AsTextContent(block); ok {
			blocks = append(blocks, text.Text)
			continue
		}
		raw, err := json.Marshal(block)
		if err != nil {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			blocks = append(blocks, v)
		}
	}
	return blocks
}

// Ping implements usecase.Connection.
func (c *Connection) Ping(ctx context.Context) error {
	return c.client.Ping(ctx)
}

// Close implements usecase.Connection.
func (c *Connection) Close() error {
	return c.client.Close()
}

// classify maps JSON-RPC "method not found" responses to domain.ErrMethodNotFound.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "method not found") || strings.Contains(msg, "-32601") {
		return fmt.Errorf("%w: %v", domain.ErrMethodNotFound, err)
	}
	return err
}
