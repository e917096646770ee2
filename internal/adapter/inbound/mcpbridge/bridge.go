// Package mcpbridge republishes every tool routed by the gateway on an
// mcp-go server under its qualified name.
package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/i2y/mcpgate/internal/domain"
)

// ToolLister returns the gateway tools under their qualified names.
type ToolLister interface {
	Execute(ctx context.Context) ([]domain.Tool, error)
}

// QualifiedInvoker calls a tool addressed by its qualified name.
type QualifiedInvoker interface {
	ExecuteQualified(ctx context.Context, name string, args map[string]any) (domain.ToolResult, error)
}

// Bridge keeps the tool list of an MCP server in step with the registry.
type Bridge struct {
	server  *server.MCPServer
	lister  ToolLister
	invoker QualifiedInvoker
	logger  *slog.Logger
	notify  chan struct{}
}

// New creates a Bridge publishing on srv.
func New(srv *server.MCPServer, lister ToolLister, invoker QualifiedInvoker, logger *slog.Logger) *Bridge {
	return &Bridge{
		server:  srv,
		lister:  lister,
		invoker: invoker,
		logger:  logger.With("component", "mcp_bridge"),
		notify:  make(chan struct{}, 1),
	}
}

// Notify schedules a refresh. It never blocks and may be called from a
// registry state observer.
func (b *Bridge) Notify() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// OnStateChange is a registry state observer.
func (b *Bridge) OnStateChange(serverID string, from, to domain.ServerState) {
	if to == domain.StateRunning || from == domain.StateRunning {
		b.Notify()
	}
}

// Run refreshes the published tools on every notification and every
// interval until ctx is done. interval <= 0 disables periodic refreshes.
func (b *Bridge) Run(ctx context.Context, interval time.Duration) error {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	b.logger.Info("MCP bridge started", slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.notify:
		case <-tick:
		}
		if err := b.Refresh(ctx); err != nil {
			b.logger.Warn("Failed to refresh published tools", slog.Any("error", err))
		}
	}
}

// Refresh replaces the published tool set with the current one.
func (b *Bridge) Refresh(ctx context.Context) error {
	tools, err := b.lister.Execute(ctx)
	if err != nil {
		return fmt.Errorf("failed to list gateway tools: %w", err)
	}
	serverTools := make([]server.ServerTool, 0, len(tools))
	for _, t := range tools {
		mt, err := mcpTool(t)
		if err != nil {
			b.logger.Warn("Skipping tool with unencodable schema", slog.String("tool_name", t.Name), slog.Any("error", err))
			continue
		}
		serverTools = append(serverTools, server.ServerTool{Tool: mt, Handler: b.handler(t.Name)})
	}
	b.server.SetTools(serverTools...)
	b.logger.Info("Published gateway tools", slog.Int("count", len(serverTools)))
	return nil
}

func mcpTool(t domain.Tool) (mcp.Tool, error) {
	schema := t.InputSchema
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return mcp.Tool{}, err
	}
	return mcp.NewToolWithRawSchema(t.Name, t.Description, raw), nil
}

func (b *Bridge) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := b.invoker.ExecuteQualified(ctx, name, req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return toCallResult(result), nil
	}
}

// toCallResult renders a gateway result as MCP content: strings as text,
// anything else as JSON text.
func toCallResult(result domain.ToolResult) *mcp.CallToolResult {
	if result.IsError {
		msg := result.Error
		if msg == "" {
			msg = fmt.Sprint(result.Content)
		}
		return mcp.NewToolResultError(msg)
	}
	switch c := result.Content.(type) {
	case nil:
		return mcp.NewToolResultText("")
	case string:
		return mcp.NewToolResultText(c)
	default:
		raw, err := json.Marshal(c)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("unencodable result: %v", err))
		}
		return mcp.NewToolResultText(string(raw))
	}
}
