package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/i2y/mcpgate/internal/domain"
)

// ToolNameSeparator joins a server id and a tool name into a gateway tool name.
const ToolNameSeparator = "__"

const meterName = "github.com/i2y/mcpgate/internal/usecase"

// QualifiedToolName returns the gateway-wide name of a server's tool.
func QualifiedToolName(serverID, tool string) string {
	return serverID + ToolNameSeparator + tool
}

// SplitToolName is the inverse of QualifiedToolName.
func SplitToolName(name string) (serverID, tool string, ok bool) {
	serverID, tool, ok = strings.Cut(name, ToolNameSeparator)
	if !ok || serverID == "" || tool == "" {
		return "", "", false
	}
	return serverID, tool, true
}

// InvokeToolUseCase routes a tool call either through the dispatch queue
// (when a dispatcher is configured) or straight to the registry.
type InvokeToolUseCase struct {
	caller     ToolCaller
	dispatcher *Dispatcher
	timeout    time.Duration
	logger     *slog.Logger

	calls  metric.Int64Counter
	errors metric.Int64Counter
}

// NewInvokeToolUseCase creates a new InvokeToolUseCase. dispatcher may be nil.
func NewInvokeToolUseCase(caller ToolCaller, dispatcher *Dispatcher, timeout time.Duration, logger *slog.Logger) *InvokeToolUseCase {
	uc := &InvokeToolUseCase{
		caller:     caller,
		dispatcher: dispatcher,
		timeout:    timeout,
		logger:     logger.With("usecase", "InvokeTool"),
	}

	meter := otel.Meter(meterName)
	var err error
	if uc.calls, err = meter.Int64Counter("mcpgate.tool_calls",
		metric.WithDescription("Number of tool calls routed through the gateway"),
		metric.WithUnit("1")); err != nil {
		uc.logger.Warn("Failed to create tool call counter", slog.Any("error", err))
	}
	if uc.errors, err = meter.Int64Counter("mcpgate.tool_errors",
		metric.WithDescription("Number of tool calls that ended in an error"),
		metric.WithUnit("1")); err != nil {
		uc.logger.Warn("Failed to create tool error counter", slog.Any("error", err))
	}
	return uc
}

// Execute calls tool on server serverID.
func (uc *InvokeToolUseCase) Execute(ctx context.Context, serverID, tool string, args map[string]any) (domain.ToolResult, error) {
	log := uc.logger.With(slog.String("server_id", serverID), slog.String("tool_name", tool))
	log.Info("Executing tool invocation", slog.Bool("queued", uc.dispatcher != nil))

	attrs := metric.WithAttributes(attribute.String("server_id", serverID), attribute.String("tool", tool))
	if uc.calls != nil {
		uc.calls.Add(ctx, 1, attrs)
	}

	result, err := uc.execute(ctx, serverID, tool, args)
	if (err != nil || result.IsError) && uc.errors != nil {
		uc.errors.Add(ctx, 1, attrs)
	}
	if err != nil {
		log.Error("Tool invocation failed", slog.Any("error", err))
		return domain.ToolResult{}, fmt.Errorf("failed to invoke tool %s: %w", tool, err)
	}
	log.Info("Tool invocation finished", slog.Bool("is_error", result.IsError))
	return result, nil
}

func (uc *InvokeToolUseCase) execute(ctx context.Context, serverID, tool string, args map[string]any) (domain.ToolResult, error) {
	if uc.dispatcher == nil {
		return uc.caller.CallTool(ctx, serverID, tool, args)
	}
	resp, err := uc.dispatcher.Call(ctx, serverID, tool, args, uc.timeout)
	if err != nil {
		return domain.ToolResult{}, err
	}
	if resp.Status == domain.CallError && !resp.Result.IsError {
		return domain.ToolResult{IsError: true, Error: resp.Error}, nil
	}
	return resp.Result, nil
}

// ExecuteQualified calls a tool addressed by its gateway-wide name.
func (uc *InvokeToolUseCase) ExecuteQualified(ctx context.Context, name string, args map[string]any) (domain.ToolResult, error) {
	serverID, tool, ok := SplitToolName(name)
	if !ok {
		return domain.ToolResult{}, fmt.Errorf("tool %q: %w", name, domain.ErrToolNotFound)
	}
	return uc.Execute(ctx, serverID, tool, args)
}
