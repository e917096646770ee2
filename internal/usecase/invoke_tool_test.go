package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i2y/mcpgate/internal/domain"
	"github.com/i2y/mcpgate/internal/usecase"
)

func TestSplitToolName(t *testing.T) {
	tests := []struct {
		in         string
		wantServer string
		wantTool   string
		wantOK     bool
	}{
		{in: "weather__get_weather", wantServer: "weather", wantTool: "get_weather", wantOK: true},
		{in: "a__b__c", wantServer: "a", wantTool: "b__c", wantOK: true},
		{in: "plain"},
		{in: "__tool"},
		{in: "server__"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			server, tool, ok := usecase.SplitToolName(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantServer, server)
			assert.Equal(t, tt.wantTool, tool)
		})
	}
	assert.Equal(t, "s__t", usecase.QualifiedToolName("s", "t"))
}

func TestInvokeToolUseCase_Execute(t *testing.T) {
	ctx := context.Background()
	callerErr := errors.New("server not found")

	tests := []struct {
		name          string
		caller        *fakeCaller
		inTool        string
		inParams      map[string]any
		wantErr       bool
		wantResult    domain.ToolResult
		expectErrText string
	}{
		{
			name:       "Success - tool invoked",
			caller:     &fakeCaller{result: domain.ToolResult{Content: map[string]any{"success": true}}},
			inTool:     "test-tool",
			inParams:   map[string]any{"param1": "value1"},
			wantResult: domain.ToolResult{Content: map[string]any{"success": true}},
		},
		{
			name:       "Success - tool-level error is a result",
			caller:     &fakeCaller{result: domain.ToolResult{IsError: true, Error: "HTTP 404: missing"}},
			inTool:     "test-tool",
			wantResult: domain.ToolResult{IsError: true, Error: "HTTP 404: missing"},
		},
		{
			name:          "Failure - caller error",
			caller:        &fakeCaller{err: callerErr},
			inTool:        "test-tool",
			wantErr:       true,
			expectErrText: "failed to invoke tool test-tool: server not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uc := usecase.NewInvokeToolUseCase(tt.caller, nil, 0, testLogger())
			result, err := uc.Execute(ctx, "srv", tt.inTool, tt.inParams)
			if tt.wantErr {
				require.Error(t, err)
				if tt.expectErrText != "" {
					assert.EqualError(t, err, tt.expectErrText)
				}
				assert.Equal(t, domain.ToolResult{}, result)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantResult, result)
			assert.Equal(t, []string{"srv/" + tt.inTool}, tt.caller.calls)
		})
	}
}

func TestInvokeToolUseCase_ExecuteQualified(t *testing.T) {
	ctx := context.Background()
	caller := &fakeCaller{result: domain.ToolResult{Content: "ok"}}
	uc := usecase.NewInvokeToolUseCase(caller, nil, 0, testLogger())

	result, err := uc.ExecuteQualified(ctx, "weather__get_weather", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Content)
	assert.Equal(t, []string{"weather/get_weather"}, caller.calls)

	_, err = uc.ExecuteQualified(ctx, "unqualified", nil)
	assert.ErrorIs(t, err, domain.ErrToolNotFound)
}

func TestInvokeToolUseCase_ThroughDispatcher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	broker := newFakeBroker()
	d := usecase.NewDispatcher(broker, usecase.DispatchOptions{}, testLogger())
	startListener(t, d)

	caller := &fakeCaller{}
	worker := usecase.NewDispatchWorker(broker, caller, usecase.DispatchOptions{}, testLogger())
	go func() { _ = worker.Run(ctx) }()

	uc := usecase.NewInvokeToolUseCase(nil, d, 2*time.Second, testLogger())
	result, err := uc.Execute(ctx, "srv", "echo", map[string]any{"echo": "hello"})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "hello", result.Content)

	caller.mu.Lock()
	caller.err = errors.New("boom")
	caller.mu.Unlock()
	result, err = uc.Execute(ctx, "srv", "fail", nil)
	require.NoError(t, err, "worker failures come back as results")
	assert.True(t, result.IsError)
	assert.Equal(t, "boom", result.Error)
}

func TestInvokeToolUseCase_DispatcherTimeout(t *testing.T) {
	d := usecase.NewDispatcher(newFakeBroker(), usecase.DispatchOptions{}, testLogger())
	uc := usecase.NewInvokeToolUseCase(nil, d, 20*time.Millisecond, testLogger())

	result, err := uc.Execute(context.Background(), "srv", "slow", nil)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, 0, d.Pending())
}
