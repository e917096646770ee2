package redisqueue_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i2y/mcpgate/internal/adapter/outbound/redisqueue"
	"github.com/i2y/mcpgate/internal/domain"
	"github.com/i2y/mcpgate/internal/usecase"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setupTestBroker creates a miniredis instance and returns a connected Broker.
func setupTestBroker(t *testing.T) (*redisqueue.Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := redisqueue.New(redisqueue.Options{
		URL:            fmt.Sprintf("redis://%s", mr.Addr()),
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
	}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, mr
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr string
	}{
		{name: "invalid URL", url: "invalid://url", wantErr: "failed to parse Redis URL"},
		{name: "connection failure", url: "redis://127.0.0.1:1", wantErr: "failed to connect to Redis"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := redisqueue.New(redisqueue.Options{URL: tt.url, ConnectTimeout: 200 * time.Millisecond}, testLogger())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestBroker_PushPop(t *testing.T) {
	ctx := context.Background()
	b, _ := setupTestBroker(t)

	require.NoError(t, b.Push(ctx, "q", []byte("first")))
	require.NoError(t, b.Push(ctx, "q", []byte("second")))
	n, err := b.Len(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := b.Pop(ctx, "q", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got), "queue is FIFO")
	got, err = b.Pop(ctx, "q", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
}

func TestBroker_PopTimeout(t *testing.T) {
	b, _ := setupTestBroker(t)
	start := time.Now()
	got, err := b.Pop(context.Background(), "empty", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestBroker_PublishSubscribe(t *testing.T) {
	b, _ := setupTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())

	msgs, err := b.Subscribe(ctx, "results")
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "results", []byte(`{"request_id":"r1"}`)))

	select {
	case msg := <-msgs:
		assert.JSONEq(t, `{"request_id":"r1"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}

	cancel()
	select {
	case _, ok := <-msgs:
		assert.False(t, ok, "channel closes with the context")
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed")
	}
}

func TestBroker_WithDispatcher(t *testing.T) {
	b, _ := setupTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := usecase.DispatchOptions{Queue: "test:calls", Channel: "test:results"}
	d := usecase.NewDispatcher(b, opts, testLogger())
	go func() { _ = d.Listen(ctx) }()
	select {
	case <-d.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher not ready")
	}

	worker := usecase.NewDispatchWorker(b, echoCaller{}, opts, testLogger())
	go func() { _ = worker.Run(ctx) }()

	resp, err := d.Call(ctx, "srv", "echo", map[string]any{"msg": "hi"}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.CallSuccess, resp.Status)
	assert.Equal(t, "srv/echo:hi", resp.Result.Content)
}

type echoCaller struct{}

func (echoCaller) CallTool(ctx context.Context, serverID, tool string, args map[string]any) (domain.ToolResult, error) {
	return domain.ToolResult{Content: fmt.Sprintf("%s/%s:%v", serverID, tool, args["msg"])}, nil
}
