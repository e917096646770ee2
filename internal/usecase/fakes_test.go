package usecase_test

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/i2y/mcpgate/internal/compiler"
	"github.com/i2y/mcpgate/internal/domain"
	"github.com/i2y/mcpgate/internal/usecase"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// MockExecutor is a mock implementation of the ToolExecutor interface.
type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) Execute(ctx context.Context, ep domain.Endpoint, call *compiler.Call, auth domain.AuthContext) (any, error) {
	args := m.Called(ctx, ep, call, auth)
	return args.Get(0), args.Error(1)
}

// fakeConn is a scripted backing tool server.
type fakeConn struct {
	mu       sync.Mutex
	tools    []domain.Tool
	listErr  error
	pingErr  error
	callErr  error
	result   domain.ToolResult
	calls    []string
	closed   bool
	closeErr error
}

func (c *fakeConn) ListTools(ctx context.Context) ([]domain.Tool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listErr != nil {
		return nil, c.listErr
	}
	return append([]domain.Tool(nil), c.tools...), nil
}

func (c *fakeConn) CallTool(ctx context.Context, name string, args map[string]any) (domain.ToolResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, name)
	if c.callErr != nil {
		return domain.ToolResult{}, c.callErr
	}
	return c.result, nil
}

func (c *fakeConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.closeErr
}

func (c *fakeConn) setPingErr(err error) {
	c.mu.Lock()
	c.pingErr = err
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeFactory hands out connections produced by next and records transports.
type fakeFactory struct {
	mu         sync.Mutex
	next       func() *fakeConn
	err        error
	transports []domain.Transport
	conns      []*fakeConn
}

func (f *fakeFactory) Connect(ctx context.Context, t domain.Transport) (usecase.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transports = append(f.transports, t)
	if f.err != nil {
		return nil, f.err
	}
	conn := &fakeConn{}
	if f.next != nil {
		conn = f.next()
	}
	f.conns = append(f.conns, conn)
	return conn, nil
}

func (f *fakeFactory) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

// memServers is an in-memory ServerRepository and SecretRepository.
type memServers struct {
	mu      sync.Mutex
	servers map[string]domain.ServerConfig
	secrets map[string]domain.SecretRecord
}

func newMemServers(cfgs ...domain.ServerConfig) *memServers {
	m := &memServers{servers: map[string]domain.ServerConfig{}, secrets: map[string]domain.SecretRecord{}}
	for _, cfg := range cfgs {
		m.servers[cfg.ID] = cfg
	}
	return m
}

func (m *memServers) SaveServer(ctx context.Context, cfg *domain.ServerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers[cfg.ID] = *cfg
	return nil
}

func (m *memServers) GetServer(ctx context.Context, id string) (*domain.ServerConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.servers[id]
	if !ok {
		return nil, domain.ErrServerNotFound
	}
	cfg.Tools = append([]domain.ToolDefinition(nil), cfg.Tools...)
	return &cfg, nil
}

func (m *memServers) ListServers(ctx context.Context) ([]*domain.ServerConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.ServerConfig, 0, len(m.servers))
	for _, cfg := range m.servers {
		c := cfg
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memServers) DeleteServer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[id]; !ok {
		return domain.ErrServerNotFound
	}
	delete(m.servers, id)
	return nil
}

func (m *memServers) GetSecret(ctx context.Context, id string) (*domain.SecretRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.secrets[id]
	if !ok {
		return nil, domain.ErrSecretNotFound
	}
	return &rec, nil
}

func (m *memServers) SaveSecret(ctx context.Context, rec *domain.SecretRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[rec.ID] = *rec
	return nil
}

func (m *memServers) ListSecrets(ctx context.Context, owner string) ([]*domain.SecretRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.SecretRecord
	for _, rec := range m.secrets {
		if rec.Owner == owner {
			r := rec
			out = append(out, &r)
		}
	}
	return out, nil
}

func (m *memServers) stored(id string) (domain.ServerConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.servers[id]
	return cfg, ok
}

// fakeBroker is an in-process Broker.
type fakeBroker struct {
	mu     sync.Mutex
	queues map[string][][]byte
	subs   map[string][]chan []byte
	signal chan struct{}
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		queues: map[string][][]byte{},
		subs:   map[string][]chan []byte{},
		signal: make(chan struct{}, 1),
	}
}

func (b *fakeBroker) Push(ctx context.Context, queue string, payload []byte) error {
	b.mu.Lock()
	b.queues[queue] = append(b.queues[queue], payload)
	b.mu.Unlock()
	select {
	case b.signal <- struct{}{}:
	default:
	}
	return nil
}

func (b *fakeBroker) Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		b.mu.Lock()
		if q := b.queues[queue]; len(q) > 0 {
			b.queues[queue] = q[1:]
			b.mu.Unlock()
			return q[0], nil
		}
		b.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-b.signal:
		}
	}
}

func (b *fakeBroker) queued(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queue])
}

// take removes every queued payload without waiting.
func (b *fakeBroker) take(queue string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[queue]
	delete(b.queues, queue)
	return q
}

func (b *fakeBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	subs := append([]chan []byte(nil), b.subs[channel]...)
	b.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- payload:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *fakeBroker) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 16)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()
	return ch, nil
}

// fakeCaller is a scripted ToolCaller.
type fakeCaller struct {
	mu     sync.Mutex
	result domain.ToolResult
	err    error
	delay  time.Duration
	calls  []string
}

func (c *fakeCaller) CallTool(ctx context.Context, serverID, tool string, args map[string]any) (domain.ToolResult, error) {
	c.mu.Lock()
	c.calls = append(c.calls, serverID+"/"+tool)
	result, err, delay := c.result, c.err, c.delay
	c.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return domain.ToolResult{}, ctx.Err()
		}
	}
	if args != nil {
		if echo, ok := args["echo"]; ok {
			return domain.ToolResult{Content: echo}, nil
		}
	}
	return result, err
}

func (c *fakeCaller) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}
