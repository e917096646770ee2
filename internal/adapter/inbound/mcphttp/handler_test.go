package mcphttp_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/i2y/mcpgate/internal/adapter/inbound/mcphttp"
	"github.com/i2y/mcpgate/internal/domain"
	"github.com/i2y/mcpgate/internal/usecase"
)

type MockServerManager struct {
	mock.Mock
}

func (m *MockServerManager) CreateServer(ctx context.Context, req usecase.CreateServerRequest) (*domain.ServerConfig, error) {
	args := m.Called(ctx, req)
	cfg, _ := args.Get(0).(*domain.ServerConfig)
	return cfg, args.Error(1)
}

func (m *MockServerManager) GetServer(ctx context.Context, id string) (*domain.ServerConfig, error) {
	args := m.Called(ctx, id)
	cfg, _ := args.Get(0).(*domain.ServerConfig)
	return cfg, args.Error(1)
}

func (m *MockServerManager) ListServers(ctx context.Context) ([]*domain.ServerConfig, error) {
	args := m.Called(ctx)
	cfgs, _ := args.Get(0).([]*domain.ServerConfig)
	return cfgs, args.Error(1)
}

func (m *MockServerManager) StartServer(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockServerManager) StopServer(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockServerManager) RestartServer(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockServerManager) UpdateServerStatus(ctx context.Context, id string, status domain.ServerStatus) (*domain.ServerConfig, error) {
	args := m.Called(ctx, id, status)
	cfg, _ := args.Get(0).(*domain.ServerConfig)
	return cfg, args.Error(1)
}

func (m *MockServerManager) UpdateToolStatus(ctx context.Context, id, tool string, status domain.ToolStatus) error {
	return m.Called(ctx, id, tool, status).Error(0)
}

func (m *MockServerManager) DeleteServer(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockServerManager) CreateSecret(ctx context.Context, owner, name, environment, value string) (*domain.SecretRecord, error) {
	args := m.Called(ctx, owner, name, environment, value)
	rec, _ := args.Get(0).(*domain.SecretRecord)
	return rec, args.Error(1)
}

func (m *MockServerManager) ListSecrets(ctx context.Context, owner string) ([]*domain.SecretRecord, error) {
	args := m.Called(ctx, owner)
	recs, _ := args.Get(0).([]*domain.SecretRecord)
	return recs, args.Error(1)
}

type MockRegistry struct {
	mock.Mock
}

func (m *MockRegistry) Entries() []usecase.RegistryEntry {
	entries, _ := m.Called().Get(0).([]usecase.RegistryEntry)
	return entries
}

func (m *MockRegistry) GetTools(ctx context.Context, id string) ([]domain.Tool, error) {
	args := m.Called(ctx, id)
	tools, _ := args.Get(0).([]domain.Tool)
	return tools, args.Error(1)
}

func (m *MockRegistry) State(id string) (domain.ServerState, bool) {
	args := m.Called(id)
	return args.Get(0).(domain.ServerState), args.Bool(1)
}

type MockInvoker struct {
	mock.Mock
}

func (m *MockInvoker) Execute(ctx context.Context, serverID, tool string, args map[string]any) (domain.ToolResult, error) {
	a := m.Called(ctx, serverID, tool, args)
	return a.Get(0).(domain.ToolResult), a.Error(1)
}

type MockSyncer struct {
	mock.Mock
}

func (m *MockSyncer) Execute(ctx context.Context, serverID string, src usecase.SchemaSourceConfig) ([]domain.ToolDefinition, error) {
	args := m.Called(ctx, serverID, src)
	defs, _ := args.Get(0).([]domain.ToolDefinition)
	return defs, args.Error(1)
}

// inlineSpawner runs jobs synchronously and records their names.
type inlineSpawner struct {
	jobs []string
	errs []error
}

func (s *inlineSpawner) Spawn(name string, fn func(ctx context.Context) error) {
	s.jobs = append(s.jobs, name)
	s.errs = append(s.errs, fn(context.Background()))
}

type fixture struct {
	servers  *MockServerManager
	registry *MockRegistry
	invoker  *MockInvoker
	syncer   *MockSyncer
	spawner  *inlineSpawner
	mux      *http.ServeMux
}

func newFixture() *fixture {
	f := &fixture{
		servers:  new(MockServerManager),
		registry: new(MockRegistry),
		invoker:  new(MockInvoker),
		syncer:   new(MockSyncer),
		spawner:  &inlineSpawner{},
		mux:      http.NewServeMux(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mcphttp.NewHandlers(f.servers, f.registry, f.invoker, f.syncer, f.spawner, logger).RegisterAdminRoutes(f.mux)
	return f
}

func (f *fixture) do(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestCreateServer(t *testing.T) {
	tests := []struct {
		name       string
		cfg        *domain.ServerConfig
		err        error
		wantStatus int
		wantKey    string
	}{
		{name: "created", cfg: &domain.ServerConfig{ID: "weather", Name: "Weather"}, wantStatus: http.StatusCreated, wantKey: "server"},
		{name: "stored but start failed", cfg: &domain.ServerConfig{ID: "weather", Name: "Weather"}, err: errors.New("dial failed"), wantStatus: http.StatusCreated, wantKey: "start_error"},
		{name: "duplicate", err: &domain.RegistrationError{ID: "weather", Err: domain.ErrAlreadyRegistered}, wantStatus: http.StatusConflict, wantKey: "error"},
		{name: "bad secret ref", err: &domain.RegistrationError{Key: "token", Err: domain.ErrSecretNotFound}, wantStatus: http.StatusNotFound, wantKey: "error"},
		{name: "invalid", err: &domain.CompileError{Tool: "t", Reason: "bad"}, wantStatus: http.StatusBadRequest, wantKey: "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.servers.On("CreateServer", mock.Anything, mock.MatchedBy(func(req usecase.CreateServerRequest) bool {
				return req.Server.Name == "Weather" && req.Secrets["token"].SecretID == "s1"
			})).Return(tt.cfg, tt.err)
			f.registry.On("State", "weather").Return(domain.StateRunning, true).Maybe()

			rec, body := f.do(t, http.MethodPost, "/admin/servers",
				`{"server":{"id":"weather","name":"Weather"},"secrets":{"token":{"type":"secret","secret_id":"s1"}}}`)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, body, tt.wantKey)
			f.servers.AssertExpectations(t)
		})
	}
}

func TestCreateServer_BadBody(t *testing.T) {
	f := newFixture()
	rec, body := f.do(t, http.MethodPost, "/admin/servers", `{"server":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "invalid request body")
	f.servers.AssertNotCalled(t, "CreateServer", mock.Anything, mock.Anything)
}

func TestGetServer(t *testing.T) {
	f := newFixture()
	f.servers.On("GetServer", mock.Anything, "weather").Return(&domain.ServerConfig{ID: "weather", Name: "Weather"}, nil)
	f.servers.On("GetServer", mock.Anything, "ghost").Return(nil, domain.ErrServerNotFound)
	f.registry.On("State", "weather").Return(domain.ServerState(""), false)

	rec, body := f.do(t, http.MethodGet, "/admin/servers/weather", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(domain.StateStopped), body["state"], "servers without an entry read as stopped")

	rec, _ = f.do(t, http.MethodGet, "/admin/servers/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetServer_HidesSecretBlob(t *testing.T) {
	f := newFixture()
	f.servers.On("GetServer", mock.Anything, "weather").
		Return(&domain.ServerConfig{ID: "weather", Name: "Weather", Secrets: "v1:sealed"}, nil)
	f.registry.On("State", "weather").Return(domain.StateRunning, true)

	rec, body := f.do(t, http.MethodGet, "/admin/servers/weather", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "v1:sealed")
	assert.Equal(t, true, body["has_secrets"])
	server, ok := body["server"].(map[string]any)
	require.True(t, ok)
	assert.NotContains(t, server, "secrets")
}

func TestStartServer_RespondsInitializing(t *testing.T) {
	f := newFixture()
	f.servers.On("GetServer", mock.Anything, "weather").Return(&domain.ServerConfig{ID: "weather"}, nil)
	f.servers.On("StartServer", mock.Anything, "weather").Return(nil)

	rec, body := f.do(t, http.MethodPost, "/admin/servers/weather/start", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, string(domain.StateInitializing), body["state"])
	assert.Equal(t, []string{"start weather"}, f.spawner.jobs)
	f.servers.AssertExpectations(t)
}

func TestStopAndRestart(t *testing.T) {
	f := newFixture()
	f.servers.On("StopServer", mock.Anything, "weather").Return(nil)
	f.servers.On("RestartServer", mock.Anything, "weather").Return(nil)
	f.servers.On("StopServer", mock.Anything, "ghost").Return(domain.ErrServerNotFound)
	f.registry.On("State", "weather").Return(domain.StateRunning, true)

	rec, body := f.do(t, http.MethodPost, "/admin/servers/weather/stop", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(domain.StateStopped), body["state"])

	rec, body = f.do(t, http.MethodPost, "/admin/servers/weather/restart", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(domain.StateRunning), body["state"])

	rec, _ = f.do(t, http.MethodPost, "/admin/servers/ghost/stop", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateServerStatus(t *testing.T) {
	f := newFixture()
	cfg := &domain.ServerConfig{ID: "weather", Status: domain.ServerStatusInactive}
	f.servers.On("UpdateServerStatus", mock.Anything, "weather", domain.ServerStatusInactive).Return(cfg, nil)
	f.servers.On("UpdateServerStatus", mock.Anything, "weather", domain.ServerStatus("paused")).
		Return(nil, domain.ErrInvalidArgument)
	f.registry.On("State", "weather").Return(domain.ServerState(""), false)

	rec, _ := f.do(t, http.MethodPatch, "/admin/servers/weather/status", `{"status":"inactive"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodPatch, "/admin/servers/weather/status", `{"status":"paused"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTools(t *testing.T) {
	tools := []domain.Tool{{Name: "get_weather", Source: domain.ToolSourceLocal}}
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantListing bool
	}{
		{name: "ok", wantStatus: http.StatusOK},
		{name: "partial listing", err: &domain.ListingError{ServerID: "weather", Err: errors.New("boom")}, wantStatus: http.StatusOK, wantListing: true},
		{name: "not running", err: domain.ErrServerNotFound, wantStatus: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.registry.On("GetTools", mock.Anything, "weather").Return(tools, tt.err)

			rec, body := f.do(t, http.MethodGet, "/admin/servers/weather/tools", "")
			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus != http.StatusOK {
				return
			}
			assert.Len(t, body["tools"], 1)
			_, hasListing := body["listing_error"]
			assert.Equal(t, tt.wantListing, hasListing)
		})
	}
}

func TestUpdateToolStatus(t *testing.T) {
	f := newFixture()
	f.servers.On("UpdateToolStatus", mock.Anything, "weather", "get_weather", domain.ToolStatusInactive).Return(nil)
	f.servers.On("UpdateToolStatus", mock.Anything, "weather", "nope", domain.ToolStatusInactive).
		Return(domain.ErrToolNotFound)

	rec, _ := f.do(t, http.MethodPatch, "/admin/servers/weather/tools/get_weather/status", `{"status":"inactive"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = f.do(t, http.MethodPatch, "/admin/servers/weather/tools/nope/status", `{"status":"inactive"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCallTool(t *testing.T) {
	tests := []struct {
		name       string
		result     domain.ToolResult
		err        error
		wantStatus int
		wantIssues bool
	}{
		{name: "success", result: domain.ToolResult{Content: "sunny"}, wantStatus: http.StatusOK},
		{name: "tool-level error", result: domain.ToolResult{IsError: true, Error: "HTTP 500: down"}, wantStatus: http.StatusOK},
		{
			name:       "validation",
			err:        &domain.ValidationError{Tool: "get_weather", Issues: []domain.FieldIssue{{Path: "city", Message: "required"}}},
			wantStatus: http.StatusBadRequest,
			wantIssues: true,
		},
		{name: "dispatcher closed", err: domain.ErrDispatcherClosed, wantStatus: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.invoker.On("Execute", mock.Anything, "weather", "get_weather", map[string]any{"city": "Oslo"}).
				Return(tt.result, tt.err)

			rec, body := f.do(t, http.MethodPost, "/admin/servers/weather/tools/get_weather/call", `{"arguments":{"city":"Oslo"}}`)
			assert.Equal(t, tt.wantStatus, rec.Code)
			_, hasIssues := body["issues"]
			assert.Equal(t, tt.wantIssues, hasIssues)
			if tt.err == nil {
				assert.Equal(t, tt.result.IsError, body["is_error"])
			}
		})
	}
}

func TestSyncSchema(t *testing.T) {
	f := newFixture()
	src := usecase.SchemaSourceConfig{URL: "https://api.example.com/openapi.json", Headers: map[string]string{"X-Key": "k"}}
	f.syncer.On("Execute", mock.Anything, "petstore", src).
		Return([]domain.ToolDefinition{{Name: "listpets"}, {Name: "create_pet"}}, nil)

	rec, body := f.do(t, http.MethodPost, "/admin/servers/petstore/sync",
		`{"source":"https://api.example.com/openapi.json","headers":{"X-Key":"k"}}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"listpets", "create_pet"}, body["tools"])
	f.syncer.AssertExpectations(t)
}

func TestSecrets(t *testing.T) {
	f := newFixture()
	rec := &domain.SecretRecord{ID: "s1", Owner: "alice", Name: "gh", Value: "v1:cipher"}
	f.servers.On("CreateSecret", mock.Anything, "alice", "gh", "", "ghp_x").Return(rec, nil)
	f.servers.On("ListSecrets", mock.Anything, "alice").Return([]*domain.SecretRecord{rec}, nil)

	resp, body := f.do(t, http.MethodPost, "/admin/secrets", `{"owner":"alice","name":"gh","value":"ghp_x"}`)
	assert.Equal(t, http.StatusCreated, resp.Code)
	assert.Equal(t, "s1", body["id"])
	assert.NotContains(t, resp.Body.String(), "v1:cipher", "encrypted values are never serialized")

	resp, _ = f.do(t, http.MethodPost, "/admin/secrets", `{"owner":"alice"}`)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp, _ = f.do(t, http.MethodGet, "/admin/secrets?owner=alice", "")
	assert.Equal(t, http.StatusOK, resp.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	resp, _ = f.do(t, http.MethodGet, "/admin/secrets", "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestRegistryAndHealth(t *testing.T) {
	f := newFixture()
	f.registry.On("Entries").Return([]usecase.RegistryEntry{{ServerID: "weather", State: domain.StateRunning, Healthy: true}})

	resp, body := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, float64(1), body["servers"])

	resp, _ = f.do(t, http.MethodGet, "/admin/registry", "")
	assert.Equal(t, http.StatusOK, resp.Code)
	var entries []map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "running", entries[0]["state"])
}

func TestDeleteServer(t *testing.T) {
	f := newFixture()
	f.servers.On("DeleteServer", mock.Anything, "weather").Return(nil)
	rec, _ := f.do(t, http.MethodDelete, "/admin/servers/weather", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
