package mcphttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/i2y/mcpgate/internal/domain"
	"github.com/i2y/mcpgate/internal/usecase"
)

const maxBodyBytes = 1 << 20

// ServerManager is the server administration surface.
type ServerManager interface {
	CreateServer(ctx context.Context, req usecase.CreateServerRequest) (*domain.ServerConfig, error)
	GetServer(ctx context.Context, id string) (*domain.ServerConfig, error)
	ListServers(ctx context.Context) ([]*domain.ServerConfig, error)
	StartServer(ctx context.Context, id string) error
	StopServer(ctx context.Context, id string) error
	RestartServer(ctx context.Context, id string) error
	UpdateServerStatus(ctx context.Context, id string, status domain.ServerStatus) (*domain.ServerConfig, error)
	UpdateToolStatus(ctx context.Context, id, tool string, status domain.ToolStatus) error
	DeleteServer(ctx context.Context, id string) error
	CreateSecret(ctx context.Context, owner, name, environment, value string) (*domain.SecretRecord, error)
	ListSecrets(ctx context.Context, owner string) ([]*domain.SecretRecord, error)
}

// RegistryView exposes the runtime state of running servers.
type RegistryView interface {
	Entries() []usecase.RegistryEntry
	GetTools(ctx context.Context, id string) ([]domain.Tool, error)
	State(id string) (domain.ServerState, bool)
}

// ToolInvoker calls a tool of a registered server.
type ToolInvoker interface {
	Execute(ctx context.Context, serverID, tool string, args map[string]any) (domain.ToolResult, error)
}

// SchemaSyncer imports an API schema as a server's declared tools.
type SchemaSyncer interface {
	Execute(ctx context.Context, serverID string, src usecase.SchemaSourceConfig) ([]domain.ToolDefinition, error)
}

// Spawner runs background jobs that outlive the request.
type Spawner interface {
	Spawn(name string, fn func(ctx context.Context) error)
}

// Handlers struct holds dependencies for the HTTP handlers.
type Handlers struct {
	servers  ServerManager
	registry RegistryView
	invoker  ToolInvoker
	syncer   SchemaSyncer
	spawner  Spawner
	logger   *slog.Logger
}

// NewHandlers creates a new Handlers struct.
func NewHandlers(
	servers ServerManager,
	registry RegistryView,
	invoker ToolInvoker,
	syncer SchemaSyncer,
	spawner Spawner,
	logger *slog.Logger,
) *Handlers {
	return &Handlers{
		servers:  servers,
		registry: registry,
		invoker:  invoker,
		syncer:   syncer,
		spawner:  spawner,
		logger:   logger.With("component", "mcphttp_handler"),
	}
}

// RegisterAdminRoutes sets up the HTTP routes for admin endpoints.
func (h *Handlers) RegisterAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.handleHealth)

	mux.HandleFunc("POST /admin/servers", h.handleCreateServer)
	mux.HandleFunc("GET /admin/servers", h.handleListServers)
	mux.HandleFunc("GET /admin/servers/{id}", h.handleGetServer)
	mux.HandleFunc("DELETE /admin/servers/{id}", h.handleDeleteServer)
	mux.HandleFunc("PATCH /admin/servers/{id}/status", h.handleUpdateServerStatus)
	mux.HandleFunc("POST /admin/servers/{id}/start", h.handleStartServer)
	mux.HandleFunc("POST /admin/servers/{id}/stop", h.handleStopServer)
	mux.HandleFunc("POST /admin/servers/{id}/restart", h.handleRestartServer)
	mux.HandleFunc("POST /admin/servers/{id}/sync", h.handleSyncSchema)

	mux.HandleFunc("GET /admin/servers/{id}/tools", h.handleListTools)
	mux.HandleFunc("PATCH /admin/servers/{id}/tools/{tool}/status", h.handleUpdateToolStatus)
	mux.HandleFunc("POST /admin/servers/{id}/tools/{tool}/call", h.handleCallTool)

	mux.HandleFunc("GET /admin/registry", h.handleRegistry)

	mux.HandleFunc("POST /admin/secrets", h.handleCreateSecret)
	mux.HandleFunc("GET /admin/secrets", h.handleListSecrets)
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "servers": len(h.registry.Entries())})
}

func (h *Handlers) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var req usecase.CreateServerRequest
	if !h.decode(w, r, &req) {
		return
	}
	cfg, err := h.servers.CreateServer(r.Context(), req)
	if err != nil && cfg == nil {
		h.fail(w, "Failed to create server", err)
		return
	}
	resp := serverView(cfg, h.registry)
	if err != nil {
		// Stored, but the initial start failed.
		h.logger.Warn("Server created but not started", slog.String("server_id", cfg.ID), slog.Any("error", err))
		resp["start_error"] = err.Error()
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handlers) handleListServers(w http.ResponseWriter, r *http.Request) {
	cfgs, err := h.servers.ListServers(r.Context())
	if err != nil {
		h.fail(w, "Failed to list servers", err)
		return
	}
	out := make([]map[string]any, 0, len(cfgs))
	for _, cfg := range cfgs {
		out = append(out, serverView(cfg, h.registry))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) handleGetServer(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.servers.GetServer(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, "Failed to get server", err)
		return
	}
	writeJSON(w, http.StatusOK, serverView(cfg, h.registry))
}

func (h *Handlers) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	if err := h.servers.DeleteServer(r.Context(), r.PathValue("id")); err != nil {
		h.fail(w, "Failed to delete server", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StatusRequest is the body of the status endpoints.
type StatusRequest struct {
	Status string `json:"status"`
}

func (h *Handlers) handleUpdateServerStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	cfg, err := h.servers.UpdateServerStatus(r.Context(), r.PathValue("id"), domain.ServerStatus(req.Status))
	if err != nil && cfg == nil {
		h.fail(w, "Failed to update server status", err)
		return
	}
	resp := serverView(cfg, h.registry)
	if err != nil {
		resp["reconcile_error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStartServer answers before the server is up; the start runs as a
// background job and its progress shows in the server's state.
func (h *Handlers) handleStartServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.servers.GetServer(r.Context(), id); err != nil {
		h.fail(w, "Failed to start server", err)
		return
	}
	h.spawner.Spawn("start "+id, func(ctx context.Context) error {
		return h.servers.StartServer(ctx, id)
	})
	h.logger.Info("Server start requested", slog.String("server_id", id))
	writeJSON(w, http.StatusAccepted, map[string]any{"server_id": id, "state": domain.StateInitializing})
}

func (h *Handlers) handleStopServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.servers.StopServer(r.Context(), id); err != nil {
		h.fail(w, "Failed to stop server", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"server_id": id, "state": domain.StateStopped})
}

func (h *Handlers) handleRestartServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.servers.RestartServer(r.Context(), id); err != nil {
		h.fail(w, "Failed to restart server", err)
		return
	}
	state, _ := h.registry.State(id)
	writeJSON(w, http.StatusOK, map[string]any{"server_id": id, "state": state})
}

// SyncRequest defines the expected JSON body for the sync endpoint.
type SyncRequest struct {
	Source  string            `json:"source"`
	Headers map[string]string `json:"headers,omitempty"`
}

func (h *Handlers) handleSyncSchema(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req SyncRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	h.logger.Info("Received sync request", slog.String("server_id", id), slog.String("source", req.Source))
	defs, err := h.syncer.Execute(r.Context(), id, usecase.SchemaSourceConfig{URL: req.Source, Headers: req.Headers})
	if err != nil && defs == nil {
		h.fail(w, "Failed to sync schema", err)
		return
	}
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	resp := map[string]any{"server_id": id, "tools": names}
	if err != nil {
		resp["reload_error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) handleListTools(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tools, err := h.registry.GetTools(r.Context(), id)
	resp := map[string]any{"server_id": id, "tools": tools}
	if err != nil {
		var le *domain.ListingError
		if !errors.As(err, &le) {
			h.fail(w, "Failed to list tools", err)
			return
		}
		resp["listing_error"] = err.Error()
	}
	if tools == nil {
		resp["tools"] = []domain.Tool{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) handleUpdateToolStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	id, tool := r.PathValue("id"), r.PathValue("tool")
	if err := h.servers.UpdateToolStatus(r.Context(), id, tool, domain.ToolStatus(req.Status)); err != nil {
		h.fail(w, "Failed to update tool status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"server_id": id, "tool": tool, "status": req.Status})
}

// CallRequest is the body of the tool call endpoint.
type CallRequest struct {
	Arguments map[string]any `json:"arguments"`
}

func (h *Handlers) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var req CallRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	id, tool := r.PathValue("id"), r.PathValue("tool")
	result, err := h.invoker.Execute(r.Context(), id, tool, req.Arguments)
	if err != nil {
		h.fail(w, "Failed to call tool", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) handleRegistry(w http.ResponseWriter, r *http.Request) {
	entries := h.registry.Entries()
	if entries == nil {
		entries = []usecase.RegistryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// SecretRequest is the body of the secret creation endpoint.
type SecretRequest struct {
	Owner       string `json:"owner"`
	Name        string `json:"name"`
	Environment string `json:"environment,omitempty"`
	Value       string `json:"value"`
}

func (h *Handlers) handleCreateSecret(w http.ResponseWriter, r *http.Request) {
	var req SecretRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Owner == "" || req.Name == "" || req.Value == "" {
		writeError(w, http.StatusBadRequest, "owner, name and value are required", nil)
		return
	}
	rec, err := h.servers.CreateSecret(r.Context(), req.Owner, req.Name, req.Environment, req.Value)
	if err != nil {
		h.fail(w, "Failed to create secret", err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handlers) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "missing 'owner' query parameter", nil)
		return
	}
	recs, err := h.servers.ListSecrets(r.Context(), owner)
	if err != nil {
		h.fail(w, "Failed to list secrets", err)
		return
	}
	if recs == nil {
		recs = []*domain.SecretRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// --- Helpers ---

func serverView(cfg *domain.ServerConfig, registry RegistryView) map[string]any {
	state, ok := registry.State(cfg.ID)
	if !ok {
		state = domain.StateStopped
	}
	view := *cfg
	view.Secrets = ""
	return map[string]any{"server": view, "state": state, "has_secrets": cfg.Secrets != ""}
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		h.logger.Warn("Failed to decode request body", slog.String("path", r.URL.Path), slog.Any("error", err))
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), nil)
		return false
	}
	return true
}

func (h *Handlers) fail(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, slog.Any("error", err))
	} else {
		h.logger.Warn(msg, slog.Any("error", err))
	}
	var issues []domain.FieldIssue
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		issues = verr.Issues
	}
	writeError(w, status, err.Error(), issues)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var (
		verr *domain.ValidationError
		cerr *domain.CompileError
		eerr *domain.ExecutionError
	)
	switch {
	case errors.Is(err, domain.ErrServerNotFound),
		errors.Is(err, domain.ErrToolNotFound),
		errors.Is(err, domain.ErrSecretNotFound),
		errors.Is(err, domain.ErrNotRunning):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyRegistered),
		errors.Is(err, domain.ErrDuplicateTool),
		errors.Is(err, domain.ErrServerInactive):
		return http.StatusConflict
	case errors.Is(err, domain.ErrSecretPermission):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrShuttingDown),
		errors.Is(err, domain.ErrDispatcherClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrInvalidArgument), errors.As(err, &verr), errors.As(err, &cerr):
		return http.StatusBadRequest
	case errors.As(err, &eerr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, issues []domain.FieldIssue) {
	body := map[string]any{"error": msg}
	if len(issues) > 0 {
		body["issues"] = issues
	}
	writeJSON(w, status, body)
}
