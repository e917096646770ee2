package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/i2y/mcpgate/internal/domain"
	"github.com/i2y/mcpgate/internal/vault"
)

// DefaultHealthInterval is the period of the background health sweep.
const DefaultHealthInterval = 5 * time.Minute

const pingTimeout = 10 * time.Second

// ConnectionStats counts the traffic through one registry entry.
type ConnectionStats struct {
	RequestCount     int64         `json:"request_count"`
	ErrorCount       int64         `json:"error_count"`
	LastResponseTime time.Duration `json:"last_response_time"`
}

// RegistryEntry is the runtime record of a running server.
type RegistryEntry struct {
	ServerID  string              `json:"server_id"`
	Config    domain.ServerConfig `json:"config"`
	State     domain.ServerState  `json:"state"`
	Healthy   bool                `json:"healthy"`
	Stats     ConnectionStats     `json:"stats"`
	LastPing  time.Time           `json:"last_ping"`
	StartedAt time.Time           `json:"started_at"`

	proxy *Proxy
}

// StateObserver is notified of every lifecycle transition.
type StateObserver func(serverID string, from, to domain.ServerState)

// ProxyBuilder creates proxies for server configurations.
type ProxyBuilder interface {
	Build(ctx context.Context, cfg domain.ServerConfig) (*Proxy, error)
}

// VaultProxyBuilder decrypts a server's secrets and builds its proxy.
type VaultProxyBuilder struct {
	Vault    *vault.Vault
	Factory  ConnectionFactory
	Executor ToolExecutor
	Logger   *slog.Logger
}

// Build implements ProxyBuilder.
func (b *VaultProxyBuilder) Build(ctx context.Context, cfg domain.ServerConfig) (*Proxy, error) {
	secrets := map[string]any{}
	if cfg.Secrets != "" {
		if b.Vault == nil {
			return nil, fmt.Errorf("server %s has secrets but no vault is configured", cfg.ID)
		}
		var err error
		if secrets, err = b.Vault.Decrypt(cfg.Secrets); err != nil {
			return nil, fmt.Errorf("decrypt secrets of %s: %w", cfg.ID, err)
		}
	}
	return NewProxy(cfg, secrets, b.Factory, b.Executor, b.Logger), nil
}

// Registry owns the lifecycle of every running tool server.
//
// Lifecycle operations on one id are serialized by a per-id mutex. The
// entry map is guarded by mu, which is held only while the map changes.
type Registry struct {
	builder ProxyBuilder
	source  ConfigSource
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.RWMutex
	entries   map[string]*RegistryEntry
	states    map[string]domain.ServerState
	observers []StateObserver
	closing   bool

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewRegistry creates a Registry. source may be nil, in which case
// unhealthy servers are deregistered instead of re-registered.
func NewRegistry(builder ProxyBuilder, source ConfigSource, logger *slog.Logger) *Registry {
	return &Registry{
		builder: builder,
		source:  source,
		logger:  logger.With("component", "registry"),
		now:     time.Now,
		entries: make(map[string]*RegistryEntry),
		states:  make(map[string]domain.ServerState),
		locks:   make(map[string]*sync.Mutex),
	}
}

// AddObserver registers fn for every subsequent state transition.
func (r *Registry) AddObserver(fn StateObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

func (r *Registry) lock(id string) func() {
	r.locksMu.Lock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	r.locksMu.Unlock()
	l.Lock()
	return l.Unlock
}

// setState records a transition. Unknown servers may enter any state.
func (r *Registry) setState(id string, to domain.ServerState) error {
	r.mu.Lock()
	from, known := r.states[id]
	if known && from != to && !domain.CanTransition(from, to) {
		r.mu.Unlock()
		return fmt.Errorf("server %s: invalid transition %s -> %s", id, from, to)
	}
	r.states[id] = to
	if e, ok := r.entries[id]; ok {
		e.State = to
	}
	observers := slices.Clone(r.observers)
	r.mu.Unlock()

	r.logger.Debug("State transition", slog.String("server_id", id), slog.String("from", string(from)), slog.String("to", string(to)))
	for _, fn := range observers {
		fn(id, from, to)
	}
	return nil
}

func (r *Registry) entry(id string) (*RegistryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Start registers and initializes a server. Starting an id that is already
// registered fails with domain.ErrAlreadyRegistered and changes nothing.
func (r *Registry) Start(ctx context.Context, cfg domain.ServerConfig) error {
	unlock := r.lock(cfg.ID)
	defer unlock()

	if _, ok := r.entry(cfg.ID); ok {
		return &domain.RegistrationError{ID: cfg.ID, Err: domain.ErrAlreadyRegistered}
	}
	if err := r.checkOpen(cfg); err != nil {
		return err
	}
	return r.startLocked(ctx, cfg)
}

func (r *Registry) checkOpen(cfg domain.ServerConfig) error {
	r.mu.RLock()
	closing := r.closing
	r.mu.RUnlock()
	if closing {
		return &domain.RegistrationError{ID: cfg.ID, Err: domain.ErrShuttingDown}
	}
	if !cfg.IsActive() {
		return &domain.RegistrationError{ID: cfg.ID, Err: domain.ErrServerInactive}
	}
	return nil
}

func (r *Registry) startLocked(ctx context.Context, cfg domain.ServerConfig) error {
	log := r.logger.With(slog.String("server_id", cfg.ID))

	r.mu.RLock()
	current, known := r.states[cfg.ID]
	r.mu.RUnlock()
	if !known || current == domain.StateStopped || current == domain.StateError || current == domain.StateDisconnected {
		if err := r.setState(cfg.ID, domain.StatePending); err != nil {
			return err
		}
	}
	if err := r.setState(cfg.ID, domain.StateInitializing); err != nil {
		return err
	}

	proxy, err := r.initProxy(ctx, cfg)
	if err != nil {
		log.Error("Failed to start server", slog.Any("error", err))
		_ = r.setState(cfg.ID, domain.StateError)
		return err
	}

	r.insert(cfg, proxy)
	if err := r.setState(cfg.ID, domain.StateRunning); err != nil {
		return err
	}
	log.Info("Server started", slog.String("name", cfg.Name))
	return nil
}

func (r *Registry) initProxy(ctx context.Context, cfg domain.ServerConfig) (*Proxy, error) {
	proxy, err := r.builder.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := proxy.Initialize(ctx); err != nil {
		_ = proxy.Cleanup(ctx)
		return nil, err
	}
	return proxy, nil
}

func (r *Registry) insert(cfg domain.ServerConfig, proxy *Proxy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[cfg.ID] = &RegistryEntry{
		ServerID:  cfg.ID,
		Config:    cfg,
		State:     r.states[cfg.ID],
		Healthy:   true,
		StartedAt: r.now(),
		proxy:     proxy,
	}
}

func (r *Registry) remove(id string) *RegistryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[id]
	delete(r.entries, id)
	return e
}

// Stop cleans up a running server and leaves it in the stopped state.
func (r *Registry) Stop(ctx context.Context, id string) error {
	unlock := r.lock(id)
	defer unlock()
	return r.stopLocked(ctx, id)
}

func (r *Registry) stopLocked(ctx context.Context, id string) error {
	e, ok := r.entry(id)
	if !ok {
		return &domain.RegistrationError{ID: id, Err: domain.ErrServerNotFound}
	}
	if err := r.setState(id, domain.StateStopping); err != nil {
		return err
	}
	if err := e.proxy.Cleanup(ctx); err != nil {
		r.logger.Warn("Cleanup failed while stopping", slog.String("server_id", id), slog.Any("error", err))
	}
	r.remove(id)
	if err := r.setState(id, domain.StateStopped); err != nil {
		return err
	}
	r.logger.Info("Server stopped", slog.String("server_id", id))
	return nil
}

// Restart replaces a server's proxy with a fresh one built from cfg. The
// server reports restarting until it ends in running or error.
func (r *Registry) Restart(ctx context.Context, cfg domain.ServerConfig) error {
	unlock := r.lock(cfg.ID)
	defer unlock()
	if err := r.checkOpen(cfg); err != nil {
		return err
	}
	return r.restartLocked(ctx, cfg)
}

func (r *Registry) restartLocked(ctx context.Context, cfg domain.ServerConfig) error {
	log := r.logger.With(slog.String("server_id", cfg.ID))
	if err := r.setState(cfg.ID, domain.StateRestarting); err != nil {
		return err
	}
	if old := r.remove(cfg.ID); old != nil {
		if err := old.proxy.Cleanup(ctx); err != nil {
			log.Warn("Cleanup failed while restarting", slog.Any("error", err))
		}
	}

	proxy, err := r.initProxy(ctx, cfg)
	if err != nil {
		log.Error("Failed to restart server", slog.Any("error", err))
		_ = r.setState(cfg.ID, domain.StateError)
		return err
	}
	r.insert(cfg, proxy)
	if err := r.setState(cfg.ID, domain.StateRunning); err != nil {
		return err
	}
	log.Info("Server restarted")
	return nil
}

// Reload applies a changed configuration to a running server. Tool changes
// are applied in place; connection or credential changes restart the
// server; an inactive configuration deregisters it.
func (r *Registry) Reload(ctx context.Context, cfg domain.ServerConfig) error {
	unlock := r.lock(cfg.ID)
	defer unlock()

	e, ok := r.entry(cfg.ID)
	if !ok {
		return &domain.RegistrationError{ID: cfg.ID, Err: domain.ErrServerNotFound}
	}
	if !cfg.IsActive() {
		return r.deregisterLocked(ctx, cfg.ID)
	}
	if needsRestart(e.Config, cfg) {
		return r.restartLocked(ctx, cfg)
	}
	if err := e.proxy.ReloadTools(cfg.Tools); err != nil {
		return err
	}
	r.mu.Lock()
	e.Config = cfg
	r.mu.Unlock()
	r.logger.Info("Server reloaded", slog.String("server_id", cfg.ID))
	return nil
}

func needsRestart(old, cfg domain.ServerConfig) bool {
	return old.BaseURL != cfg.BaseURL ||
		old.Auth != cfg.Auth ||
		old.Secrets != cfg.Secrets ||
		!settingsEqual(old.Settings, cfg.Settings) ||
		!transportEqual(old.Transport, cfg.Transport)
}

func settingsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || fmt.Sprint(v) != fmt.Sprint(w) {
			return false
		}
	}
	return true
}

func transportEqual(a, b domain.Transport) bool {
	return a.Type == b.Type &&
		a.Command == b.Command &&
		slices.Equal(a.Args, b.Args) &&
		maps.Equal(a.Env, b.Env) &&
		a.WorkingDir == b.WorkingDir &&
		a.URL == b.URL &&
		maps.Equal(a.Headers, b.Headers)
}

// Deregister stops a server and forgets it entirely.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	unlock := r.lock(id)
	defer unlock()
	return r.deregisterLocked(ctx, id)
}

func (r *Registry) deregisterLocked(ctx context.Context, id string) error {
	if err := r.stopLocked(ctx, id); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.states, id)
	r.mu.Unlock()
	r.logger.Info("Server deregistered", slog.String("server_id", id))
	return nil
}

// GetTools lists the tools of a running server.
func (r *Registry) GetTools(ctx context.Context, id string) ([]domain.Tool, error) {
	e, ok := r.entry(id)
	if !ok {
		return nil, &domain.RegistrationError{ID: id, Err: domain.ErrServerNotFound}
	}
	return e.proxy.GetTools(ctx)
}

// CallTool invokes a tool on a running server and updates its statistics.
func (r *Registry) CallTool(ctx context.Context, id, tool string, args map[string]any) (domain.ToolResult, error) {
	e, ok := r.entry(id)
	if !ok {
		return domain.ToolResult{}, &domain.RegistrationError{ID: id, Err: domain.ErrServerNotFound}
	}
	if state, _ := r.State(id); state != domain.StateRunning {
		return domain.ToolResult{}, &domain.RegistrationError{ID: id, Err: domain.ErrNotRunning}
	}

	start := r.now()
	result, err := e.proxy.CallTool(ctx, tool, args)
	elapsed := r.now().Sub(start)

	r.mu.Lock()
	e.Stats.RequestCount++
	if err != nil || result.IsError {
		e.Stats.ErrorCount++
	}
	e.Stats.LastResponseTime = elapsed
	r.mu.Unlock()
	return result, err
}

// Proxy returns the proxy of a running server.
func (r *Registry) Proxy(id string) (*Proxy, bool) {
	e, ok := r.entry(id)
	if !ok {
		return nil, false
	}
	return e.proxy, true
}

// State returns the last known lifecycle state of a server.
func (r *Registry) State(id string) (domain.ServerState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.states[id]
	return s, ok
}

// Entries returns a snapshot of all running servers ordered by id.
func (r *Registry) Entries() []RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RegistryEntry, 0, len(r.entries))
	for _, id := range slices.Sorted(maps.Keys(r.entries)) {
		out = append(out, *r.entries[id])
	}
	return out
}

// Stats returns the connection statistics of a running server.
func (r *Registry) Stats(id string) (ConnectionStats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return ConnectionStats{}, false
	}
	return e.Stats, true
}

// CheckHealth pings every running server. Probes run without holding any
// lock. A failed server is marked disconnected and re-registered once from
// the config source; if its configuration is gone or inactive it is
// deregistered. Failures are logged, never returned.
func (r *Registry) CheckHealth(ctx context.Context) {
	type target struct {
		id    string
		proxy *Proxy
	}
	r.mu.RLock()
	targets := make([]target, 0, len(r.entries))
	for id, e := range r.entries {
		if e.State == domain.StateRunning {
			targets = append(targets, target{id: id, proxy: e.proxy})
		}
	}
	r.mu.RUnlock()

	for _, t := range targets {
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := t.proxy.Ping(pctx)
		cancel()

		if err == nil {
			r.mu.Lock()
			if e, ok := r.entries[t.id]; ok && e.proxy == t.proxy {
				e.Healthy = true
				e.LastPing = r.now()
			}
			r.mu.Unlock()
			continue
		}

		r.logger.Warn("Health check failed", slog.String("server_id", t.id), slog.Any("error", err))
		r.recover(ctx, t.id, t.proxy)
	}
}

func (r *Registry) recover(ctx context.Context, id string, probed *Proxy) {
	unlock := r.lock(id)
	defer unlock()
	log := r.logger.With(slog.String("server_id", id))

	e, ok := r.entry(id)
	if !ok || e.proxy != probed {
		log.Debug("Server changed during health check, skipping recovery")
		return
	}
	r.mu.Lock()
	e.Healthy = false
	r.mu.Unlock()
	_ = r.setState(id, domain.StateDisconnected)

	var cfg *domain.ServerConfig
	var err error
	if r.source != nil {
		cfg, err = r.source.GetServer(ctx, id)
	} else {
		err = domain.ErrServerNotFound
	}
	switch {
	case errors.Is(err, domain.ErrServerNotFound), err == nil && !cfg.IsActive():
		log.Info("Configuration gone or inactive, deregistering")
		if err := r.deregisterLocked(ctx, id); err != nil {
			log.Error("Failed to deregister unhealthy server", slog.Any("error", err))
		}
	case err != nil:
		log.Error("Failed to load configuration for re-registration", slog.Any("error", err))
	default:
		if err := r.restartLocked(ctx, *cfg); err != nil {
			log.Error("Re-registration failed", slog.Any("error", err))
		}
	}
}

// RunHealthChecks sweeps all servers every interval until ctx is done.
func (r *Registry) RunHealthChecks(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	r.logger.Info("Health checks started", slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.CheckHealth(ctx)
		}
	}
}

// Shutdown cleans up every running server; each ends terminated. Start
// fails afterwards.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	r.closing = true
	ids := slices.Sorted(maps.Keys(r.entries))
	r.mu.Unlock()

	for _, id := range ids {
		unlock := r.lock(id)
		if e, ok := r.entry(id); ok {
			_ = r.setState(id, domain.StateShuttingDown)
			if err := e.proxy.Cleanup(ctx); err != nil {
				r.logger.Warn("Cleanup failed during shutdown", slog.String("server_id", id), slog.Any("error", err))
			}
			r.remove(id)
			_ = r.setState(id, domain.StateTerminated)
		}
		unlock()
	}
	r.logger.Info("Registry shut down", slog.Int("servers", len(ids)))
}
