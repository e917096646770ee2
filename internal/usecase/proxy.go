package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/i2y/mcpgate/internal/compiler"
	"github.com/i2y/mcpgate/internal/domain"
)

// Proxy fronts one tool server: tools compiled in-process from the server's
// declared definitions plus whatever its backing connection exposes.
// Tool names are unique within a proxy; local tools shadow remote ones.
type Proxy struct {
	cfg      domain.ServerConfig
	secrets  map[string]any
	factory  ConnectionFactory
	executor ToolExecutor
	logger   *slog.Logger

	mu          sync.RWMutex
	local       map[string]*compiler.Tool
	conn        Connection
	auth        domain.AuthContext
	initialized bool
	closed      bool
}

// NewProxy creates an uninitialized proxy for cfg. secrets holds the
// decrypted values of cfg.Secrets.
func NewProxy(cfg domain.ServerConfig, secrets map[string]any, factory ConnectionFactory, executor ToolExecutor, logger *slog.Logger) *Proxy {
	return &Proxy{
		cfg:      cfg,
		secrets:  secrets,
		factory:  factory,
		executor: executor,
		logger:   logger.With("component", "proxy", "server_id", cfg.ID),
		local:    make(map[string]*compiler.Tool),
	}
}

// ServerID returns the id of the proxied server.
func (p *Proxy) ServerID() string { return p.cfg.ID }

// Initialize opens the backing connection (if the transport names one) and
// registers the active declared tools. It runs at most once; later calls
// are no-ops.
func (p *Proxy) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return nil
	}
	if p.closed {
		return fmt.Errorf("proxy %s already cleaned up", p.cfg.ID)
	}

	auth, err := buildAuthContext(p.cfg.Auth, p.secrets)
	if err != nil {
		return &domain.RegistrationError{ID: p.cfg.ID, Key: p.cfg.Auth.SecretKey, Err: err}
	}

	tools := make(map[string]*compiler.Tool)
	for _, def := range p.cfg.Tools {
		if !def.IsActive() {
			continue
		}
		tool, err := p.compile(def)
		if err != nil {
			return err
		}
		if _, dup := tools[tool.Name()]; dup {
			return fmt.Errorf("register tool %q: %w", tool.Name(), domain.ErrDuplicateTool)
		}
		tools[tool.Name()] = tool
	}

	if p.cfg.Transport.IsRemote() {
		if p.factory == nil {
			return fmt.Errorf("server %s has a transport but no connection factory is configured", p.cfg.ID)
		}
		conn, err := p.factory.Connect(ctx, withSecrets(p.cfg.Transport, p.secrets))
		if err != nil {
			return fmt.Errorf("connect to tool server %s: %w", p.cfg.ID, err)
		}
		p.conn = conn
	}

	p.auth = auth
	p.local = tools
	p.initialized = true
	p.logger.Info("Proxy initialized", slog.Int("local_tools", len(tools)), slog.Bool("remote", p.conn != nil))
	return nil
}

// Cleanup closes the backing connection and drops all tools. It runs at
// most once; later calls are no-ops.
func (p *Proxy) Cleanup(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.local = make(map[string]*compiler.Tool)

	var err error
	if p.conn != nil {
		if cerr := p.conn.Close(); cerr != nil {
			err = fmt.Errorf("close connection of %s: %w", p.cfg.ID, cerr)
		}
		p.conn = nil
	}
	p.logger.Info("Proxy cleaned up")
	return err
}

// GetTools lists local tools followed by remote tools. A remote server that
// does not implement tool listing contributes nothing. Any other listing
// failure returns the local tools together with a *domain.ListingError.
func (p *Proxy) GetTools(ctx context.Context) ([]domain.Tool, error) {
	p.mu.RLock()
	local := p.localToolsLocked()
	conn := p.conn
	p.mu.RUnlock()

	if conn == nil {
		return local, nil
	}

	remote, err := conn.ListTools(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrMethodNotFound) {
			p.logger.Debug("Tool server does not support tools/list")
			return local, nil
		}
		p.logger.Warn("Failed to list remote tools", slog.Any("error", err))
		return local, &domain.ListingError{ServerID: p.cfg.ID, Err: err}
	}

	seen := make(map[string]struct{}, len(local))
	for _, t := range local {
		seen[t.Name] = struct{}{}
	}
	tools := local
	for _, t := range remote {
		if _, dup := seen[t.Name]; dup {
			p.logger.Warn("Remote tool shadowed by a declared tool", slog.String("tool", t.Name))
			continue
		}
		seen[t.Name] = struct{}{}
		t.Source = domain.ToolSourceRemote
		tools = append(tools, t)
	}
	return tools, nil
}

func (p *Proxy) localToolsLocked() []domain.Tool {
	names := slices.Sorted(maps.Keys(p.local))
	tools := make([]domain.Tool, 0, len(names))
	for _, name := range names {
		t := p.local[name]
		tools = append(tools, domain.Tool{
			Name:        name,
			Description: t.Description(),
			InputSchema: t.InputSchema(),
			Source:      domain.ToolSourceLocal,
		})
	}
	return tools
}

// CallTool invokes a local tool through its compiled descriptor and the
// HTTP executor, or forwards the call over the backing connection.
// Invalid arguments and unknown tools are returned as errors; execution
// and transport failures come back as a result with IsError set.
func (p *Proxy) CallTool(ctx context.Context, name string, args map[string]any) (domain.ToolResult, error) {
	p.mu.RLock()
	tool, isLocal := p.local[name]
	conn := p.conn
	auth := p.auth
	closed := p.closed
	p.mu.RUnlock()

	log := p.logger.With(slog.String("tool", name))
	if closed {
		return domain.ToolResult{}, fmt.Errorf("proxy %s is closed", p.cfg.ID)
	}

	if isLocal {
		call, err := tool.Prepare(args)
		if err != nil {
			log.Info("Rejected tool arguments", slog.Any("error", err))
			return domain.ToolResult{}, err
		}
		result, err := p.executor.Execute(ctx, tool.Endpoint(), call, auth)
		if err != nil {
			log.Warn("Tool execution failed", slog.Any("error", err))
			return domain.FailedResult(err), nil
		}
		return domain.ToolResult{Content: result}, nil
	}

	if conn == nil {
		return domain.ToolResult{}, fmt.Errorf("tool %q on server %s: %w", name, p.cfg.ID, domain.ErrToolNotFound)
	}
	result, err := conn.CallTool(ctx, name, args)
	if err != nil {
		log.Warn("Remote tool call failed", slog.Any("error", err))
		return domain.FailedResult(err), nil
	}
	return result, nil
}

// RegisterTool compiles and adds a declared tool.
func (p *Proxy) RegisterTool(def domain.ToolDefinition) error {
	tool, err := p.compile(def)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.local[tool.Name()]; dup {
		return fmt.Errorf("register tool %q: %w", tool.Name(), domain.ErrDuplicateTool)
	}
	p.local[tool.Name()] = tool
	p.logger.Info("Tool registered", slog.String("tool", tool.Name()))
	return nil
}

// DeregisterTool removes a local tool.
func (p *Proxy) DeregisterTool(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.local[name]; !ok {
		return fmt.Errorf("deregister tool %q: %w", name, domain.ErrToolNotFound)
	}
	delete(p.local, name)
	p.logger.Info("Tool deregistered", slog.String("tool", name))
	return nil
}

// HasTool reports whether a local tool with the given name is registered.
func (p *Proxy) HasTool(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.local[name]
	return ok
}

// SyncToolStatus registers an active definition that is missing and removes
// an inactive one that is present.
func (p *Proxy) SyncToolStatus(def domain.ToolDefinition) error {
	registered := p.HasTool(def.Name)
	switch {
	case def.IsActive() && !registered:
		return p.RegisterTool(def)
	case !def.IsActive() && registered:
		return p.DeregisterTool(def.Name)
	}
	return nil
}

// ReloadTools replaces the local tool set with the active definitions.
// Nothing changes when any definition fails to compile.
func (p *Proxy) ReloadTools(defs []domain.ToolDefinition) error {
	tools := make(map[string]*compiler.Tool)
	for _, def := range defs {
		if !def.IsActive() {
			continue
		}
		tool, err := p.compile(def)
		if err != nil {
			return err
		}
		if _, dup := tools[tool.Name()]; dup {
			return fmt.Errorf("reload tool %q: %w", tool.Name(), domain.ErrDuplicateTool)
		}
		tools[tool.Name()] = tool
	}

	p.mu.Lock()
	p.local = tools
	p.cfg.Tools = defs
	p.mu.Unlock()
	p.logger.Info("Tools reloaded", slog.Int("local_tools", len(tools)))
	return nil
}

// Ping checks the backing connection. Proxies without one are always reachable.
func (p *Proxy) Ping(ctx context.Context) error {
	p.mu.RLock()
	conn, closed := p.conn, p.closed
	p.mu.RUnlock()
	if closed {
		return fmt.Errorf("proxy %s is closed", p.cfg.ID)
	}
	if conn == nil {
		return nil
	}
	return conn.Ping(ctx)
}

func (p *Proxy) compile(def domain.ToolDefinition) (*compiler.Tool, error) {
	ep := def.Endpoint
	if ep.BaseURL == "" {
		ep.BaseURL = p.cfg.BaseURL
	}
	tool, err := compiler.Compile(def.Schema,
		compiler.WithName(def.Name),
		compiler.WithDescription(def.Description),
		compiler.WithEndpoint(ep),
		compiler.WithMetadata(map[string]any{"server_id": p.cfg.ID}),
		compiler.WithConfig(p.cfg.Settings),
	)
	if err != nil {
		return nil, err
	}
	if tool.Anonymous() {
		return nil, &domain.CompileError{Reason: "tool name is required"}
	}
	return tool, nil
}

// buildAuthContext materializes the credentials attached to outbound HTTP calls.
func buildAuthContext(cfg domain.AuthConfig, secrets map[string]any) (domain.AuthContext, error) {
	auth := domain.AuthContext{Headers: map[string]string{}, Query: map[string]string{}}
	if cfg.Type == domain.AuthNone {
		return auth, nil
	}
	raw, ok := secrets[cfg.SecretKey]
	if !ok {
		return auth, domain.ErrSecretNotFound
	}
	value := fmt.Sprint(raw)

	switch cfg.Type {
	case domain.AuthBearer:
		auth.Headers["Authorization"] = "Bearer " + value
	case domain.AuthAPIKey:
		name := cfg.Name
		if name == "" {
			name = "X-API-Key"
		}
		if strings.EqualFold(cfg.In, "query") {
			auth.Query[name] = value
		} else {
			auth.Headers[name] = value
		}
	default:
		return auth, fmt.Errorf("unsupported auth type %q", cfg.Type)
	}
	return auth, nil
}

// withSecrets exposes resolved secrets to a tool server: as environment
// variables for subprocesses, as an Authorization header for URL transports
// when a "token" secret exists. Explicit transport settings win.
func withSecrets(t domain.Transport, secrets map[string]any) domain.Transport {
	if len(secrets) == 0 {
		return t
	}
	if t.Command != "" {
		env := make(map[string]string, len(t.Env)+len(secrets))
		for k, v := range secrets {
			env[strings.ToUpper(k)] = fmt.Sprint(v)
		}
		maps.Copy(env, t.Env)
		t.Env = env
		return t
	}
	if token, ok := secrets["token"]; ok {
		headers := map[string]string{"Authorization": "Bearer " + fmt.Sprint(token)}
		maps.Copy(headers, t.Headers)
		t.Headers = headers
	}
	return t
}
