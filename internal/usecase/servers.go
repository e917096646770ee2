package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/i2y/mcpgate/internal/compiler"
	"github.com/i2y/mcpgate/internal/domain"
	"github.com/i2y/mcpgate/internal/vault"
)

// CreateServerRequest carries a new server and the secrets it needs.
type CreateServerRequest struct {
	Server  domain.ServerConfig           `json:"server"`
	Secrets map[string]domain.SecretInput `json:"secrets,omitempty"`
}

// ServerService keeps persisted server configuration and the registry in
// step. Every configuration change goes through it so the registry sees
// status changes explicitly.
type ServerService struct {
	repo     ServerRepository
	secrets  SecretRepository
	resolver *vault.Resolver
	vault    *vault.Vault
	registry *Registry
	logger   *slog.Logger
	now      func() time.Time
}

// NewServerService creates a ServerService.
func NewServerService(repo ServerRepository, secrets SecretRepository, v *vault.Vault, registry *Registry, logger *slog.Logger) *ServerService {
	logger = logger.With("usecase", "Servers")
	return &ServerService{
		repo:     repo,
		secrets:  secrets,
		resolver: vault.NewResolver(v, secrets, logger),
		vault:    v,
		registry: registry,
		logger:   logger,
		now:      time.Now,
	}
}

// CreateServer validates, stores and (when active) starts a new server.
// Secret inputs are resolved all-or-nothing and stored encrypted. When the
// start fails the stored configuration is still returned with the error.
func (s *ServerService) CreateServer(ctx context.Context, req CreateServerRequest) (*domain.ServerConfig, error) {
	cfg := req.Server
	// Only secrets resolved for cfg.Owner below may end up in the blob.
	cfg.Secrets = ""
	if cfg.Name == "" {
		return nil, fmt.Errorf("server name is required: %w", domain.ErrInvalidArgument)
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	} else if _, err := s.repo.GetServer(ctx, cfg.ID); err == nil {
		return nil, &domain.RegistrationError{ID: cfg.ID, Err: domain.ErrAlreadyRegistered}
	} else if !errors.Is(err, domain.ErrServerNotFound) {
		return nil, fmt.Errorf("failed to check server %s: %w", cfg.ID, err)
	}
	if cfg.Status == "" {
		cfg.Status = domain.ServerStatusActive
	}
	if cfg.Kind == "" {
		cfg.Kind = domain.ServerKindOfficial
		if cfg.Transport.IsRemote() {
			cfg.Kind = domain.ServerKindExternal
		}
	}
	if err := validateTools(cfg.Tools); err != nil {
		return nil, err
	}

	if len(req.Secrets) > 0 {
		values, err := s.resolver.ResolveSecrets(ctx, req.Secrets, cfg.Owner)
		if err != nil {
			return nil, err
		}
		if cfg.Secrets, err = s.vault.Encrypt(values); err != nil {
			return nil, fmt.Errorf("failed to encrypt secrets: %w", err)
		}
	}

	now := s.now().UTC()
	cfg.CreatedAt, cfg.UpdatedAt = now, now
	if err := s.repo.SaveServer(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("failed to save server: %w", err)
	}
	s.logger.Info("Server created", slog.String("server_id", cfg.ID), slog.String("name", cfg.Name), slog.String("kind", string(cfg.Kind)))

	if err := s.OnServerStatusChanged(ctx, cfg); err != nil {
		return &cfg, fmt.Errorf("server saved but not started: %w", err)
	}
	return &cfg, nil
}

func validateTools(defs []domain.ToolDefinition) error {
	seen := make(map[string]struct{}, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return &domain.CompileError{Reason: "tool name is required"}
		}
		if _, dup := seen[def.Name]; dup {
			return fmt.Errorf("tool %q: %w", def.Name, domain.ErrDuplicateTool)
		}
		seen[def.Name] = struct{}{}
		if _, err := compiler.Compile(def.Schema, compiler.WithName(def.Name)); err != nil {
			return err
		}
	}
	return nil
}

// GetServer returns a stored server.
func (s *ServerService) GetServer(ctx context.Context, id string) (*domain.ServerConfig, error) {
	return s.repo.GetServer(ctx, id)
}

// ListServers returns every stored server.
func (s *ServerService) ListServers(ctx context.Context) ([]*domain.ServerConfig, error) {
	return s.repo.ListServers(ctx)
}

// StartServer starts a stored server.
func (s *ServerService) StartServer(ctx context.Context, id string) error {
	cfg, err := s.repo.GetServer(ctx, id)
	if err != nil {
		return err
	}
	return s.registry.Start(ctx, *cfg)
}

// StopServer stops a running server without changing its declared status.
func (s *ServerService) StopServer(ctx context.Context, id string) error {
	return s.registry.Stop(ctx, id)
}

// RestartServer restarts a server from its stored configuration.
func (s *ServerService) RestartServer(ctx context.Context, id string) error {
	cfg, err := s.repo.GetServer(ctx, id)
	if err != nil {
		return err
	}
	return s.registry.Restart(ctx, *cfg)
}

// UpdateServerStatus changes a server's declared status and reconciles the registry.
func (s *ServerService) UpdateServerStatus(ctx context.Context, id string, status domain.ServerStatus) (*domain.ServerConfig, error) {
	if status != domain.ServerStatusActive && status != domain.ServerStatusInactive {
		return nil, fmt.Errorf("unknown server status %q: %w", status, domain.ErrInvalidArgument)
	}
	cfg, err := s.repo.GetServer(ctx, id)
	if err != nil {
		return nil, err
	}
	cfg.Status = status
	cfg.UpdatedAt = s.now().UTC()
	if err := s.repo.SaveServer(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to save server %s: %w", id, err)
	}
	return cfg, s.OnServerStatusChanged(ctx, *cfg)
}

// OnServerStatusChanged brings the registry in line with cfg: an active
// server is started or reloaded, an inactive one is deregistered.
func (s *ServerService) OnServerStatusChanged(ctx context.Context, cfg domain.ServerConfig) error {
	_, running := s.registry.Proxy(cfg.ID)
	log := s.logger.With(slog.String("server_id", cfg.ID), slog.String("status", string(cfg.Status)))
	switch {
	case cfg.IsActive() && !running:
		log.Info("Starting server after status change")
		return s.registry.Start(ctx, cfg)
	case cfg.IsActive() && running:
		log.Info("Reloading server after configuration change")
		return s.registry.Reload(ctx, cfg)
	case !cfg.IsActive() && running:
		log.Info("Deregistering inactive server")
		return s.registry.Deregister(ctx, cfg.ID)
	}
	return nil
}

// UpdateToolStatus changes the declared status of one tool and reconciles
// the running proxy.
func (s *ServerService) UpdateToolStatus(ctx context.Context, id, tool string, status domain.ToolStatus) error {
	if status != domain.ToolStatusActive && status != domain.ToolStatusInactive {
		return fmt.Errorf("unknown tool status %q: %w", status, domain.ErrInvalidArgument)
	}
	cfg, err := s.repo.GetServer(ctx, id)
	if err != nil {
		return err
	}
	idx := -1
	for i := range cfg.Tools {
		if cfg.Tools[i].Name == tool {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("tool %q on server %s: %w", tool, id, domain.ErrToolNotFound)
	}
	cfg.Tools[idx].Status = status
	cfg.UpdatedAt = s.now().UTC()
	if err := s.repo.SaveServer(ctx, cfg); err != nil {
		return fmt.Errorf("failed to save server %s: %w", id, err)
	}
	return s.OnToolStatusChanged(ctx, *cfg, cfg.Tools[idx])
}

// OnToolStatusChanged registers or removes def on the server's running proxy.
func (s *ServerService) OnToolStatusChanged(ctx context.Context, cfg domain.ServerConfig, def domain.ToolDefinition) error {
	proxy, ok := s.registry.Proxy(cfg.ID)
	if !ok {
		return nil
	}
	s.logger.Info("Syncing tool status", slog.String("server_id", cfg.ID), slog.String("tool", def.Name), slog.String("status", string(def.Status)))
	return proxy.SyncToolStatus(def)
}

// DeleteServer deregisters and removes a server.
func (s *ServerService) DeleteServer(ctx context.Context, id string) error {
	if err := s.registry.Deregister(ctx, id); err != nil && !errors.Is(err, domain.ErrServerNotFound) {
		return err
	}
	if err := s.repo.DeleteServer(ctx, id); err != nil {
		return fmt.Errorf("failed to delete server %s: %w", id, err)
	}
	s.logger.Info("Server deleted", slog.String("server_id", id))
	return nil
}

// CreateSecret stores a new encrypted secret.
func (s *ServerService) CreateSecret(ctx context.Context, owner, name, environment, value string) (*domain.SecretRecord, error) {
	return s.resolver.CreateSecret(ctx, owner, name, environment, value)
}

// ListSecrets returns the secret records of owner, values still encrypted.
func (s *ServerService) ListSecrets(ctx context.Context, owner string) ([]*domain.SecretRecord, error) {
	return s.secrets.ListSecrets(ctx, owner)
}

// Bootstrap stores the given configurations, keeping the secrets and
// creation time of servers that already exist.
func (s *ServerService) Bootstrap(ctx context.Context, cfgs []domain.ServerConfig) error {
	for _, cfg := range cfgs {
		if cfg.ID == "" {
			return fmt.Errorf("bootstrap server %q has no id", cfg.Name)
		}
		if err := validateTools(cfg.Tools); err != nil {
			return fmt.Errorf("bootstrap server %s: %w", cfg.ID, err)
		}
		now := s.now().UTC()
		cfg.CreatedAt, cfg.UpdatedAt = now, now
		if cfg.Status == "" {
			cfg.Status = domain.ServerStatusActive
		}
		if existing, err := s.repo.GetServer(ctx, cfg.ID); err == nil {
			cfg.Secrets = existing.Secrets
			cfg.CreatedAt = existing.CreatedAt
		}
		if err := s.repo.SaveServer(ctx, &cfg); err != nil {
			return fmt.Errorf("bootstrap server %s: %w", cfg.ID, err)
		}
	}
	s.logger.Info("Bootstrapped servers", slog.Int("count", len(cfgs)))
	return nil
}

// StartActive starts every stored active server. Each failure is logged
// and reported in the joined error; the rest still start.
func (s *ServerService) StartActive(ctx context.Context) error {
	cfgs, err := s.repo.ListServers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list servers: %w", err)
	}
	var errs []error
	started := 0
	for _, cfg := range cfgs {
		if !cfg.IsActive() {
			continue
		}
		if err := s.registry.Start(ctx, *cfg); err != nil {
			if errors.Is(err, domain.ErrAlreadyRegistered) {
				continue
			}
			s.logger.Error("Failed to start server", slog.String("server_id", cfg.ID), slog.Any("error", err))
			errs = append(errs, err)
			continue
		}
		started++
	}
	s.logger.Info("Active servers started", slog.Int("started", started), slog.Int("failed", len(errs)))
	return errors.Join(errs...)
}
