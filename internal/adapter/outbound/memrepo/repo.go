package memrepo

import (
	"cmp"
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/i2y/mcpgate/internal/domain"
)

// InMemoryRepository stores server configurations and secret records in memory.
// NOTE: This implementation is not persistent and data will be lost on restart.
type InMemoryRepository struct {
	mu      sync.RWMutex
	servers map[string]domain.ServerConfig // Map server id to configuration
	secrets map[string]domain.SecretRecord // Map secret id to encrypted record
	logger  *slog.Logger
}

// NewInMemoryRepository creates a new in-memory repository.
func NewInMemoryRepository(logger *slog.Logger) *InMemoryRepository {
	return &InMemoryRepository{
		servers: make(map[string]domain.ServerConfig),
		secrets: make(map[string]domain.SecretRecord),
		logger:  logger.With("component", "mem_repo"),
	}
}

// SaveServer inserts or replaces a server configuration.
func (r *InMemoryRepository) SaveServer(ctx context.Context, cfg *domain.ServerConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[cfg.ID] = cloneServer(*cfg)
	r.logger.Debug("Saved server", slog.String("server_id", cfg.ID), slog.Int("tools", len(cfg.Tools)))
	return nil
}

// GetServer retrieves a server configuration by id.
func (r *InMemoryRepository) GetServer(ctx context.Context, id string) (*domain.ServerConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.servers[id]
	if !ok {
		r.logger.Debug("Server not found", slog.String("server_id", id))
		return nil, domain.ErrServerNotFound
	}
	out := cloneServer(cfg)
	return &out, nil
}

// ListServers returns every stored server ordered by id.
func (r *InMemoryRepository) ListServers(ctx context.Context) ([]*domain.ServerConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]*domain.ServerConfig, 0, len(r.servers))
	for _, id := range slices.Sorted(maps.Keys(r.servers)) {
		cfg := cloneServer(r.servers[id])
		list = append(list, &cfg)
	}
	r.logger.Debug("Listed servers from repository", slog.Int("count", len(list)))
	return list, nil
}

// DeleteServer removes a server configuration.
func (r *InMemoryRepository) DeleteServer(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[id]; !ok {
		return domain.ErrServerNotFound
	}
	delete(r.servers, id)
	r.logger.Info("Deleted server", slog.String("server_id", id))
	return nil
}

// SaveSecret inserts or replaces a secret record.
func (r *InMemoryRepository) SaveSecret(ctx context.Context, rec *domain.SecretRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.secrets[rec.ID] = *rec
	return nil
}

// GetSecret retrieves a secret record by id.
func (r *InMemoryRepository) GetSecret(ctx context.Context, id string) (*domain.SecretRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.secrets[id]
	if !ok {
		return nil, domain.ErrSecretNotFound
	}
	return &rec, nil
}

// ListSecrets returns the records owned by owner, newest first.
func (r *InMemoryRepository) ListSecrets(ctx context.Context, owner string) ([]*domain.SecretRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var list []*domain.SecretRecord
	for _, rec := range r.secrets {
		if rec.Owner != owner {
			continue
		}
		rec := rec
		list = append(list, &rec)
	}
	slices.SortFunc(list, func(a, b *domain.SecretRecord) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return list, nil
}

// cloneServer copies the parts of cfg that callers commonly mutate.
func cloneServer(cfg domain.ServerConfig) domain.ServerConfig {
	cfg.Tools = slices.Clone(cfg.Tools)
	cfg.Settings = maps.Clone(cfg.Settings)
	cfg.Transport.Args = slices.Clone(cfg.Transport.Args)
	cfg.Transport.Env = maps.Clone(cfg.Transport.Env)
	cfg.Transport.Headers = maps.Clone(cfg.Transport.Headers)
	return cfg
}
