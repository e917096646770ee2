package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/i2y/mcpgate/configs"
	"github.com/i2y/mcpgate/internal/adapter/outbound/github"
	"github.com/i2y/mcpgate/internal/adapter/outbound/httpinvoker"
	"github.com/i2y/mcpgate/internal/adapter/outbound/mcpconn"
	"github.com/i2y/mcpgate/internal/adapter/outbound/memrepo"
	"github.com/i2y/mcpgate/internal/adapter/outbound/openapi"
	"github.com/i2y/mcpgate/internal/adapter/outbound/sqlstore"
	"github.com/i2y/mcpgate/internal/domain"
	"github.com/i2y/mcpgate/internal/usecase"
	"github.com/i2y/mcpgate/internal/vault"
)

// repository is what both storage backends provide.
type repository interface {
	usecase.ServerRepository
	usecase.SecretRepository
}

// core holds storage and the vault, shared by every command.
type core struct {
	cfg     *configs.Config
	logger  *slog.Logger
	repo    repository
	vault   *vault.Vault
	closers []func() error
}

func openCore(ctx context.Context, cfg *configs.Config, logger *slog.Logger) (*core, error) {
	c := &core{cfg: cfg, logger: logger}

	if cfg.DBPath != "" {
		store := sqlstore.New(cfg.DBPath, logger)
		if err := store.Init(ctx); err != nil {
			return nil, fmt.Errorf("failed to open database %s: %w", cfg.DBPath, err)
		}
		c.repo = store
		c.closers = append(c.closers, store.Close)
		logger.Info("Using SQLite store.", slog.String("path", cfg.DBPath))
	} else {
		c.repo = memrepo.NewInMemoryRepository(logger)
		logger.Info("Using in-memory store; state is lost on exit.")
	}

	key, err := vault.LoadKey(cfg.KeyConfig(), logger)
	if err != nil {
		c.Close()
		if errors.Is(err, vault.ErrNoKey) {
			return nil, fmt.Errorf("%w: set MCPGATE_ENCRYPTION_KEY, provide MCPGATE_KEY_FILE or enable MCPGATE_ALLOW_KEY_GENERATE", err)
		}
		return nil, err
	}
	if c.vault, err = vault.New(key); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to create vault: %w", err)
	}
	return c, nil
}

// Close releases resources in reverse order of acquisition.
func (c *core) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			c.logger.Warn("Failed to close resource", slog.Any("error", err))
		}
	}
	c.closers = nil
}

// gateway is the registry and the use cases built on top of core.
type gateway struct {
	*core
	registry *usecase.Registry
	servers  *usecase.ServerService
	sync     *usecase.SyncSchemaUseCase
}

func newGateway(c *core) *gateway {
	httpClient := &http.Client{Timeout: c.cfg.HTTPClientTimeout}
	c.logger.Debug("HTTP Client configured.", slog.Duration("timeout", c.cfg.HTTPClientTimeout))

	factory := mcpconn.NewFactory(serviceName, version, c.logger)
	factory.InitTimeout = c.cfg.InitTimeout

	builder := &usecase.VaultProxyBuilder{
		Vault:    c.vault,
		Factory:  factory,
		Executor: httpinvoker.New(httpClient, c.logger, httpinvoker.WithTimeout(c.cfg.HTTPClientTimeout)),
		Logger:   c.logger,
	}
	registry := usecase.NewRegistry(builder, c.repo, c.logger)

	return &gateway{
		core:     c,
		registry: registry,
		servers:  usecase.NewServerService(c.repo, c.repo, c.vault, registry, c.logger),
		sync:     newSchemaSync(c, httpClient, registry),
	}
}

// newSchemaSync wires the OpenAPI importer. reloader may be nil.
func newSchemaSync(c *core, httpClient *http.Client, reloader usecase.ServerReloader) *usecase.SyncSchemaUseCase {
	gh := github.NewGHClient(nil, c.logger)
	fetchers := map[domain.SchemaType]usecase.SchemaFetcher{
		domain.SchemaTypeOpenAPI: openapi.NewSchemaFetcher(httpClient, c.logger, gh),
	}
	generators := map[domain.SchemaType]usecase.ToolGenerator{
		domain.SchemaTypeOpenAPI: openapi.NewToolGenerator(c.logger),
	}
	return usecase.NewSyncSchemaUseCase(fetchers, generators, c.repo, reloader, c.logger)
}

// start stores the configured servers, imports the tools of OpenAPI servers
// that declare none, and starts every active server. Failures of single
// servers are logged; startup continues.
func (g *gateway) start(ctx context.Context) error {
	if err := g.servers.Bootstrap(ctx, g.cfg.Servers); err != nil {
		return err
	}
	for _, s := range g.cfg.Servers {
		if s.Kind != domain.ServerKindOpenAPI || s.OpenAPISource == "" || len(s.Tools) > 0 {
			continue
		}
		defs, err := g.sync.Execute(ctx, s.ID, usecase.SchemaSourceConfig{})
		if err != nil {
			g.logger.Error("Initial OpenAPI import failed. Server continues without tools.",
				slog.String("server_id", s.ID), slog.Any("error", err))
			continue
		}
		g.logger.Info("Imported OpenAPI tools.", slog.String("server_id", s.ID), slog.Int("tool_count", len(defs)))
	}
	if err := g.servers.StartActive(ctx); err != nil {
		g.logger.Warn("Some servers failed to start.", slog.Any("error", err))
	}
	return nil
}
