package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/i2y/mcpgate/internal/domain"
)

// ServerReloader applies a changed configuration to a running server.
type ServerReloader interface {
	Reload(ctx context.Context, cfg domain.ServerConfig) error
}

// SyncSchemaUseCase imports the operations of an API schema as the declared
// tools of a server.
type SyncSchemaUseCase struct {
	fetchers   map[domain.SchemaType]SchemaFetcher
	generators map[domain.SchemaType]ToolGenerator
	repository ServerRepository
	reloader   ServerReloader
	logger     *slog.Logger
	now        func() time.Time
}

// NewSyncSchemaUseCase creates a new SyncSchemaUseCase.
// reloader may be nil when no registry runs in this process.
func NewSyncSchemaUseCase(
	fetchers map[domain.SchemaType]SchemaFetcher,
	generators map[domain.SchemaType]ToolGenerator,
	repository ServerRepository,
	reloader ServerReloader,
	logger *slog.Logger,
) *SyncSchemaUseCase {
	return &SyncSchemaUseCase{
		fetchers:   fetchers,
		generators: generators,
		repository: repository,
		reloader:   reloader,
		logger:     logger.With("usecase", "SyncSchema"),
		now:        time.Now,
	}
}

// Execute fetches the schema at source, generates tool definitions and
// stores them on server serverID, replacing its declared tools. A running
// server is reloaded. An empty source falls back to the server's
// OpenAPISource.
func (uc *SyncSchemaUseCase) Execute(ctx context.Context, serverID string, src SchemaSourceConfig) ([]domain.ToolDefinition, error) {
	log := uc.logger.With(slog.String("server_id", serverID))

	cfg, err := uc.repository.GetServer(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to load server %s: %w", serverID, err)
	}
	if src.URL == "" {
		src.URL = cfg.OpenAPISource
	}
	if src.URL == "" {
		return nil, fmt.Errorf("server %s has no schema source", serverID)
	}
	log = log.With(slog.String("source", src.URL))
	log.Info("Starting schema sync")

	fetcher, ok := uc.fetchers[domain.SchemaTypeOpenAPI]
	if !ok {
		log.Error("No schema fetcher available for source")
		return nil, fmt.Errorf("no schema fetcher available for source: %s", src.URL)
	}
	schema, err := fetcher.FetchWithConfig(ctx, src)
	if err != nil {
		log.Error("Failed to fetch schema", slog.Any("error", err))
		return nil, fmt.Errorf("failed to fetch schema from %s: %w", src.URL, err)
	}
	if schema.Type == "" {
		schema.Type = domain.SchemaTypeOpenAPI
	}

	generator, ok := uc.generators[schema.Type]
	if !ok {
		log.Error("No tool generator found for schema type", slog.String("schema_type", string(schema.Type)))
		return nil, fmt.Errorf("no tool generator found for schema type: %s", schema.Type)
	}
	defs, err := generator.Generate(schema)
	if err != nil {
		log.Error("Failed to generate tool definitions", slog.Any("error", err))
		return nil, fmt.Errorf("failed to generate tools for schema %s: %w", src.URL, err)
	}

	cfg.Tools = defs
	cfg.OpenAPISource = src.URL
	cfg.UpdatedAt = uc.now().UTC()
	if err := uc.repository.SaveServer(ctx, cfg); err != nil {
		log.Error("Failed to save server", slog.Any("error", err))
		return nil, fmt.Errorf("failed to save server %s: %w", serverID, err)
	}

	if uc.reloader != nil {
		err := uc.reloader.Reload(ctx, *cfg)
		switch {
		case errors.Is(err, domain.ErrServerNotFound):
			log.Debug("Server not running, nothing to reload")
		case err != nil:
			log.Error("Failed to reload server", slog.Any("error", err))
			return defs, fmt.Errorf("tools saved but reload of %s failed: %w", serverID, err)
		}
	}

	log.Info("Successfully synced schema and tools", slog.Int("tool_count", len(defs)))
	return defs, nil
}
