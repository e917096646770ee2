package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/i2y/mcpgate/internal/domain"
)

// ToolCatalog exposes the running servers and their tools.
type ToolCatalog interface {
	Entries() []RegistryEntry
	GetTools(ctx context.Context, id string) ([]domain.Tool, error)
}

// ServeToolsUseCase lists every tool the gateway can route, under its
// qualified name.
type ServeToolsUseCase struct {
	catalog ToolCatalog
	logger  *slog.Logger
}

// NewServeToolsUseCase creates a new ServeToolsUseCase.
func NewServeToolsUseCase(catalog ToolCatalog, logger *slog.Logger) *ServeToolsUseCase {
	return &ServeToolsUseCase{
		catalog: catalog,
		logger:  logger.With("usecase", "ServeTools"),
	}
}

// Execute collects the tools of all running servers. A server whose remote
// listing fails still contributes its local tools; any other failure
// aborts.
func (uc *ServeToolsUseCase) Execute(ctx context.Context) ([]domain.Tool, error) {
	uc.logger.Info("Listing tools")

	var tools []domain.Tool
	for _, entry := range uc.catalog.Entries() {
		serverTools, err := uc.catalog.GetTools(ctx, entry.ServerID)
		if err != nil {
			var le *domain.ListingError
			if !errors.As(err, &le) {
				uc.logger.Error("Failed to list tools", slog.String("server_id", entry.ServerID), slog.Any("error", err))
				return nil, fmt.Errorf("failed to list tools of %s: %w", entry.ServerID, err)
			}
			uc.logger.Warn("Remote tool listing failed, serving local tools only",
				slog.String("server_id", entry.ServerID), slog.Any("error", err))
		}
		for _, t := range serverTools {
			t.Name = QualifiedToolName(entry.ServerID, t.Name)
			tools = append(tools, t)
		}
	}
	uc.logger.Info("Successfully listed tools", slog.Int("count", len(tools)))
	return tools, nil
}
