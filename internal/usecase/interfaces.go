package usecase

import (
	"context"
	"time"

	"github.com/i2y/mcpgate/internal/compiler"
	"github.com/i2y/mcpgate/internal/domain"
	"github.com/i2y/mcpgate/internal/vault"
)

// --- Persistence ---

// ServerRepository persists server configurations.
// GetServer returns domain.ErrServerNotFound for unknown ids.
type ServerRepository interface {
	SaveServer(ctx context.Context, cfg *domain.ServerConfig) error
	GetServer(ctx context.Context, id string) (*domain.ServerConfig, error)
	ListServers(ctx context.Context) ([]*domain.ServerConfig, error)
	DeleteServer(ctx context.Context, id string) error
}

// SecretRepository persists encrypted secret records.
type SecretRepository interface {
	vault.SecretStore
	ListSecrets(ctx context.Context, owner string) ([]*domain.SecretRecord, error)
}

// ConfigSource yields the current configuration of a server. The registry
// consults it when re-registering an unhealthy server.
type ConfigSource interface {
	GetServer(ctx context.Context, id string) (*domain.ServerConfig, error)
}

// --- Tool server connections ---

// Connection is a live session with a backing tool server.
// ListTools returns an error wrapping domain.ErrMethodNotFound when the
// server does not support tool listing.
type Connection interface {
	ListTools(ctx context.Context) ([]domain.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (domain.ToolResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// ConnectionFactory opens connections described by a transport.
type ConnectionFactory interface {
	Connect(ctx context.Context, t domain.Transport) (Connection, error)
}

// ToolExecutor performs the outbound HTTP call behind a compiled tool.
type ToolExecutor interface {
	Execute(ctx context.Context, ep domain.Endpoint, call *compiler.Call, auth domain.AuthContext) (any, error)
}

// --- Dispatch ---

// Broker is a work queue with a pub/sub side channel.
type Broker interface {
	// Push appends a payload to a queue.
	Push(ctx context.Context, queue string, payload []byte) error
	// Pop removes the oldest payload of a queue, waiting up to timeout.
	// It returns nil and no error when nothing arrived in time.
	Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)
	// Publish broadcasts a payload on a channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe delivers channel payloads until ctx is done. The
	// subscription is active when Subscribe returns.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// ToolCaller invokes a tool on a registered server.
type ToolCaller interface {
	CallTool(ctx context.Context, serverID, tool string, args map[string]any) (domain.ToolResult, error)
}

// --- Schema Source Related ---

// SchemaSourceConfig represents a schema source with optional configuration
type SchemaSourceConfig struct {
	URL     string
	Headers map[string]string
}

// SchemaFetcher defines the interface for fetching API schemas from various sources.
type SchemaFetcher interface {
	Fetch(ctx context.Context, source string) (domain.APISchema, error)
	FetchWithConfig(ctx context.Context, config SchemaSourceConfig) (domain.APISchema, error)
}

// ToolGenerator turns a fetched APISchema into declared tool definitions.
type ToolGenerator interface {
	Generate(schema domain.APISchema) ([]domain.ToolDefinition, error)
}
