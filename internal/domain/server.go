package domain

import "time"

// ServerKind classifies a managed tool server.
type ServerKind string

const (
	// ServerKindOfficial servers ship declared tools that call HTTP endpoints.
	ServerKindOfficial ServerKind = "official"
	// ServerKindExternal servers are third-party MCP servers behind a transport.
	ServerKindExternal ServerKind = "external"
	// ServerKindOpenAPI servers have their tools imported from an OpenAPI document.
	ServerKindOpenAPI ServerKind = "openapi"
)

// ServerStatus is the administrator-declared status of a server.
type ServerStatus string

const (
	ServerStatusActive   ServerStatus = "active"
	ServerStatusInactive ServerStatus = "inactive"
)

// TransportType selects how a remote tool server is reached.
type TransportType string

const (
	TransportStdio          TransportType = "stdio"
	TransportSSE            TransportType = "sse"
	TransportStreamableHTTP TransportType = "streamable-http"
)

// Transport describes how to reach the backing tool server.
// Either Command (stdio subprocess) or URL (sse / streamable-http) is set;
// both empty means the server only has in-process declared tools.
type Transport struct {
	Type       TransportType     `json:"type,omitempty" yaml:"type,omitempty"`
	Command    string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args       []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty" yaml:"working_dir,omitempty"`
	URL        string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// IsRemote reports whether the transport points at a backing server.
func (t Transport) IsRemote() bool {
	return t.Command != "" || t.URL != ""
}

// AuthType selects how resolved credentials are attached to outbound calls.
type AuthType string

const (
	AuthNone   AuthType = ""
	AuthBearer AuthType = "bearer"
	AuthAPIKey AuthType = "api_key"
)

// AuthConfig names the secret used to authenticate outbound HTTP calls.
type AuthConfig struct {
	Type AuthType `json:"type,omitempty" yaml:"type,omitempty"`
	// SecretKey is the key in the server's resolved secrets holding the credential.
	SecretKey string `json:"secret_key,omitempty" yaml:"secret_key,omitempty"`
	// Name is the header or query parameter name for api_key auth.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	// In is "header" (default) or "query" for api_key auth.
	In string `json:"in,omitempty" yaml:"in,omitempty"`
}

// AuthContext is the materialized credential set handed to the endpoint executor.
type AuthContext struct {
	Headers map[string]string
	Query   map[string]string
}

// ServerConfig is the persisted description of a managed tool server.
type ServerConfig struct {
	ID          string           `json:"id" yaml:"id"`
	Name        string           `json:"name" yaml:"name"`
	Owner       string           `json:"owner,omitempty" yaml:"owner,omitempty"`
	Kind        ServerKind       `json:"kind" yaml:"kind"`
	Status      ServerStatus     `json:"status" yaml:"status"`
	Transport   Transport        `json:"transport,omitempty" yaml:"transport,omitempty"`
	BaseURL     string           `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Auth        AuthConfig       `json:"auth,omitempty" yaml:"auth,omitempty"`
	Tools       []ToolDefinition `json:"tools,omitempty" yaml:"tools,omitempty"`
	Settings    map[string]any   `json:"settings,omitempty" yaml:"settings,omitempty"`
	// Secrets is the encrypted blob of resolved secret values.
	Secrets string `json:"secrets,omitempty" yaml:"-"`
	// OpenAPISource is the document location for openapi servers.
	OpenAPISource string    `json:"openapi_source,omitempty" yaml:"openapi_source,omitempty"`
	CreatedAt     time.Time `json:"created_at" yaml:"-"`
	UpdatedAt     time.Time `json:"updated_at" yaml:"-"`
}

// IsActive reports whether the server is declared active.
func (c ServerConfig) IsActive() bool {
	return c.Status == ServerStatusActive
}

// Tool returns the declared tool with the given name.
func (c ServerConfig) Tool(name string) (ToolDefinition, bool) {
	for _, t := range c.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return ToolDefinition{}, false
}

// ServerState is the runtime lifecycle state of a managed server.
type ServerState string

const (
	StatePending      ServerState = "pending"
	StateInitializing ServerState = "initializing"
	StateRunning      ServerState = "running"
	StateRestarting   ServerState = "restarting"
	StateStopping     ServerState = "stopping"
	StateStopped      ServerState = "stopped"
	StateError        ServerState = "error"
	StateDisconnected ServerState = "disconnected"
	StateTerminated   ServerState = "terminated"
	StateShuttingDown ServerState = "shutting_down"
)

// IsTerminal reports whether no further transition is possible.
func (s ServerState) IsTerminal() bool {
	return s == StateTerminated
}

var transitions = map[ServerState][]ServerState{
	StatePending:      {StateInitializing},
	StateInitializing: {StateRunning},
	StateRunning:      {StateRestarting, StateStopping},
	StateRestarting:   {StateRunning},
	StateStopping:     {StateStopped},
	StateStopped:      {StatePending, StateInitializing, StateRestarting},
	StateError:        {StatePending, StateInitializing, StateRestarting, StateStopping, StateStopped},
	StateDisconnected: {StatePending, StateInitializing, StateRestarting, StateStopping, StateStopped},
	StateShuttingDown: {StateTerminated},
}

// CanTransition reports whether the lifecycle allows moving from one state to another.
// error, disconnected and shutting_down are reachable from any non-terminal state.
func CanTransition(from, to ServerState) bool {
	if from.IsTerminal() {
		return false
	}
	switch to {
	case StateError, StateDisconnected:
		return true
	case StateShuttingDown:
		return from != StateShuttingDown
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
