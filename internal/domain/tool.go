package domain

// ToolStatus is the declared status of a tool within its server.
type ToolStatus string

const (
	ToolStatusActive   ToolStatus = "active"
	ToolStatusInactive ToolStatus = "inactive"
)

// ToolSource tells where a tool exposed by a proxy comes from.
type ToolSource string

const (
	// ToolSourceLocal marks a tool compiled in-process from a declared schema.
	ToolSourceLocal ToolSource = "local"
	// ToolSourceRemote marks a tool discovered on the backing tool server.
	ToolSourceRemote ToolSource = "remote"
)

// Endpoint describes the outbound HTTP call behind a declared tool.
type Endpoint struct {
	// BaseURL overrides the server's base URL when set.
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	// Method is the HTTP verb (e.g., "GET", "POST").
	Method string `json:"method" yaml:"method"`
	// Path is the request path and may contain {param} placeholders.
	Path string `json:"path" yaml:"path"`
}

// ToolDefinition is a tool as declared on a ServerConfig.
// Schema is a JSON-Schema-like document; properties may carry an
// "x-category" hint of "header", "query" (or "parameters") or "body".
type ToolDefinition struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Status      ToolStatus     `json:"status,omitempty" yaml:"status,omitempty"`
	Schema      map[string]any `json:"schema,omitempty" yaml:"schema,omitempty"`
	Endpoint    Endpoint       `json:"endpoint" yaml:"endpoint"`
}

// IsActive reports whether the tool should be registered on its proxy.
// An empty status counts as active.
func (d ToolDefinition) IsActive() bool {
	return d.Status == "" || d.Status == ToolStatusActive
}

// Tool represents a callable function exposed through the gateway,
// compliant with the Model Context Protocol (MCP) tool shape.
type Tool struct {
	// Name MUST be unique within the owning proxy.
	Name string `json:"name"`

	// Description provides a natural language explanation of what the tool does.
	Description string `json:"description"`

	// InputSchema defines the structure of the data the tool expects (JSON Schema).
	InputSchema map[string]any `json:"input_schema"`

	Source ToolSource `json:"source"`
}

// ToolResult is the outcome of a single tool call.
// A failed call is reported as a result with IsError set, never as an empty value.
type ToolResult struct {
	Content any    `json:"content,omitempty"`
	IsError bool   `json:"is_error"`
	Error   string `json:"error,omitempty"`
}

// FailedResult builds a tool-level error payload.
func FailedResult(err error) ToolResult {
	return ToolResult{IsError: true, Error: err.Error()}
}
