package domain

// SchemaType defines the type of the source API schema.
type SchemaType string

const (
	SchemaTypeOpenAPI SchemaType = "openapi"
)

// APISchema represents a fetched API schema before conversion.
// It holds the raw data and metadata about its origin and type.
type APISchema struct {
	// Source indicates the origin of the schema (e.g., URL or file path).
	Source string
	// Type specifies the kind of schema.
	Type SchemaType
	// RawData holds the unprocessed schema content (JSON or YAML bytes).
	RawData []byte
	// ParsedData holds the schema parsed into a library-specific representation.
	// Example: *openapi3.T for OpenAPI.
	ParsedData interface{}
}
