// Package compiler turns JSON-Schema-like tool definitions into validated,
// callable tool descriptors.
//
// Compilation produces a tree of Param descriptors. Prepare walks that tree
// to validate arguments, apply defaults and partition them into the header,
// query and body parts of an outbound request.
package compiler

import (
	"maps"

	"github.com/i2y/mcpgate/internal/domain"
)

type options struct {
	name        string
	description string
	metadata    map[string]any
	config      map[string]any
	endpoint    *domain.Endpoint
}

// Option customizes Compile.
type Option func(*options)

// WithName overrides the tool name found in the schema.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithDescription overrides the tool description found in the schema.
func WithDescription(description string) Option {
	return func(o *options) { o.description = description }
}

// WithMetadata merges extra metadata into the compiled tool.
func WithMetadata(md map[string]any) Option {
	return func(o *options) { o.metadata = md }
}

// WithConfig merges server-level settings into the compiled tool's metadata.
// Keys in config take precedence over WithMetadata.
func WithConfig(cfg map[string]any) Option {
	return func(o *options) { o.config = cfg }
}

// WithEndpoint attaches the outbound HTTP endpoint invoked by the tool.
func WithEndpoint(ep domain.Endpoint) Option {
	return func(o *options) { o.endpoint = &ep }
}

// Tool is a compiled, immutable tool descriptor.
type Tool struct {
	name        string
	description string
	params      []*Param
	byName      map[string]*Param
	categories  map[Category][]string
	metadata    map[string]any
	endpoint    domain.Endpoint
}

// Compile builds a Tool from a JSON-Schema-like document.
//
// Properties are read from "properties" or "parameters.properties" and the
// required list from the same level. The name comes from WithName, then
// "name", then "title"; a schema without any yields an anonymous tool.
func Compile(schema map[string]any, opts ...Option) (*Tool, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	name := o.name
	if name == "" {
		name, _ = schema["name"].(string)
	}
	if name == "" {
		name, _ = schema["title"].(string)
	}
	description := o.description
	if description == "" {
		description, _ = schema["description"].(string)
	}

	c := &compileCtx{tool: name}
	props, required, err := c.locateProperties(schema)
	if err != nil {
		return nil, err
	}
	params, err := c.compileObjectFields("", props, required, true)
	if err != nil {
		return nil, err
	}

	t := &Tool{
		name:        name,
		description: description,
		params:      params,
		byName:      make(map[string]*Param, len(params)),
		categories:  make(map[Category][]string),
		metadata:    make(map[string]any, len(o.metadata)+len(o.config)),
	}
	for _, p := range params {
		t.byName[p.Name] = p
		t.categories[p.Category] = append(t.categories[p.Category], p.Name)
	}
	maps.Copy(t.metadata, o.metadata)
	maps.Copy(t.metadata, o.config)
	if o.endpoint != nil {
		t.endpoint = *o.endpoint
	}
	return t, nil
}

func (c *compileCtx) locateProperties(schema map[string]any) (map[string]any, []string, error) {
	if params, ok := schema["parameters"].(map[string]any); ok {
		if props, ok := params["properties"]; ok {
			pm, ok := props.(map[string]any)
			if !ok {
				return nil, nil, c.fail("parameters.properties", "must be an object")
			}
			required := stringList(params["required"])
			if required == nil {
				required = stringList(schema["required"])
			}
			return pm, required, nil
		}
	}
	switch props := schema["properties"].(type) {
	case nil:
		return map[string]any{}, stringList(schema["required"]), nil
	case map[string]any:
		return props, stringList(schema["required"]), nil
	default:
		return nil, nil, c.fail("properties", "must be an object")
	}
}

// Name returns the tool name, empty for anonymous tools.
func (t *Tool) Name() string { return t.name }

// Anonymous reports whether the tool was compiled without a name.
func (t *Tool) Anonymous() bool { return t.name == "" }

// Description returns the tool description.
func (t *Tool) Description() string { return t.description }

// Endpoint returns the HTTP endpoint the tool calls.
func (t *Tool) Endpoint() domain.Endpoint { return t.endpoint }

// Params returns the top-level parameters, required first.
func (t *Tool) Params() []*Param { return t.params }

// Param returns the top-level parameter with the given name.
func (t *Tool) Param(name string) (*Param, bool) {
	p, ok := t.byName[name]
	return p, ok
}

// Categories maps each category to the names of its parameters.
func (t *Tool) Categories() map[Category][]string {
	out := make(map[Category][]string, len(t.categories))
	for k, v := range t.categories {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Metadata returns a copy of the merged metadata and config.
func (t *Tool) Metadata() map[string]any {
	return maps.Clone(t.metadata)
}

// Required returns the names of the required parameters.
func (t *Tool) Required() []string {
	var out []string
	for _, p := range t.params {
		if p.Required {
			out = append(out, p.Name)
		}
	}
	return out
}

// Named returns a copy of t carrying the given name.
func (t *Tool) Named(name string) *Tool {
	cp := *t
	cp.name = name
	return &cp
}
