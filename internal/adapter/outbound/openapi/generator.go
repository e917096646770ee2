package openapi

import (
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/i2y/mcpgate/internal/domain"
)

// maxSchemaDepth bounds the expansion of recursive component schemas.
const maxSchemaDepth = 8

// ToolGenerator implements the usecase.ToolGenerator interface for OpenAPI schemas.
type ToolGenerator struct {
	logger *slog.Logger
}

// NewToolGenerator creates a new OpenAPI ToolGenerator.
func NewToolGenerator(logger *slog.Logger) *ToolGenerator {
	return &ToolGenerator{
		logger: logger.With("component", "openapi_generator"),
	}
}

// Generate converts the operations of an OpenAPI document into declared
// tool definitions. Path and query parameters are tagged with the "query"
// category, header parameters with "header", and the fields of a JSON
// object request body with "body".
func (g *ToolGenerator) Generate(schema domain.APISchema) ([]domain.ToolDefinition, error) {
	log := g.logger.With(slog.String("source", schema.Source))
	log.Info("Generating tools from OpenAPI schema")

	doc, ok := schema.ParsedData.(*openapi3.T)
	if !ok || doc == nil {
		log.Error("Invalid or missing parsed OpenAPI document in APISchema")
		return nil, fmt.Errorf("invalid or missing parsed OpenAPI document in APISchema")
	}

	host, basePath, err := g.determineHostAndBasePathFromServers(schema.Source, doc.Servers)
	if err != nil {
		log.Error("Failed to determine host/basePath from OpenAPI servers block", slog.Any("error", err))
		return nil, fmt.Errorf("could not determine host/basePath from OpenAPI servers: %w", err)
	}
	log.Info("Determined host and basePath for generation", slog.String("host", host), slog.String("basePath", basePath))

	var (
		defs    []domain.ToolDefinition
		skipped int
		seen    = make(map[string]bool)
	)
	if doc.Paths == nil {
		return defs, nil
	}
	pathMap := doc.Paths.Map()
	paths := make([]string, 0, len(pathMap))
	for p := range pathMap {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		pathItem := pathMap[path]
		if pathItem == nil {
			continue
		}
		ops := pathItem.Operations()
		methods := make([]string, 0, len(ops))
		for m := range ops {
			methods = append(methods, m)
		}
		sort.Strings(methods)

		for _, method := range methods {
			operation := ops[method]
			if operation == nil {
				continue
			}
			toolName := generateToolName(path, method, operation)
			log := log.With(slog.String("path", path), slog.String("method", method), slog.String("tool_name", toolName))
			if seen[toolName] {
				log.Warn("Skipping operation with duplicate tool name")
				skipped++
				continue
			}

			description := operation.Description
			if description == "" {
				description = operation.Summary
			}
			if description == "" {
				description = fmt.Sprintf("Executes %s %s", strings.ToUpper(method), path)
			}

			params := append(openapi3.Parameters{}, pathItem.Parameters...)
			params = append(params, operation.Parameters...)
			inputSchema, err := g.generateInputSchema(log, params, operation.RequestBody)
			if err != nil {
				log.Warn("Skipping tool due to input schema generation error", slog.Any("error", err))
				skipped++
				continue
			}

			seen[toolName] = true
			defs = append(defs, domain.ToolDefinition{
				Name:        toolName,
				Description: description,
				Status:      domain.ToolStatusActive,
				Schema:      inputSchema,
				Endpoint: domain.Endpoint{
					BaseURL: host + basePath,
					Method:  strings.ToUpper(method),
					Path:    path,
				},
			})
			log.Debug("Generated tool definition")
		}
	}

	log.Info("Finished generating tools from OpenAPI schema",
		slog.Int("generated_count", len(defs)),
		slog.Int("skipped_count", skipped))
	return defs, nil
}

// determineHostAndBasePathFromServers tries to find a suitable base URL from the Servers array.
// It prioritizes HTTP/HTTPS URLs. If a relative URL is found, it resolves it
// against the schemaSourceURL. Returns the first valid one found (scheme://host, basePath, error).
// BasePath will be empty if the resolved URL has no path component.
func (g *ToolGenerator) determineHostAndBasePathFromServers(schemaSourceURL string, servers openapi3.Servers) (string, string, error) {
	if len(servers) == 0 {
		servers = openapi3.Servers{{URL: "/"}}
	}

	baseSourceURL, err := url.Parse(schemaSourceURL)
	if err != nil {
		g.logger.Warn("Could not parse schema source URL as base for relative server URLs", slog.String("source_url", schemaSourceURL), slog.Any("error", err))
		baseSourceURL = nil
	}

	for _, server := range servers {
		if server == nil || server.URL == "" {
			continue
		}
		serverURL := substituteVariables(server)

		parsedServerURL, err := url.Parse(serverURL)
		if err != nil {
			g.logger.Warn("Could not parse server URL, skipping", slog.String("url", serverURL), slog.Any("error", err))
			continue
		}

		resolvedURL := parsedServerURL
		if !parsedServerURL.IsAbs() {
			if baseSourceURL == nil {
				g.logger.Warn("Cannot resolve relative server URL because schema source URL was unparsable", slog.String("relative_url", serverURL), slog.String("source_url", schemaSourceURL))
				continue
			}
			resolvedURL = baseSourceURL.ResolveReference(parsedServerURL)
			g.logger.Debug("Resolved relative server URL",
				slog.String("relative_url", serverURL),
				slog.String("base_url", baseSourceURL.String()),
				slog.String("resolved_url", resolvedURL.String()))
		}

		if (resolvedURL.Scheme == "http" || resolvedURL.Scheme == "https") && resolvedURL.Host != "" {
			host := fmt.Sprintf("%s://%s", resolvedURL.Scheme, resolvedURL.Host)
			basePath := strings.TrimRight(resolvedURL.Path, "/")
			return host, basePath, nil
		}
		if parsedServerURL.IsAbs() {
			g.logger.Debug("Skipping non-HTTP/HTTPS absolute server URL", slog.String("url", serverURL))
		}
	}

	return "", "", fmt.Errorf("no suitable HTTP/HTTPS server URL found or resolvable in OpenAPI document")
}

// substituteVariables fills server URL template variables with their defaults.
func substituteVariables(server *openapi3.Server) string {
	out := server.URL
	for name, v := range server.Variables {
		if v == nil {
			continue
		}
		out = strings.ReplaceAll(out, "{"+name+"}", v.Default)
	}
	return out
}

// generateToolName derives the tool name from the operation id, falling
// back to the method and the path segments.
func generateToolName(path, method string, op *openapi3.Operation) string {
	if name := sanitizeName(op.OperationID); name != "" {
		return name
	}

	nameParts := []string{strings.ToLower(method)}
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			part = "by_" + strings.Trim(part, "{}")
		}
		nameParts = append(nameParts, sanitizeName(part))
	}
	return sanitizeName(strings.Join(nameParts, "_"))
}

// generateInputSchema combines parameters and request body into a single
// input schema whose properties carry their x-category.
func (g *ToolGenerator) generateInputSchema(log *slog.Logger, params openapi3.Parameters, requestBody *openapi3.RequestBodyRef) (map[string]any, error) {
	props := make(map[string]any)
	var required []string

	for _, paramRef := range params {
		if paramRef == nil || paramRef.Value == nil {
			continue
		}
		param := paramRef.Value

		var category string
		switch param.In {
		case openapi3.ParameterInPath, openapi3.ParameterInQuery:
			category = "query"
		case openapi3.ParameterInHeader:
			category = "header"
		default:
			log.Debug("Skipping unsupported parameter location", slog.String("param_name", param.Name), slog.String("param_in", param.In))
			continue
		}

		var prop map[string]any
		if param.Schema == nil || param.Schema.Value == nil {
			log.Warn("Parameter has no schema, assuming string", slog.String("param_name", param.Name))
			prop = map[string]any{"type": "string"}
		} else {
			prop = g.convertSchemaRef(log, param.Schema, 0)
		}
		if _, ok := prop["description"]; !ok && param.Description != "" {
			prop["description"] = param.Description
		}
		prop["x-category"] = category

		// Operation parameters override path-level ones of the same name.
		props[param.Name] = prop
		if param.Required || param.In == openapi3.ParameterInPath {
			required = append(required, param.Name)
		}
	}

	if requestBody != nil && requestBody.Value != nil && requestBody.Value.Content != nil {
		jsonContent := requestBody.Value.Content.Get("application/json")
		if jsonContent == nil || jsonContent.Schema == nil || jsonContent.Schema.Value == nil {
			return nil, fmt.Errorf("request body has no application/json schema")
		}
		body := jsonContent.Schema.Value
		if !isObject(body) {
			return nil, fmt.Errorf("non-object request bodies cannot be mapped to tool arguments")
		}
		for _, name := range sortedKeys(body.Properties) {
			if _, exists := props[name]; exists {
				log.Warn("Name collision for input field, keeping parameter", slog.String("field_name", name))
				continue
			}
			prop := g.convertSchemaRef(log, body.Properties[name], 1)
			prop["x-category"] = "body"
			props[name] = prop
		}
		if requestBody.Value.Required {
			for _, name := range body.Required {
				if p, ok := props[name].(map[string]any); ok && p["x-category"] == "body" {
					required = append(required, name)
				}
			}
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if required = uniqueStrings(required); len(required) > 0 {
		list := make([]any, len(required))
		for i, name := range required {
			list[i] = name
		}
		schema["required"] = list
	}
	return schema, nil
}

// convertSchemaRef converts an openapi3.SchemaRef into a JSON Schema map,
// keeping descriptions, defaults and validation constraints.
func (g *ToolGenerator) convertSchemaRef(log *slog.Logger, ref *openapi3.SchemaRef, depth int) map[string]any {
	out := map[string]any{}
	if ref == nil || ref.Value == nil {
		return out
	}
	if depth > maxSchemaDepth {
		log.Debug("Schema nesting too deep, leaving it unconstrained", slog.String("ref", ref.Ref))
		return out
	}
	schema := ref.Value

	if schema.Type != nil && len(*schema.Type) > 0 {
		types := []string(*schema.Type)
		if schema.Nullable {
			types = append(types, "null")
		}
		if len(types) == 1 {
			out["type"] = types[0]
		} else {
			list := make([]any, len(types))
			for i, t := range types {
				list[i] = t
			}
			out["type"] = list
		}
	} else if schema.Nullable {
		out["nullable"] = true
	}
	if schema.Format != "" {
		out["format"] = schema.Format
	}
	if schema.Description != "" {
		out["description"] = schema.Description
	}
	if schema.Default != nil {
		out["default"] = schema.Default
	}
	if len(schema.Enum) > 0 {
		out["enum"] = append([]any(nil), schema.Enum...)
	}

	if schema.Min != nil {
		out["minimum"] = *schema.Min
		if schema.ExclusiveMin {
			out["exclusiveMinimum"] = true
		}
	}
	if schema.Max != nil {
		out["maximum"] = *schema.Max
		if schema.ExclusiveMax {
			out["exclusiveMaximum"] = true
		}
	}
	if schema.MinLength > 0 {
		out["minLength"] = schema.MinLength
	}
	if schema.MaxLength != nil {
		out["maxLength"] = *schema.MaxLength
	}
	if schema.Pattern != "" {
		out["pattern"] = schema.Pattern
	}
	if schema.MinItems > 0 {
		out["minItems"] = schema.MinItems
	}
	if schema.MaxItems != nil {
		out["maxItems"] = *schema.MaxItems
	}
	if schema.UniqueItems {
		out["uniqueItems"] = true
	}

	if schema.Items != nil {
		out["items"] = g.convertSchemaRef(log, schema.Items, depth+1)
	}
	if len(schema.Properties) > 0 {
		props := make(map[string]any, len(schema.Properties))
		for name, propRef := range schema.Properties {
			props[name] = g.convertSchemaRef(log, propRef, depth+1)
		}
		out["properties"] = props
		if _, ok := out["type"]; !ok {
			out["type"] = "object"
		}
	}
	if len(schema.Required) > 0 {
		list := make([]any, len(schema.Required))
		for i, name := range schema.Required {
			list[i] = name
		}
		out["required"] = list
	}

	for key, members := range map[string]openapi3.SchemaRefs{"oneOf": schema.OneOf, "anyOf": schema.AnyOf} {
		if len(members) == 0 {
			continue
		}
		list := make([]any, 0, len(members))
		for _, m := range members {
			list = append(list, g.convertSchemaRef(log, m, depth+1))
		}
		out[key] = list
	}
	if len(schema.AllOf) > 0 {
		g.mergeAllOf(log, out, schema.AllOf, depth)
	}
	return out
}

// mergeAllOf folds the object members of an allOf into out.
func (g *ToolGenerator) mergeAllOf(log *slog.Logger, out map[string]any, members openapi3.SchemaRefs, depth int) {
	props, _ := out["properties"].(map[string]any)
	if props == nil {
		props = map[string]any{}
	}
	required, _ := out["required"].([]any)
	for _, m := range members {
		converted := g.convertSchemaRef(log, m, depth+1)
		if p, ok := converted["properties"].(map[string]any); ok {
			for name, v := range p {
				props[name] = v
			}
		}
		if r, ok := converted["required"].([]any); ok {
			required = append(required, r...)
		}
	}
	if len(props) > 0 {
		out["properties"] = props
		out["type"] = "object"
	}
	if len(required) > 0 {
		out["required"] = required
	}
}

func isObject(s *openapi3.Schema) bool {
	if s.Type != nil && s.Type.Is(openapi3.TypeObject) {
		return true
	}
	return (s.Type == nil || len(*s.Type) == 0) && len(s.Properties) > 0
}

func sortedKeys(m openapi3.Schemas) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// --- Helpers ---

// sanitizeName lower-cases a name and replaces characters unsuitable for
// tool identifiers with single underscores.
func sanitizeName(name string) string {
	name = strings.ToLower(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name = b.String()
	for strings.Contains(name, "__") {
		name = strings.ReplaceAll(name, "__", "_")
	}
	return strings.Trim(name, "_")
}

// uniqueStrings removes duplicate strings from a slice.
func uniqueStrings(input []string) []string {
	seen := make(map[string]struct{}, len(input))
	j := 0
	for _, v := range input {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		input[j] = v
		j++
	}
	return input[:j]
}
