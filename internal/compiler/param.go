package compiler

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/i2y/mcpgate/internal/domain"
)

// Kind is the semantic type of a compiled parameter.
type Kind string

const (
	KindString       Kind = "string"
	KindInteger      Kind = "integer"
	KindNumber       Kind = "number"
	KindBoolean      Kind = "boolean"
	KindArray        Kind = "array"
	KindObject       Kind = "object"
	KindUnion        Kind = "union"
	KindStringOrList Kind = "string_or_list"
	KindAny          Kind = "any"
)

// Category controls where a parameter is placed in an outbound HTTP request.
type Category string

const (
	CategoryHeader Category = "header"
	CategoryQuery  Category = "query"
	CategoryBody   Category = "body"
)

// dateTimePattern accepts ISO-8601 date-time values such as
// 2024-01-02T15:04:05Z, 2024-01-02T15:04:05.123+02:00 or 2024-01-02 15:04.
const dateTimePattern = `^\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}(?::\d{2}(?:\.\d+)?)?(?:Z|[+-]\d{2}:?\d{2})?$`

// Constraints holds the validation rules extracted from a property schema.
type Constraints struct {
	MinLength *int
	MaxLength *int
	// Patterns must all match. String enums and date-time formats compile to patterns.
	Patterns []string

	Minimum          *float64
	Maximum          *float64
	ExclusiveMinimum *float64
	ExclusiveMaximum *float64
	MultipleOf       *float64

	MinItems    *int
	MaxItems    *int
	UniqueItems bool

	// Enum restricts non-string values to a literal set.
	Enum []any

	compiled []*regexp.Regexp
}

// Param is one node of the parameter descriptor tree.
type Param struct {
	Name        string
	Description string
	Kind        Kind
	Category    Category
	Required    bool
	Nullable    bool
	Default     any
	HasDefault  bool
	Constraints Constraints

	// Items describes array elements (and the elements of a string list).
	Items *Param
	// Fields describes the properties of a structured object; nil means a free-form map.
	Fields []*Param
	// Variants are the members of a tagged union, tried in order.
	Variants []*Param

	schema map[string]any
}

// Schema returns the property's original JSON Schema fragment.
func (p *Param) Schema() map[string]any {
	return p.schema
}

type compileCtx struct {
	tool string
}

func (c *compileCtx) fail(path, format string, args ...any) error {
	return &domain.CompileError{Tool: c.tool, Field: path, Reason: fmt.Sprintf(format, args...)}
}

// compileObjectFields compiles a properties map into parameters,
// ordered required first then by name.
func (c *compileCtx) compileObjectFields(path string, props map[string]any, required []string, topLevel bool) ([]*Param, error) {
	req := make(map[string]bool, len(required))
	for _, name := range required {
		req[name] = true
	}
	for name := range req {
		if _, ok := props[name]; !ok {
			return nil, c.fail(joinPath(path, name), "listed as required but not declared in properties")
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if req[names[i]] != req[names[j]] {
			return req[names[i]]
		}
		return names[i] < names[j]
	})

	params := make([]*Param, 0, len(names))
	for _, name := range names {
		raw, ok := props[name].(map[string]any)
		if !ok {
			if props[name] == nil || props[name] == true {
				raw = map[string]any{}
			} else {
				return nil, c.fail(joinPath(path, name), "property schema must be an object")
			}
		}
		p, err := c.compileParam(joinPath(path, name), name, raw, req[name], topLevel)
		if err != nil {
			return nil, err
		}
		params = append(params, p)
	}
	return params, nil
}

func (c *compileCtx) compileParam(path, name string, raw map[string]any, required, topLevel bool) (*Param, error) {
	p := &Param{
		Name:     name,
		Required: required,
		Category: CategoryBody,
		schema:   raw,
	}
	p.Description, _ = raw["description"].(string)

	if topLevel {
		if v, ok := raw["x-category"]; ok {
			cat, err := parseCategory(v)
			if err != nil {
				return nil, c.fail(path, "%v", err)
			}
			p.Category = cat
		}
	}

	nullable, err := c.resolveKind(path, p, raw)
	if err != nil {
		return nil, err
	}
	if b, ok := raw["nullable"].(bool); ok && b {
		nullable = true
	}

	if def, ok := raw["default"]; ok {
		p.Default = def
		p.HasDefault = true
	}
	switch {
	case required:
		p.Nullable = nullable
	case p.HasDefault:
		p.Nullable = nullable || p.Default == nil
	default:
		p.Nullable = true
	}

	if p.HasDefault && p.Default != nil {
		var issues []domain.FieldIssue
		if _, ok := validateValue(p, p.Default, path, &issues); !ok {
			return nil, c.fail(path, "default %v violates the schema: %s", p.Default, issues[0].Message)
		}
	}
	return p, nil
}

// resolveKind fills the kind-specific parts of p and reports whether the
// schema itself admits null.
func (c *compileCtx) resolveKind(path string, p *Param, raw map[string]any) (bool, error) {
	for _, key := range []string{"oneOf", "anyOf"} {
		members, ok := raw[key]
		if !ok {
			continue
		}
		list, ok := members.([]any)
		if !ok || len(list) == 0 {
			return false, c.fail(path, "%s must be a non-empty list", key)
		}
		return c.compileUnion(path, p, list)
	}

	types, nullable, err := c.schemaTypes(path, raw)
	if err != nil {
		return false, err
	}
	switch len(types) {
	case 0:
		p.Kind = KindAny
		return true, nil
	case 1:
		if err := c.compileTyped(path, p, types[0], raw); err != nil {
			return false, err
		}
		return nullable, nil
	default:
		members := make([]any, 0, len(types))
		for _, t := range types {
			member := copyMap(raw)
			member["type"] = t
			delete(member, "default")
			members = append(members, member)
		}
		_, err := c.compileUnion(path, p, members)
		return nullable, err
	}
}

// schemaTypes returns the declared non-null types of a schema, inferring
// one from structural keywords when "type" is absent.
func (c *compileCtx) schemaTypes(path string, raw map[string]any) ([]string, bool, error) {
	var types []string
	nullable := false
	switch t := raw["type"].(type) {
	case nil:
		switch {
		case raw["properties"] != nil:
			types = []string{"object"}
		case raw["items"] != nil:
			types = []string{"array"}
		case raw["enum"] != nil:
			if allStrings(raw["enum"]) {
				types = []string{"string"}
			}
		}
	case string:
		types = []string{t}
	case []any:
		for _, v := range t {
			s, ok := v.(string)
			if !ok {
				return nil, false, c.fail(path, "type list must contain strings")
			}
			types = append(types, s)
		}
	default:
		return nil, false, c.fail(path, "type must be a string or a list of strings")
	}

	out := types[:0]
	for _, t := range types {
		if t == "null" {
			nullable = true
			continue
		}
		out = append(out, t)
	}
	return out, nullable, nil
}

func (c *compileCtx) compileUnion(path string, p *Param, members []any) (bool, error) {
	nullable := false
	schemas := make([]map[string]any, 0, len(members))
	for i, m := range members {
		ms, ok := m.(map[string]any)
		if !ok {
			return false, c.fail(fmt.Sprintf("%s[%d]", path, i), "union member must be an object")
		}
		if t, _ := ms["type"].(string); t == "null" {
			nullable = true
			continue
		}
		schemas = append(schemas, ms)
	}

	if isStringOrList(schemas) {
		p.Kind = KindStringOrList
		str := schemas[0]
		if str["type"] != "string" {
			str = schemas[1]
		}
		item := &Param{Name: p.Name, Kind: KindString, Category: p.Category, schema: str}
		if err := c.compileTyped(path, item, "string", str); err != nil {
			return false, err
		}
		p.Items = item
		return nullable, nil
	}

	if len(schemas) == 1 {
		return c.resolveKindNested(path, p, schemas[0], nullable)
	}

	p.Kind = KindUnion
	for i, ms := range schemas {
		variant, err := c.compileParam(fmt.Sprintf("%s[%d]", path, i), p.Name, ms, true, false)
		if err != nil {
			return false, err
		}
		variant.Category = p.Category
		p.Variants = append(p.Variants, variant)
	}
	return nullable, nil
}

func (c *compileCtx) resolveKindNested(path string, p *Param, raw map[string]any, nullable bool) (bool, error) {
	n, err := c.resolveKind(path, p, raw)
	return n || nullable, err
}

// isStringOrList detects the {string} | {array of string} idiom.
func isStringOrList(schemas []map[string]any) bool {
	if len(schemas) != 2 {
		return false
	}
	var hasString, hasList bool
	for _, s := range schemas {
		switch s["type"] {
		case "string":
			hasString = true
		case "array":
			items, _ := s["items"].(map[string]any)
			if items != nil && items["type"] == "string" {
				hasList = true
			}
		}
	}
	return hasString && hasList
}

func (c *compileCtx) compileTyped(path string, p *Param, typ string, raw map[string]any) error {
	switch typ {
	case "string":
		p.Kind = KindString
		return c.stringConstraints(path, p, raw)
	case "integer":
		p.Kind = KindInteger
		return c.numberConstraints(path, p, raw)
	case "number":
		p.Kind = KindNumber
		return c.numberConstraints(path, p, raw)
	case "boolean":
		p.Kind = KindBoolean
		return c.enumConstraint(path, p, raw)
	case "array":
		p.Kind = KindArray
		if items, ok := raw["items"].(map[string]any); ok {
			item, err := c.compileParam(path+"[]", p.Name, items, true, false)
			if err != nil {
				return err
			}
			item.Category = p.Category
			p.Items = item
		} else {
			p.Items = &Param{Name: p.Name, Kind: KindAny, Nullable: true, Category: p.Category}
		}
		return c.arrayConstraints(path, p, raw)
	case "object":
		p.Kind = KindObject
		props, ok := raw["properties"].(map[string]any)
		if !ok {
			if req := stringList(raw["required"]); len(req) > 0 {
				return c.fail(joinPath(path, req[0]), "listed as required but not declared in properties")
			}
			return nil
		}
		fields, err := c.compileObjectFields(path, props, stringList(raw["required"]), false)
		if err != nil {
			return err
		}
		if fields == nil {
			fields = []*Param{}
		}
		p.Fields = fields
		return nil
	default:
		return c.fail(path, "unsupported type %q", typ)
	}
}

func (c *compileCtx) stringConstraints(path string, p *Param, raw map[string]any) error {
	cons := &p.Constraints
	var err error
	if cons.MinLength, err = nonNegativeInt(raw, "minLength"); err != nil {
		return c.fail(path, "%v", err)
	}
	if cons.MaxLength, err = nonNegativeInt(raw, "maxLength"); err != nil {
		return c.fail(path, "%v", err)
	}
	if cons.MinLength != nil && cons.MaxLength != nil && *cons.MinLength > *cons.MaxLength {
		return c.fail(path, "minLength %d exceeds maxLength %d", *cons.MinLength, *cons.MaxLength)
	}
	if v, ok := raw["pattern"]; ok {
		s, ok := v.(string)
		if !ok {
			return c.fail(path, "pattern must be a string")
		}
		cons.Patterns = append(cons.Patterns, s)
	}
	if v, ok := raw["enum"]; ok {
		values, ok := v.([]any)
		if !ok || len(values) == 0 {
			return c.fail(path, "enum must be a non-empty list")
		}
		if !allStrings(values) {
			return c.fail(path, "enum of a string field must only contain strings")
		}
		quoted := make([]string, 0, len(values))
		for _, s := range values {
			quoted = append(quoted, regexp.QuoteMeta(s.(string)))
		}
		cons.Patterns = append(cons.Patterns, "^(?:"+strings.Join(quoted, "|")+")$")
	}
	if f, _ := raw["format"].(string); f == "date-time" {
		cons.Patterns = append(cons.Patterns, dateTimePattern)
	}
	for _, pattern := range cons.Patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return c.fail(path, "invalid pattern %q: %v", pattern, err)
		}
		cons.compiled = append(cons.compiled, re)
	}
	return nil
}

func (c *compileCtx) numberConstraints(path string, p *Param, raw map[string]any) error {
	cons := &p.Constraints
	var err error
	if cons.Minimum, err = optionalFloat(raw, "minimum"); err != nil {
		return c.fail(path, "%v", err)
	}
	if cons.Maximum, err = optionalFloat(raw, "maximum"); err != nil {
		return c.fail(path, "%v", err)
	}
	// Draft 4 spells exclusive bounds as booleans modifying minimum/maximum.
	if b, ok := raw["exclusiveMinimum"].(bool); ok {
		if b && cons.Minimum != nil {
			cons.ExclusiveMinimum, cons.Minimum = cons.Minimum, nil
		}
	} else if cons.ExclusiveMinimum, err = optionalFloat(raw, "exclusiveMinimum"); err != nil {
		return c.fail(path, "%v", err)
	}
	if b, ok := raw["exclusiveMaximum"].(bool); ok {
		if b && cons.Maximum != nil {
			cons.ExclusiveMaximum, cons.Maximum = cons.Maximum, nil
		}
	} else if cons.ExclusiveMaximum, err = optionalFloat(raw, "exclusiveMaximum"); err != nil {
		return c.fail(path, "%v", err)
	}
	if cons.MultipleOf, err = optionalFloat(raw, "multipleOf"); err != nil {
		return c.fail(path, "%v", err)
	}
	if cons.MultipleOf != nil && *cons.MultipleOf <= 0 {
		return c.fail(path, "multipleOf must be greater than 0")
	}

	lower, lowerExcl := bound(cons.Minimum, cons.ExclusiveMinimum, true)
	upper, upperExcl := bound(cons.Maximum, cons.ExclusiveMaximum, false)
	if lower != nil && upper != nil {
		if *lower > *upper || (*lower == *upper && (lowerExcl || upperExcl)) {
			return c.fail(path, "lower bound %v is not below upper bound %v", *lower, *upper)
		}
	}
	return c.enumConstraint(path, p, raw)
}

func (c *compileCtx) arrayConstraints(path string, p *Param, raw map[string]any) error {
	cons := &p.Constraints
	var err error
	if cons.MinItems, err = nonNegativeInt(raw, "minItems"); err != nil {
		return c.fail(path, "%v", err)
	}
	if cons.MaxItems, err = nonNegativeInt(raw, "maxItems"); err != nil {
		return c.fail(path, "%v", err)
	}
	if cons.MinItems != nil && cons.MaxItems != nil && *cons.MinItems > *cons.MaxItems {
		return c.fail(path, "minItems %d exceeds maxItems %d", *cons.MinItems, *cons.MaxItems)
	}
	if v, ok := raw["uniqueItems"]; ok {
		b, ok := v.(bool)
		if !ok {
			return c.fail(path, "uniqueItems must be a boolean")
		}
		cons.UniqueItems = b
	}
	return nil
}

func (c *compileCtx) enumConstraint(path string, p *Param, raw map[string]any) error {
	v, ok := raw["enum"]
	if !ok {
		return nil
	}
	values, ok := v.([]any)
	if !ok || len(values) == 0 {
		return c.fail(path, "enum must be a non-empty list")
	}
	p.Constraints.Enum = values
	return nil
}

// bound picks the tighter of an inclusive and an exclusive bound.
func bound(inclusive, exclusive *float64, lower bool) (*float64, bool) {
	switch {
	case inclusive == nil:
		return exclusive, exclusive != nil
	case exclusive == nil:
		return inclusive, false
	case lower && *exclusive >= *inclusive, !lower && *exclusive <= *inclusive:
		return exclusive, true
	default:
		return inclusive, false
	}
}

func parseCategory(v any) (Category, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("x-category must be a string")
	}
	switch strings.ToLower(s) {
	case "header", "headers":
		return CategoryHeader, nil
	case "query", "parameters":
		return CategoryQuery, nil
	case "body", "":
		return CategoryBody, nil
	default:
		return "", fmt.Errorf("unknown x-category %q", s)
	}
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}
