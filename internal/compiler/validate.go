package compiler

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/i2y/mcpgate/internal/domain"
)

// Call is a validated invocation partitioned by category.
type Call struct {
	Tool string
	// Args holds every validated argument, defaults applied and nil optionals omitted.
	Args    map[string]any
	Headers map[string]string
	Query   map[string]any
	Body    map[string]any
}

// Prepare validates args against the tool's parameters, applies defaults and
// partitions the result by category. Unknown arguments are ignored.
// Every violation is reported in a single *domain.ValidationError.
func (t *Tool) Prepare(args map[string]any) (*Call, error) {
	var issues []domain.FieldIssue
	call := &Call{
		Tool:    t.name,
		Args:    make(map[string]any, len(t.params)),
		Headers: make(map[string]string),
		Query:   make(map[string]any),
		Body:    make(map[string]any),
	}

	resolved := resolveFields(t.params, args, "", &issues)
	if len(issues) > 0 {
		return nil, &domain.ValidationError{Tool: t.name, Issues: issues}
	}

	for _, p := range t.params {
		v, ok := resolved[p.Name]
		if !ok {
			continue
		}
		call.Args[p.Name] = v
		switch p.Category {
		case CategoryHeader:
			call.Headers[p.Name] = headerValue(v)
		case CategoryQuery:
			call.Query[p.Name] = v
		default:
			call.Body[p.Name] = v
		}
	}
	return call, nil
}

// resolveFields validates an object's fields. Missing required fields are
// reported, missing optional fields take their default, and nil values of
// nullable fields are dropped.
func resolveFields(fields []*Param, args map[string]any, path string, issues *[]domain.FieldIssue) map[string]any {
	out := make(map[string]any, len(fields))
	for _, p := range fields {
		fieldPath := joinPath(path, p.Name)
		v, present := args[p.Name]
		if !present {
			switch {
			case p.Required:
				*issues = append(*issues, domain.FieldIssue{Path: fieldPath, Message: "field required"})
			case p.HasDefault && p.Default != nil:
				out[p.Name] = cloneValue(p.Default)
			}
			continue
		}
		validated, ok := validateValue(p, v, fieldPath, issues)
		if ok && validated != nil {
			out[p.Name] = validated
		}
	}
	return out
}

func validateValue(p *Param, v any, path string, issues *[]domain.FieldIssue) (any, bool) {
	fail := func(format string, args ...any) (any, bool) {
		*issues = append(*issues, domain.FieldIssue{Path: path, Message: fmt.Sprintf(format, args...)})
		return nil, false
	}

	if v == nil {
		if p.Nullable || p.Kind == KindAny {
			return nil, true
		}
		return fail("must not be null")
	}

	switch p.Kind {
	case KindAny:
		return v, true

	case KindString:
		s, ok := v.(string)
		if !ok {
			return fail("expected string, got %s", typeName(v))
		}
		if msg := checkString(&p.Constraints, s); msg != "" {
			return fail("%s", msg)
		}
		return s, true

	case KindInteger:
		n, ok := toInt(v)
		if !ok {
			return fail("expected integer, got %s", typeName(v))
		}
		if msg := checkNumber(&p.Constraints, float64(n)); msg != "" {
			return fail("%s", msg)
		}
		if !inEnum(p.Constraints.Enum, n) {
			return fail("value %d is not one of %v", n, p.Constraints.Enum)
		}
		return n, true

	case KindNumber:
		f, ok := toFloat(v)
		if !ok {
			return fail("expected number, got %s", typeName(v))
		}
		if msg := checkNumber(&p.Constraints, f); msg != "" {
			return fail("%s", msg)
		}
		if !inEnum(p.Constraints.Enum, f) {
			return fail("value %v is not one of %v", f, p.Constraints.Enum)
		}
		return f, true

	case KindBoolean:
		b, ok := v.(bool)
		if !ok {
			return fail("expected boolean, got %s", typeName(v))
		}
		if !inEnum(p.Constraints.Enum, b) {
			return fail("value %v is not one of %v", b, p.Constraints.Enum)
		}
		return b, true

	case KindArray:
		items, ok := toSlice(v)
		if !ok {
			return fail("expected array, got %s", typeName(v))
		}
		cons := &p.Constraints
		if cons.MinItems != nil && len(items) < *cons.MinItems {
			return fail("must contain at least %d items", *cons.MinItems)
		}
		if cons.MaxItems != nil && len(items) > *cons.MaxItems {
			return fail("must contain at most %d items", *cons.MaxItems)
		}
		out := make([]any, 0, len(items))
		valid := true
		for i, item := range items {
			iv, ok := validateValue(p.Items, item, fmt.Sprintf("%s[%d]", path, i), issues)
			if !ok {
				valid = false
				continue
			}
			out = append(out, iv)
		}
		if !valid {
			return nil, false
		}
		if cons.UniqueItems {
			if i, dup := firstDuplicate(out); dup {
				return fail("items must be unique, item %d repeats an earlier one", i)
			}
		}
		return out, true

	case KindObject:
		m, ok := v.(map[string]any)
		if !ok {
			return fail("expected object, got %s", typeName(v))
		}
		if p.Fields == nil {
			return m, true
		}
		before := len(*issues)
		out := resolveFields(p.Fields, m, path, issues)
		return out, len(*issues) == before

	case KindStringOrList:
		if s, ok := v.(string); ok {
			if msg := checkString(&p.Items.Constraints, s); msg != "" {
				return fail("%s", msg)
			}
			return s, true
		}
		items, ok := toSlice(v)
		if !ok {
			return fail("expected string or list of strings, got %s", typeName(v))
		}
		out := make([]any, 0, len(items))
		valid := true
		for i, item := range items {
			iv, ok := validateValue(p.Items, item, fmt.Sprintf("%s[%d]", path, i), issues)
			if !ok {
				valid = false
				continue
			}
			out = append(out, iv)
		}
		return out, valid

	case KindUnion:
		for _, variant := range p.Variants {
			var scratch []domain.FieldIssue
			if out, ok := validateValue(variant, v, path, &scratch); ok {
				return out, true
			}
		}
		kinds := make([]string, 0, len(p.Variants))
		for _, variant := range p.Variants {
			kinds = append(kinds, string(variant.Kind))
		}
		return fail("does not match any of: %s", strings.Join(kinds, ", "))
	}
	return fail("unsupported kind %q", p.Kind)
}

func checkString(c *Constraints, s string) string {
	n := utf8.RuneCountInString(s)
	if c.MinLength != nil && n < *c.MinLength {
		return fmt.Sprintf("length must be at least %d", *c.MinLength)
	}
	if c.MaxLength != nil && n > *c.MaxLength {
		return fmt.Sprintf("length must be at most %d", *c.MaxLength)
	}
	for i, re := range c.compiled {
		if !re.MatchString(s) {
			return fmt.Sprintf("does not match pattern %s", c.Patterns[i])
		}
	}
	return ""
}

func checkNumber(c *Constraints, f float64) string {
	switch {
	case c.Minimum != nil && f < *c.Minimum:
		return fmt.Sprintf("must be >= %v", *c.Minimum)
	case c.Maximum != nil && f > *c.Maximum:
		return fmt.Sprintf("must be <= %v", *c.Maximum)
	case c.ExclusiveMinimum != nil && f <= *c.ExclusiveMinimum:
		return fmt.Sprintf("must be > %v", *c.ExclusiveMinimum)
	case c.ExclusiveMaximum != nil && f >= *c.ExclusiveMaximum:
		return fmt.Sprintf("must be < %v", *c.ExclusiveMaximum)
	}
	if c.MultipleOf != nil {
		q := f / *c.MultipleOf
		if math.Abs(q-math.Round(q)) > 1e-9 {
			return fmt.Sprintf("must be a multiple of %v", *c.MultipleOf)
		}
	}
	return ""
}

func inEnum(enum []any, v any) bool {
	if len(enum) == 0 {
		return true
	}
	for _, e := range enum {
		switch want := v.(type) {
		case int64:
			if f, ok := toFloat(e); ok && f == float64(want) {
				return true
			}
		case float64:
			if f, ok := toFloat(e); ok && f == want {
				return true
			}
		default:
			if e == v {
				return true
			}
		}
	}
	return false
}

// toInt accepts Go integers, integral floats and json.Number. Booleans and
// strings are rejected.
func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float32:
		return toInt(float64(n))
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || n >= math.MaxInt64 || n < math.MinInt64 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return toInt(f)
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case bool, string:
		return 0, false
	}
	if i, ok := toInt(v); ok {
		return float64(i), true
	}
	return 0, false
}

func toSlice(v any) ([]any, bool) {
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func firstDuplicate(items []any) (int, bool) {
	seen := make(map[string]struct{}, len(items))
	for i, item := range items {
		key, err := json.Marshal(item)
		if err != nil {
			key = []byte(fmt.Sprintf("%#v", item))
		}
		if _, ok := seen[string(key)]; ok {
			return i, true
		}
		seen[string(key)] = struct{}{}
	}
	return 0, false
}

func headerValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case []any:
		parts := make([]string, 0, len(x))
		for _, item := range x {
			parts = append(parts, headerValue(item))
		}
		return strings.Join(parts, ",")
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

func typeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	if _, ok := toInt(v); ok {
		return "integer"
	}
	if _, ok := toFloat(v); ok {
		return "number"
	}
	return fmt.Sprintf("%T", v)
}
