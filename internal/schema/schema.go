// Package schema converts a JSON Schema into the typed interface text the
// sandboxed script sees, and a minimal signature for use on a function's
// declaration line. It rejects schemas whose node graph loops back on
// itself at registration time. $ref keywords are not followed: a node
// carrying only a $ref renders as any.
package schema

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// ErrCyclicSchema is returned when a schema's node graph (its Go pointers)
// contains a true cycle; the tool carrying it must not be registered.
type ErrCyclicSchema struct {
	Path string
}

func (e *ErrCyclicSchema) Error() string {
	return fmt.Sprintf("schema: cyclic $ref detected at %s", e.Path)
}

// Rendered holds the two outputs required for one schema: the inline
// type declaration text and the minimal type signature used in a function
// line (e.g. "{ a: number; b: number }" for the signature, with any named
// sub-types spelled out in Types).
type Rendered struct {
	// Signature is the minimal type expression usable directly in a
	// function's argument/return position.
	Signature string
	// Types holds zero or more named `type X = ...;` declarations that
	// Signature (or nested types within it) refer to. Empty when the
	// schema renders to an inline expression with no named sub-types.
	Types string
}

// Render walks a resolved schema tree and produces its Rendered form.
// typeName names the top-level `type <typeName> = <Signature>;`
// declaration appended to Types, so a caller rendering both a tool's
// input and output schema ends up with one named declaration for each
// (e.g. "AddInput"/"AddOutput") rather than only the inline Signature
// expression. An empty typeName (or a nil schema) produces no
// declaration — Types stays empty and only Signature is usable.
func Render(root *jsonschema.Schema, typeName string) (Rendered, error) {
	if root == nil {
		return Rendered{Signature: "any"}, nil
	}
	seen := make(map[*jsonschema.Schema]bool)
	path := make(map[*jsonschema.Schema]bool)
	var types []string
	sig, err := renderNode(root, typeName, seen, path, &types)
	if err != nil {
		return Rendered{}, err
	}
	if typeName != "" {
		types = append(types, fmt.Sprintf("type %s = %s;", typeName, sig))
	}
	return Rendered{Signature: sig, Types: strings.Join(types, "\n\n")}, nil
}

// renderNode renders one schema node to a TypeScript type expression,
// appending any named sub-declarations it needs to *types. path tracks
// the nodes currently being rendered on the call stack, for cycle
// rejection: revisiting a node already on path is a cycle. seen is
// threaded through the helpers but never read or written, so a node
// shared by several parents is rendered once per parent.
func renderNode(s *jsonschema.Schema, name string, seen, path map[*jsonschema.Schema]bool, types *[]string) (string, error) {
	if s == nil {
		return "any", nil
	}
	if path[s] {
		return "", &ErrCyclicSchema{Path: name}
	}
	path[s] = true
	defer delete(path, s)

	resolved := dereference(s)

	if len(resolved.Enum) > 0 {
		return renderEnum(resolved), nil
	}

	if len(resolved.OneOf) > 0 {
		return renderCombinator(resolved.OneOf, "|", name, seen, path, types)
	}
	if len(resolved.AnyOf) > 0 {
		return renderCombinator(resolved.AnyOf, "|", name, seen, path, types)
	}
	if len(resolved.AllOf) > 0 {
		return renderCombinator(resolved.AllOf, "&", name, seen, path, types)
	}

	typ := schemaType(resolved)
	switch typ {
	case "object":
		return renderObject(resolved, name, seen, path, types)
	case "array":
		return renderArray(resolved, name, seen, path, types)
	case "string":
		return withNullable(resolved, "string"), nil
	case "number", "integer":
		return withNullable(resolved, "number"), nil
	case "boolean":
		return withNullable(resolved, "boolean"), nil
	case "null":
		return "null", nil
	default:
		// Any other/unrecognized schema feature degrades to an opaque
		// any-typed value.
		return "any", nil
	}
}

// dereference returns s unchanged: no $ref is followed here, and Render's
// callers pass schemas without calling Schema.Resolve first, so a $ref
// node reaches the renderer as-is.
func dereference(s *jsonschema.Schema) *jsonschema.Schema {
	return s
}

func schemaType(s *jsonschema.Schema) string {
	switch t := any(s.Type).(type) {
	case string:
		if t != "" {
			return t
		}
	case []string:
		if len(t) > 0 {
			return t[0]
		}
	}
	if len(s.Types) > 0 {
		return s.Types[0]
	}
	if len(s.Properties) > 0 {
		return "object"
	}
	if s.Items != nil || len(s.PrefixItems) > 0 {
		return "array"
	}
	return ""
}

func withNullable(s *jsonschema.Schema, base string) string {
	if isNullable(s) {
		return base + " | null"
	}
	return base
}

func isNullable(s *jsonschema.Schema) bool {
	for _, t := range s.Types {
		if t == "null" {
			return true
		}
	}
	return false
}

func renderEnum(s *jsonschema.Schema) string {
	parts := make([]string, 0, len(s.Enum))
	for _, v := range s.Enum {
		parts = append(parts, literalFor(v))
	}
	return strings.Join(parts, " | ")
}

func literalFor(v any) string {
	switch t := v.(type) {
	case string:
		return strconv.Quote(t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%v", t)
	}
}

func renderCombinator(schemas []*jsonschema.Schema, op, name string, seen, path map[*jsonschema.Schema]bool, types *[]string) (string, error) {
	parts := make([]string, 0, len(schemas))
	for i, sub := range schemas {
		rendered, err := renderNode(sub, fmt.Sprintf("%s[%d]", name, i), seen, path, types)
		if err != nil {
			return "", err
		}
		parts = append(parts, "("+rendered+")")
	}
	return strings.Join(parts, " "+op+" "), nil
}

func renderArray(s *jsonschema.Schema, name string, seen, path map[*jsonschema.Schema]bool, types *[]string) (string, error) {
	if len(s.PrefixItems) > 0 {
		// Tuple: fixed-length prefixItems.
		parts := make([]string, 0, len(s.PrefixItems))
		for i, item := range s.PrefixItems {
			rendered, err := renderNode(item, fmt.Sprintf("%sItem%d", name, i), seen, path, types)
			if err != nil {
				return "", err
			}
			parts = append(parts, rendered)
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	}
	itemType, err := renderNode(s.Items, name+"Item", seen, path, types)
	if err != nil {
		return "", err
	}
	if strings.Contains(itemType, " ") {
		return "(" + itemType + ")[]", nil
	}
	return itemType + "[]", nil
}

func renderObject(s *jsonschema.Schema, name string, seen, path map[*jsonschema.Schema]bool, types *[]string) (string, error) {
	required := make(map[string]bool, len(s.Required))
	for _, r := range s.Required {
		required[r] = true
	}

	propNames := make([]string, 0, len(s.Properties))
	for p := range s.Properties {
		propNames = append(propNames, p)
	}
	sort.Strings(propNames)

	var b strings.Builder
	b.WriteString("{\n")
	for _, p := range propNames {
		prop := s.Properties[p]
		fieldType, err := renderNode(prop, name+pascalField(p), seen, path, types)
		if err != nil {
			return "", err
		}
		if prop != nil && prop.Description != "" {
			b.WriteString("  /** " + oneLine(prop.Description) + " */\n")
		}
		optional := ""
		propType := fieldType
		if !required[p] {
			optional = "?"
			propType = fieldType + " | null"
		}
		b.WriteString(fmt.Sprintf("  %s%s: %s;\n", quoteKeyIfNeeded(p), optional, propType))
	}

	indexLine := additionalPropertiesLine(s, name, seen, path, types)
	if indexLine != "" {
		b.WriteString("  " + indexLine + "\n")
	}
	b.WriteString("}")
	return b.String(), nil
}

// additionalPropertiesLine implements three-way rule:
// false -> omitted; an object schema -> an index signature over that
// schema; true or absent -> an any-typed index signature documented as
// "shape unknown".
func additionalPropertiesLine(s *jsonschema.Schema, name string, seen, path map[*jsonschema.Schema]bool, types *[]string) string {
	ap := s.AdditionalProperties
	switch v := any(ap).(type) {
	case nil:
		return "// [key: string]: any; (shape unknown)"
	case bool:
		if !v {
			return ""
		}
		return "// [key: string]: any; (shape unknown)"
	case *jsonschema.Schema:
		// jsonschema-go decodes the boolean schemas true and false as
		// {} and {not: {}} respectively.
		if v == nil || reflect.DeepEqual(v, &jsonschema.Schema{}) {
			return "// [key: string]: any; (shape unknown)"
		}
		if reflect.DeepEqual(v, &jsonschema.Schema{Not: &jsonschema.Schema{}}) {
			return ""
		}
		rendered, err := renderNode(v, name+"Extra", seen, path, types)
		if err != nil {
			return "// [key: string]: any; (shape unknown)"
		}
		return fmt.Sprintf("[key: string]: %s;", rendered)
	default:
		return "// [key: string]: any; (shape unknown)"
	}
}

func pascalField(name string) string {
	if name == "" {
		return ""
	}
	r := []rune(name)
	r[0] = []rune(strings.ToUpper(string(r[0])))[0]
	return string(r)
}

func quoteKeyIfNeeded(key string) string {
	for i, r := range key {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			continue
		}
		if i > 0 && r >= '0' && r <= '9' {
			continue
		}
		return strconv.Quote(key)
	}
	return key
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Docstring renders a description as a TSDoc-style comment block, or the
// empty string if description is blank.
func Docstring(description string) string {
	if strings.TrimSpace(description) == "" {
		return ""
	}
	lines := strings.Split(strings.TrimRight(description, "\n"), "\n")
	var b strings.Builder
	b.WriteString("/**\n")
	for _, l := range lines {
		b.WriteString(" * " + l + "\n")
	}
	b.WriteString(" */")
	return b.String()
}
