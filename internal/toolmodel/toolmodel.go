// Package toolmodel holds the value types shared by every component that
// speaks about tools: FunctionID, ToolKind, Tool and ToolSet.
package toolmodel

import (
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// FunctionID uniquely identifies a callable: a namespace (the pascal-cased
// form of the tool source's name) and a name (preserved verbatim from
// registration).
type FunctionID struct {
	Namespace string
	Name      string
}

// String renders the canonical wire form "Namespace.name".
func (id FunctionID) String() string {
	return id.Namespace + "." + id.Name
}

// ParseFunctionID splits a canonical "Namespace.name" string back into its
// parts. The namespace is everything before the first dot; the name is
// everything after. A string with no dot is invalid.
func ParseFunctionID(s string) (FunctionID, error) {
	idx := strings.IndexByte(s, '.')
	if idx < 0 {
		return FunctionID{}, fmt.Errorf("toolmodel: %q is not a valid FunctionId (expected \"Namespace.name\")", s)
	}
	return FunctionID{Namespace: s[:idx], Name: s[idx+1:]}, nil
}

var (
	pascalCaser = cases.Title(language.Und)
)

// SanitizeNamespace converts an arbitrary source name (an MCP server name,
// a caller-chosen callback grouping) into the PascalCase namespace form
// FunctionID.Namespace requires.
func SanitizeNamespace(name string) string {
	words := splitWords(name)
	var b strings.Builder
	for _, w := range words {
		b.WriteString(pascalCaser.String(w))
	}
	if b.Len() == 0 {
		return "Tools"
	}
	return b.String()
}

// SanitizeFunctionName converts a tool's raw name into the camelCase form
// used for the generated function name (fn_name in the original codegen).
func SanitizeFunctionName(name string) string {
	words := splitWords(name)
	var b strings.Builder
	for i, w := range words {
		if i == 0 {
			b.WriteString(strings.ToLower(w))
			continue
		}
		b.WriteString(pascalCaser.String(w))
	}
	if b.Len() == 0 {
		return "fn"
	}
	return b.String()
}

// splitWords breaks a name on any run of non-alphanumeric characters, plus
// camelCase/PascalCase boundaries already present in the input, so that
// "list-tools", "list_tools", "ListTools" and "listTools" all produce the
// same word sequence.
func splitWords(name string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	runes := []rune(name)
	for i, r := range runes {
		switch {
		case r == '-' || r == '_' || r == ' ' || r == '.':
			flush()
		case i > 0 && isUpper(r) && !isUpper(runes[i-1]):
			flush()
			cur.WriteRune(r)
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return words
}

func isUpper(r rune) bool {
	return r >= 'A' && r <= 'Z'
}

// ToolKind distinguishes where a Tool's implementation lives. It is a
// closed interface implemented only by MCPToolKind and CallbackToolKind —
// Go has no native enum-with-payload, so an unexported marker method
// plays that role.
type ToolKind interface {
	isToolKind()
}

// MCPToolKind marks a tool backed by a named upstream MCP server.
type MCPToolKind struct {
	ServerID string
}

func (MCPToolKind) isToolKind() {}

// CallbackToolKind marks a tool backed by a registered async callback,
// whether native-in-process or session-bridged.
type CallbackToolKind struct{}

func (CallbackToolKind) isToolKind() {}

// Tool is one callable: its identity, optional description, schemas, and
// backing kind, plus the cached rendered type text for the generated
// interface (populated by package schema at registration time).
type Tool struct {
	ID              FunctionID
	Description     string
	InputSchema     *jsonschema.Schema
	OutputSchema    *jsonschema.Schema // nil if the tool declares no output schema
	Kind            ToolKind
	InputTypeText   string // rendered interface fragment for the input type
	OutputTypeText  string // rendered interface fragment for the output type, "any" if OutputSchema is nil
	ShortSignature  string // "fn_name(args: Input): Promise<Output>;"
	DetailedSource  string // named type declarations and doc comment, then "export async function fn_name(input: Input): Promise<Output>;"
}

// ToolSet is one namespace: an ordered list of Tool (registration order,
// used only for deterministic listing) with a name-uniqueness guard.
type ToolSet struct {
	Namespace   string
	Description string
	tools       []Tool
	names       map[string]int // tool name -> index into tools
}

// NewToolSet creates an empty namespace.
func NewToolSet(namespace, description string) *ToolSet {
	return &ToolSet{
		Namespace:   namespace,
		Description: description,
		names:       make(map[string]int),
	}
}

// Add appends a tool to the set. It fails if the set already contains a
// tool with the same name.
func (ts *ToolSet) Add(tool Tool) error {
	if _, exists := ts.names[tool.ID.Name]; exists {
		return fmt.Errorf("toolmodel: namespace %q already has a tool with name %q", ts.Namespace, tool.ID.Name)
	}
	ts.names[tool.ID.Name] = len(ts.tools)
	ts.tools = append(ts.tools, tool)
	return nil
}

// Replace overwrites an existing tool of the same name in place,
// preserving its registration-order position.
func (ts *ToolSet) Replace(tool Tool) {
	if idx, exists := ts.names[tool.ID.Name]; exists {
		ts.tools[idx] = tool
		return
	}
	ts.names[tool.ID.Name] = len(ts.tools)
	ts.tools = append(ts.tools, tool)
}

// Remove deletes a tool by name, if present.
func (ts *ToolSet) Remove(name string) {
	idx, exists := ts.names[name]
	if !exists {
		return
	}
	ts.tools = append(ts.tools[:idx], ts.tools[idx+1:]...)
	delete(ts.names, name)
	for n, i := range ts.names {
		if i > idx {
			ts.names[n] = i - 1
		}
	}
}

// Tools returns the ordered tool list. Callers must not mutate it.
func (ts *ToolSet) Tools() []Tool {
	return ts.tools
}

// Len reports how many tools the set holds.
func (ts *ToolSet) Len() int {
	return len(ts.tools)
}

// Empty reports whether the set has no tools.
func (ts *ToolSet) Empty() bool {
	return len(ts.tools) == 0
}
