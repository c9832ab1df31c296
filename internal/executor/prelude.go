package executor

import (
	"fmt"
	"strings"

	"github.com/jonwraymond/codemode/internal/toolmodel"
)

// buildNamespaceBlock renders one ToolSet as a TypeScript namespace whose
// exported async functions call back into the sandbox's host ops: an
// MCP-backed tool's body calls callMCPTool for its server and tool, and
// every callback-backed tool's body calls the single invokeCallback op as
// invokeCallback("<Namespace>.<name>", args).
func buildNamespaceBlock(ts *toolmodel.ToolSet) string {
	var fns []string
	for _, tool := range ts.Tools() {
		fns = append(fns, fnImpl(ts.Namespace, tool))
	}
	return wrapNamespace(ts.Namespace, ts.Description, strings.Join(fns, "\n\n"))
}

func wrapNamespace(namespace, description, content string) string {
	doc := docstring(description)
	if doc != "" {
		doc += "\n"
	}
	return fmt.Sprintf("%snamespace %s {\n%s\n}", doc, namespace, indent(content))
}

func docstring(description string) string {
	if strings.TrimSpace(description) == "" {
		return ""
	}
	return "/** " + strings.Join(strings.Fields(description), " ") + " */"
}

func indent(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if l == "" {
			continue
		}
		lines[i] = "  " + l
	}
	return strings.Join(lines, "\n")
}

func fnImpl(namespace string, tool toolmodel.Tool) string {
	fnName := toolmodel.SanitizeFunctionName(tool.ID.Name)
	inputType := tool.InputTypeText
	if inputType == "" {
		inputType = "any"
	}
	outputType := tool.OutputTypeText
	if outputType == "" {
		outputType = "any"
	}

	sig := fmt.Sprintf("export async function %s(input: %s): Promise<%s>", fnName, inputType, outputType)

	var body string
	switch k := tool.Kind.(type) {
	case toolmodel.MCPToolKind:
		body = fmt.Sprintf("return await callMCPTool({ name: %s, tool: %s, arguments: input });",
			quote(k.ServerID), quote(tool.ID.Name))
	case toolmodel.CallbackToolKind:
		body = fmt.Sprintf("return await invokeCallback(%s, input);", quote(tool.ID.String()))
	default:
		body = "throw new Error(\"unreachable tool kind\");"
	}

	return fmt.Sprintf("%s {\n  %s\n}", sig, body)
}

func quote(s string) string {
	return "\"" + strings.ReplaceAll(strings.ReplaceAll(s, "\\", "\\\\"), "\"", "\\\"") + "\""
}

// BuildPrelude renders every ToolSet's namespace block, in registration
// order (stable ordering, matching the ToolSet slice order the facade
// hands in).
func BuildPrelude(toolSets []*toolmodel.ToolSet) string {
	var blocks []string
	for _, ts := range toolSets {
		if ts.Empty() {
			continue
		}
		blocks = append(blocks, buildNamespaceBlock(ts))
	}
	return strings.Join(blocks, "\n\n")
}
