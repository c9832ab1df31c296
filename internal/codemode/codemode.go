// Package codemode is the Code-Mode Facade: it aggregates
// the tool model, schema codegen, MCP client adapter, callback registry
// and executor into the six public operations a session or MCP surface
// calls, and manages the lifecycle of MCP connections.
//
// Generalized from a facade-over-subsystems shape (RunTool/RunChain/
// SearchTools in spirit) to this engine's own AddCallback/AddServer/
// AddServers/ListFunctions/GetFunctionDetails/Execute surface, with each
// operation's exact semantics (duplicate rejection messages, the
// empty-match placeholder, URL/command-based toolset description)
// fixed by what its own tests pin down.
package codemode

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"go.uber.org/zap"

	"github.com/jonwraymond/codemode/internal/callback"
	"github.com/jonwraymond/codemode/internal/executor"
	"github.com/jonwraymond/codemode/internal/mcpclient"
	"github.com/jonwraymond/codemode/internal/schema"
	"github.com/jonwraymond/codemode/internal/toolmodel"
)

// DuplicateToolError is returned when a registration would collide with
// an existing FunctionID or namespace.
type DuplicateToolError struct {
	Namespace string
	Name      string
}

func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("codemode: namespace %q already has a tool with name %q", e.Namespace, e.Name)
}

// SchemaInvalidError wraps a schema rejected at registration.
type SchemaInvalidError struct {
	Err error
}

func (e *SchemaInvalidError) Error() string { return "codemode: schema invalid: " + e.Err.Error() }
func (e *SchemaInvalidError) Unwrap() error { return e.Err }

// Facade is the Code-Mode Facade: it owns the ToolSet list, the set of
// MCP connections, and a default CallbackEntry table.
type Facade struct {
	logger *zap.Logger
	mcp    *mcpclient.Manager
	cb     *callback.Registry

	mu       sync.RWMutex
	toolSets map[string]*toolmodel.ToolSet // namespace -> set
	order    []string                      // namespace registration order
	conns    map[string]*mcpclient.Connection
}

// New creates an empty facade. implName/implVersion identify this engine
// during MCP handshakes.
func New(implName, implVersion string, logger *zap.Logger) *Facade {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Facade{
		logger:   logger,
		mcp:      mcpclient.NewManager(implName, implVersion, logger),
		cb:       callback.New(),
		toolSets: make(map[string]*toolmodel.ToolSet),
		conns:    make(map[string]*mcpclient.Connection),
	}
}

// AddCallback registers a callback-backed tool under its namespace,
// failing if the (namespace, name) pair is already taken or the schema
// cannot be rendered.
func (f *Facade) AddCallback(id toolmodel.FunctionID, inputSchema, outputSchema *jsonschema.Schema, description string, fn callback.Func) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	ts, ok := f.toolSets[id.Namespace]
	if !ok {
		ts = toolmodel.NewToolSet(id.Namespace, "")
		f.toolSets[id.Namespace] = ts
		f.order = append(f.order, id.Namespace)
	}

	tool, err := buildTool(id, toolmodel.CallbackToolKind{}, description, inputSchema, outputSchema)
	if err != nil {
		return &SchemaInvalidError{Err: err}
	}
	if err := ts.Add(tool); err != nil {
		return &DuplicateToolError{Namespace: id.Namespace, Name: id.Name}
	}
	if err := f.cb.Add(id, fn); err != nil {
		ts.Remove(id.Name)
		return &DuplicateToolError{Namespace: id.Namespace, Name: id.Name}
	}
	return nil
}

// RemoveCallback deregisters a callback-backed tool, removing it from both
// its ToolSet and the callback registry. Used when a session-bridged
// client that registered it disconnects.
func (f *Facade) RemoveCallback(id toolmodel.FunctionID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ts, ok := f.toolSets[id.Namespace]; ok {
		ts.Remove(id.Name)
	}
	f.cb.Remove(id)
}

// AddServer connects one upstream MCP server and, on success, registers
// every tool it advertises under a PascalCase namespace derived from its
// name. AddServer blocks until the connect attempt finishes; the attempt
// may fail, leaving the connection in a Failed state. AddServer never
// returns an error for
// a failed upstream, since initialization never panics the
// host and a Failed connection simply contributes no tools. It returns
// an error only for a namespace collision with an already-configured
// server, mirroring the original's add_server duplicate-namespace
// rejection.
func (f *Facade) AddServer(ctx context.Context, spec mcpclient.ServerSpec) (*mcpclient.Connection, error) {
	namespace := toolmodel.SanitizeNamespace(spec.Name)

	f.mu.Lock()
	if _, exists := f.conns[namespace]; exists {
		f.mu.Unlock()
		return nil, fmt.Errorf("codemode: server namespace %q is already configured", namespace)
	}
	f.mu.Unlock()

	conn := f.mcp.Connect(ctx, spec)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns[namespace] = conn

	if conn.State() != mcpclient.Ready {
		f.logger.Warn("mcp upstream unavailable", zap.String("server", spec.Name), zap.Error(conn.FailureReason()))
		return conn, nil
	}

	ts := toolmodel.NewToolSet(namespace, serverDescription(conn))
	for _, t := range conn.Tools() {
		tool, err := buildTool(
			toolmodel.FunctionID{Namespace: namespace, Name: t.Name},
			toolmodel.MCPToolKind{ServerID: spec.Name},
			t.Description,
			schemaFrom(t.InputSchema),
			schemaFrom(t.OutputSchema),
		)
		if err != nil {
			f.logger.Warn("skipping tool with invalid schema", zap.String("server", spec.Name), zap.String("tool", t.Name), zap.Error(err))
			continue
		}
		_ = ts.Add(tool)
	}
	f.toolSets[namespace] = ts
	f.order = append(f.order, namespace)
	return conn, nil
}

// AddServers connects multiple upstreams in parallel with a bounded
// overall deadline, returning one Connection per spec in input order.
func (f *Facade) AddServers(ctx context.Context, specs []mcpclient.ServerSpec, deadline time.Duration) []*mcpclient.Connection {
	conns := f.mcp.ConnectAll(ctx, specs, deadline)
	for i, conn := range conns {
		namespace := toolmodel.SanitizeNamespace(specs[i].Name)
		f.mu.Lock()
		f.conns[namespace] = conn
		if conn.State() == mcpclient.Ready {
			ts := toolmodel.NewToolSet(namespace, serverDescription(conn))
			for _, t := range conn.Tools() {
				tool, err := buildTool(
					toolmodel.FunctionID{Namespace: namespace, Name: t.Name},
					toolmodel.MCPToolKind{ServerID: specs[i].Name},
					t.Description,
					schemaFrom(t.InputSchema),
					schemaFrom(t.OutputSchema),
				)
				if err == nil {
					_ = ts.Add(tool)
				}
			}
			f.toolSets[namespace] = ts
			f.order = append(f.order, namespace)
		} else {
			f.logger.Warn("mcp upstream unavailable", zap.String("server", specs[i].Name), zap.Error(conn.FailureReason()))
		}
		f.mu.Unlock()
	}
	return conns
}

// ListFunctions returns one entry per tool, grouped by namespace, plus
// the short-signature declarations. Failed upstreams are
// omitted entirely.
func (f *Facade) ListFunctions() (entries []FunctionEntry, code string) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var blocks []string
	for _, ns := range f.order {
		ts := f.toolSets[ns]
		if ts == nil || ts.Empty() {
			continue
		}
		var sigs []string
		for _, t := range ts.Tools() {
			entries = append(entries, FunctionEntry{ID: t.ID, Description: t.Description})
			sigs = append(sigs, t.ShortSignature)
		}
		blocks = append(blocks, wrapDecl(ts.Namespace, ts.Description, strings.Join(sigs, "\n\n")))
	}
	return entries, strings.Join(blocks, "\n\n")
}

// FunctionEntry is one (FunctionId, description) pair in a
// ListFunctions response.
type FunctionEntry struct {
	ID          toolmodel.FunctionID
	Description string
}

// GetFunctionDetails returns the detailed declarations for exactly the
// requested FunctionIds, grouped by namespace. When no
// requested id matches any known namespace/function, it returns a
// fixed placeholder comment rather than an empty string (SPEC_FULL.md,
// supplemental feature #3).
func (f *Facade) GetFunctionDetails(ids []toolmodel.FunctionID) (code string) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	wanted := make(map[string]map[string]bool)
	for _, id := range ids {
		if wanted[id.Namespace] == nil {
			wanted[id.Namespace] = make(map[string]bool)
		}
		wanted[id.Namespace][id.Name] = true
	}

	var blocks []string
	for _, ns := range f.order {
		names, ok := wanted[ns]
		if !ok {
			continue
		}
		ts := f.toolSets[ns]
		if ts == nil {
			continue
		}
		var decls []string
		for _, t := range ts.Tools() {
			if names[t.ID.Name] {
				decls = append(decls, t.DetailedSource)
			}
		}
		if len(decls) == 0 {
			continue
		}
		blocks = append(blocks, wrapDecl(ts.Namespace, ts.Description, strings.Join(decls, "\n\n")))
	}
	if len(blocks) == 0 {
		return "// No namespaces/functions match the request"
	}
	return strings.Join(blocks, "\n\n")
}

// Execute builds an immutable snapshot of the current registry and runs
// the script through internal/executor. An
// execute never aborts because some upstream is Failed — only Ready
// ToolSets and their tools are visible in the snapshot. When req.Overlay
// is non-empty it narrows which callback-backed tools are visible for
// this one call (see snapshot/filterCallbackTools); MCP-backed tools are
// never affected by it.
func (f *Facade) Execute(ctx context.Context, req toolmodel.ExecuteRequest) toolmodel.ExecuteOutput {
	snap := f.snapshot(req.Overlay)
	return executor.Execute(ctx, snap, req.Code)
}

func (f *Facade) snapshot(overlay []toolmodel.FunctionID) executor.Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var only map[string]bool
	if len(overlay) > 0 {
		only = make(map[string]bool, len(overlay))
		for _, id := range overlay {
			only[id.String()] = true
		}
	}

	sets := make([]*toolmodel.ToolSet, 0, len(f.order))
	for _, ns := range f.order {
		ts := f.toolSets[ns]
		if ts == nil || ts.Empty() {
			continue
		}
		if filtered := filterCallbackTools(ts, only); filtered != nil {
			sets = append(sets, filtered)
		}
	}

	allowed := make(map[string]bool)
	for _, conn := range f.conns {
		if host, ok := conn.AllowedHost(); ok {
			allowed[host] = true
		}
	}

	return executor.Snapshot{
		ToolSets:     sets,
		AllowedHosts: allowed,
		MCPCall:      f.dispatchMCP,
		CallbackCall: f.dispatchCallback,
	}
}

// filterCallbackTools narrows ts to the overlay when one was requested.
// only == nil means no overlay was supplied for this call, so ts is
// returned unchanged — every tool, callback- or MCP-backed alike, stays
// visible. A non-nil only keeps every MCP-backed tool as-is but drops
// any callback-backed tool whose FunctionId isn't named in only, so a
// per-call callback overlay can scope a script down to a subset of the
// registered callback entries without touching MCP-backed tools at all.
// Returns nil if the filtered namespace would end up with no tools.
func filterCallbackTools(ts *toolmodel.ToolSet, only map[string]bool) *toolmodel.ToolSet {
	if only == nil {
		return ts
	}
	filtered := toolmodel.NewToolSet(ts.Namespace, ts.Description)
	for _, t := range ts.Tools() {
		if _, isCallback := t.Kind.(toolmodel.CallbackToolKind); isCallback && !only[t.ID.String()] {
			continue
		}
		_ = filtered.Add(t)
	}
	if filtered.Empty() {
		return nil
	}
	return filtered
}

func (f *Facade) dispatchMCP(ctx context.Context, server, tool string, arguments json.RawMessage) (json.RawMessage, error) {
	f.mu.RLock()
	var conn *mcpclient.Connection
	for _, c := range f.conns {
		if c.Spec.Name == server {
			conn = c
			break
		}
	}
	f.mu.RUnlock()
	if conn == nil {
		return nil, fmt.Errorf("tool not found: no server named %q", server)
	}

	var args map[string]any
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &args); err != nil {
			return nil, fmt.Errorf("invalid arguments for %s.%s: %w", server, tool, err)
		}
	}
	return conn.CallTool(ctx, tool, args)
}

func (f *Facade) dispatchCallback(ctx context.Context, id string, arguments json.RawMessage) (json.RawMessage, error) {
	fnID, err := toolmodel.ParseFunctionID(id)
	if err != nil {
		return nil, err
	}
	return f.cb.Call(ctx, fnID, arguments)
}

// buildTool renders the schema for one tool and produces the cached
// type-text fields expected on Tool.
func buildTool(id toolmodel.FunctionID, kind toolmodel.ToolKind, description string, input, output *jsonschema.Schema) (toolmodel.Tool, error) {
	fnName := toolmodel.SanitizeFunctionName(id.Name)
	typePrefix := toolmodel.SanitizeNamespace(fnName) // PascalCase, e.g. "AddInput"

	inputRendered, err := schema.Render(input, typePrefix+"Input")
	if err != nil {
		return toolmodel.Tool{}, err
	}
	outputSig := "any"
	outputTypes := ""
	if output != nil {
		outputRendered, err := schema.Render(output, typePrefix+"Output")
		if err != nil {
			return toolmodel.Tool{}, err
		}
		outputSig = outputRendered.Signature
		outputTypes = outputRendered.Types
	}

	allTypes := strings.TrimSpace(strings.Join(nonEmpty(inputRendered.Types, outputTypes), "\n\n"))
	doc := schema.Docstring(description)

	shortSig := fmt.Sprintf("%s(args: %s): Promise<%s>;", fnName, inputRendered.Signature, outputSig)

	var detail strings.Builder
	if allTypes != "" {
		detail.WriteString(allTypes)
		detail.WriteString("\n\n")
	}
	if doc != "" {
		detail.WriteString(doc)
		detail.WriteString("\n")
	}
	detail.WriteString(fmt.Sprintf("export async function %s(input: %s): Promise<%s>;", fnName, inputRendered.Signature, outputSig))

	return toolmodel.Tool{
		ID:             id,
		Description:    description,
		InputSchema:    input,
		OutputSchema:   output,
		Kind:           kind,
		InputTypeText:  inputRendered.Signature,
		OutputTypeText: outputSig,
		ShortSignature: shortSig,
		DetailedSource: detail.String(),
	}, nil
}

func nonEmpty(ss ...string) []string {
	var out []string
	for _, s := range ss {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

func wrapDecl(namespace, description, content string) string {
	doc := schema.Docstring(description)
	if doc != "" {
		doc += "\n"
	}
	return fmt.Sprintf("%snamespace %s {\n%s\n}", doc, namespace, indentBlock(content))
}

func indentBlock(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if l == "" {
			continue
		}
		lines[i] = "  " + l
	}
	return strings.Join(lines, "\n")
}

// serverDescription derives a toolset's description from the upstream's
// spec alone: "MCP server at {url}" for an HTTP upstream, otherwise
// "MCP server ({command})". The upstream's advertised title is not used.
func serverDescription(conn *mcpclient.Connection) string {
	if conn.Spec.URL != "" {
		return fmt.Sprintf("MCP server at %s", conn.Spec.URL)
	}
	return fmt.Sprintf("MCP server (%s)", conn.Spec.Command)
}

// schemaFrom normalizes the `any`-typed schema field mcpclient.Tool
// carries (sourced straight from mcp.Tool.InputSchema/OutputSchema) into
// *jsonschema.Schema.
func schemaFrom(v any) *jsonschema.Schema {
	if v == nil {
		return nil
	}
	if s, ok := v.(*jsonschema.Schema); ok {
		return s
	}
	return nil
}

// sortedNamespaces is a small helper kept for deterministic test fixtures
// that need the namespace set without relying on map iteration order.
func (f *Facade) sortedNamespaces() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.toolSets))
	for ns := range f.toolSets {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}
