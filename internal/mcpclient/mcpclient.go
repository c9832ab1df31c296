// Package mcpclient brings up an upstream MCP server (HTTP-streamed or
// stdio subprocess), enumerates its tools, and invokes tools on it.
// Grounded on hohsiang-lab-tianjiLLM's MCPServerManager,
// diverging on error surfacing: CallTool here returns real Go errors
// rather than stuffing failures into CallToolResult.IsError, because
// tool-call failures must become a rejected promise
// inside the script, which the executor can only do from a Go error.
package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// State is a connection's lifecycle position: Connecting, Ready, Failed,
// or Closed.
type State int

const (
	Connecting State = iota
	Ready
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Auth describes already-resolved authentication for an HTTP upstream.
type Auth struct {
	Type    string // "bearer" or "headers"
	Token   string
	Headers map[string]string
}

// ServerSpec describes one upstream to connect to, either an HTTP
// upstream or a stdio subprocess upstream.
type ServerSpec struct {
	Name string

	// HTTP fields; set when Command is empty.
	URL  string
	Auth *Auth

	// Stdio fields; set when URL is empty.
	Command string
	Args    []string
	Env     []string
}

func (s ServerSpec) isStdio() bool { return s.Command != "" }

// Tool mirrors one tool descriptor discovered on an upstream, before it is
// wrapped into a toolmodel.Tool by the codemode facade.
type Tool struct {
	Name         string
	Description  string
	InputSchema  any
	OutputSchema any
}

// Connection is a live client to one upstream MCP server. It owns no
// background goroutine of its own beyond what the go-sdk's
// mcp.ClientSession manages internally.
type Connection struct {
	Spec  ServerSpec
	mu    sync.RWMutex
	state State
	err   error
	tools []Tool

	session *mcp.ClientSession
}

func newConnection(spec ServerSpec) *Connection {
	return &Connection{Spec: spec, state: Connecting}
}

func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Connection) FailureReason() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *Connection) Tools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

func (c *Connection) setFailed(err error) {
	c.mu.Lock()
	c.state = Failed
	c.err = err
	c.mu.Unlock()
}

func (c *Connection) setReady(session *mcp.ClientSession, tools []Tool) {
	c.mu.Lock()
	c.state = Ready
	c.session = session
	c.tools = tools
	c.mu.Unlock()
}

// AllowedHost returns the "host:port" pair to add to the sandbox's fetch
// allow-list for this upstream, for the duration of one execute. Stdio
// upstreams grant no network allowance. Port defaulting (443 for https,
// 80 otherwise, when the URL omits an explicit port) matches how browsers
// and net/http itself resolve a bare host.
func (c *Connection) AllowedHost() (string, bool) {
	if c.Spec.isStdio() {
		return "", false
	}
	u, err := url.Parse(c.Spec.URL)
	if err != nil {
		return "", false
	}
	if u.Port() != "" {
		return u.Hostname() + ":" + u.Port(), true
	}
	port := 80
	if u.Scheme == "https" {
		port = 443
	}
	return u.Hostname() + ":" + strconv.Itoa(port), true
}

// Manager owns the set of upstream connections. It is the concrete type
// backing the MCP-sourced half of the codemode facade's tool set.
type Manager struct {
	implName    string
	implVersion string
	logger      *zap.Logger

	mu          sync.RWMutex
	connections map[string]*Connection
}

// NewManager creates a Manager. implName/implVersion identify this engine
// to upstreams during the MCP handshake.
func NewManager(implName, implVersion string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		implName:    implName,
		implVersion: implVersion,
		logger:      logger,
		connections: make(map[string]*Connection),
	}
}

// Connect brings up one upstream. Initialization never
// panics the host: on any failure the connection is recorded as Failed
// and a warning is logged, but Connect itself returns the *Connection so
// callers can still observe its state (it does not return a Go error for
// a failed upstream — only for a programming-level misuse such as a
// duplicate name, checked by the caller's facade layer).
func (m *Manager) Connect(ctx context.Context, spec ServerSpec) *Connection {
	conn := newConnection(spec)
	m.mu.Lock()
	m.connections[spec.Name] = conn
	m.mu.Unlock()

	client := mcp.NewClient(&mcp.Implementation{Name: m.implName, Version: m.implVersion}, nil)

	var transport mcp.Transport
	if spec.isStdio() {
		transport = &mcp.CommandTransport{Command: exec.CommandContext(ctx, spec.Command, spec.Args...)}
	} else {
		transport = &mcp.StreamableClientTransport{Endpoint: spec.URL}
	}

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		conn.setFailed(fmt.Errorf("mcpclient: connecting to %q: %w", spec.Name, err))
		m.logger.Warn("mcp upstream failed to connect", zap.String("server", spec.Name), zap.Error(err))
		return conn
	}

	listed, err := session.ListTools(ctx, nil)
	if err != nil {
		conn.setFailed(fmt.Errorf("mcpclient: listing tools on %q: %w", spec.Name, err))
		m.logger.Warn("mcp upstream failed to list tools", zap.String("server", spec.Name), zap.Error(err))
		_ = session.Close()
		return conn
	}

	tools := make([]Tool, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		tools = append(tools, Tool{
			Name:         t.Name,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			OutputSchema: t.OutputSchema,
		})
	}
	conn.setReady(session, tools)
	return conn
}

// ConnectAll brings up multiple upstreams concurrently with an overall
// deadline (default 30s). Every connect runs under that deadline's
// context and ConnectAll waits for all of them to return; any connection
// still in Connecting state afterwards is marked Failed(timeout).
func (m *Manager) ConnectAll(ctx context.Context, specs []ServerSpec, deadline time.Duration) []*Connection {
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	results := make([]*Connection, len(specs))
	var wg sync.WaitGroup
	for i, spec := range specs {
		wg.Add(1)
		go func(i int, spec ServerSpec) {
			defer wg.Done()
			results[i] = m.Connect(ctx, spec)
		}(i, spec)
	}
	wg.Wait()

	for i, conn := range results {
		if conn.State() == Connecting {
			conn.setFailed(fmt.Errorf("mcpclient: %q timed out during initialization", specs[i].Name))
		}
	}
	return results
}

// Get returns the connection for a server name, if any.
func (m *Manager) Get(name string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connections[name]
	return c, ok
}

// Ready returns the connections currently in the Ready state, in no
// particular order.
func (m *Manager) Ready() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		if c.State() == Ready {
			out = append(out, c)
		}
	}
	return out
}

// CallTool invokes a tool by its upstream name on this connection. It
// parses the structured output first, falling back to concatenated text
// content when no structured output is present.
func (c *Connection) CallTool(ctx context.Context, toolName string, arguments map[string]any) (json.RawMessage, error) {
	c.mu.RLock()
	session := c.session
	state := c.state
	c.mu.RUnlock()

	if state != Ready || session == nil {
		return nil, fmt.Errorf("mcpclient: server %q is not ready (state=%s)", c.Spec.Name, state)
	}

	result, err := session.CallTool(ctx, &mcp.CallToolParams{Name: toolName, Arguments: arguments})
	if err != nil {
		return nil, fmt.Errorf("mcpclient: calling %q on %q: %w", toolName, c.Spec.Name, err)
	}
	if result.IsError {
		return nil, fmt.Errorf("mcpclient: tool %q on %q reported an error: %s", toolName, c.Spec.Name, textContent(result))
	}

	if result.StructuredContent != nil {
		raw, err := json.Marshal(result.StructuredContent)
		if err == nil {
			return raw, nil
		}
	}

	text := textContent(result)
	var probe json.RawMessage
	if json.Unmarshal([]byte(text), &probe) == nil {
		return probe, nil
	}
	raw, err := json.Marshal(text)
	if err != nil {
		return nil, fmt.Errorf("mcpclient: marshaling text result from %q: %w", toolName, err)
	}
	return raw, nil
}

func textContent(result *mcp.CallToolResult) string {
	var out string
	for _, c := range result.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			out += tc.Text
		}
	}
	return out
}
