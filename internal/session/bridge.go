package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/jonwraymond/codemode/internal/toolmodel"
)

// Bridge protocol: JSON-RPC 2.0 messages, one per line, over a hijacked
// HTTP connection (GET /local-tools), with the same envelope and error
// codes as the /mcp surface.

// Error codes, taken verbatim from the original protocol's error_codes
// module.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603

	codeToolAlreadyRegistered = -32000
	codeToolNotFound          = -32001
	codeExecutionFailed       = -32002
	codeTimeout               = -32003
)

// dispatchTimeout bounds how long the server waits for a client to answer
// an execute_tool request before failing it.
const dispatchTimeout = 30 * time.Second

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("bridge: %s (code %d)", e.Message, e.Code) }

type registerToolParams struct {
	Namespace    string          `json:"namespace"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

type executeCodeParams struct {
	Code string `json:"code"`
}

type executeToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// bridgeTable tracks the active sessions only for logging/diagnostics; it
// has no role in tool dispatch itself, which is closed over per-session.
type bridgeTable struct {
	mu       sync.Mutex
	sessions map[string]*bridgeSession
	next     int64
}

func newBridgeTable() *bridgeTable {
	return &bridgeTable{sessions: make(map[string]*bridgeSession)}
}

func (t *bridgeTable) add(s *bridgeSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[s.id] = s
}

func (t *bridgeTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, id)
}

func (t *bridgeTable) nextID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	return fmt.Sprintf("bridge-%d", t.next)
}

// bridgeSession is one hijacked /local-tools connection: a client that
// registers session-local tools and submits execute requests, and which
// the server can call back into via execute_tool for any of those tools.
type bridgeSession struct {
	id     string
	conn   net.Conn
	writer *bufio.Writer
	wmu    sync.Mutex

	server *Server
	logger *zap.Logger

	callID     int64
	pending    sync.Map // string(call id) -> chan rpcRequest
	registered sync.Map // toolmodel.FunctionID.String() -> struct{}
}

// handleLocalTools hijacks the HTTP connection (exactly one registrar per
// connection, since hijacking claims the socket outright) and runs the
// bridge's read loop until the client disconnects.
func (s *Server) handleLocalTools(c echo.Context) error {
	hijacker, ok := c.Response().Writer.(http.Hijacker)
	if !ok {
		return echo.NewHTTPError(500, "connection does not support hijacking")
	}
	conn, rw, err := hijacker.Hijack()
	if err != nil {
		return fmt.Errorf("session: hijacking /local-tools connection: %w", err)
	}

	// Minimal HTTP/1.1 upgrade-style response so the client knows the
	// socket is now theirs for raw framed JSON-RPC traffic.
	_, _ = rw.WriteString("HTTP/1.1 101 Switching Protocols\r\nUpgrade: codemode-bridge\r\nConnection: Upgrade\r\n\r\n")
	_ = rw.Flush()

	sessionID := s.bridges.nextID()
	bs := &bridgeSession{
		id:     sessionID,
		conn:   conn,
		writer: bufio.NewWriter(conn),
		server: s,
		logger: s.logger.With(zap.String("bridge_session", sessionID)),
	}
	s.bridges.add(bs)
	bs.logger.Info("bridge session connected")
	defer s.bridges.remove(bs.id)
	defer bs.cleanup()
	defer conn.Close()
	defer bs.logger.Info("bridge session disconnected")

	bs.readLoop(rw.Reader)
	return nil
}

func (bs *bridgeSession) readLoop(r *bufio.Reader) {
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			bs.handleLine(line)
		}
		if err != nil {
			return // ClientDisconnected
		}
	}
}

func (bs *bridgeSession) handleLine(line []byte) {
	var msg rpcRequest
	if err := json.Unmarshal(line, &msg); err != nil {
		bs.writeError(nil, codeParseError, "invalid JSON-RPC frame: "+err.Error())
		return
	}

	if msg.Method == "" {
		// This is a response to a server-initiated execute_tool call.
		bs.deliverResponse(msg)
		return
	}

	switch msg.Method {
	case "register_tool":
		bs.handleRegisterTool(msg)
	case "execute":
		// Off the read loop, so execute_tool replies from this same
		// client can still be read while the script waits on them.
		go bs.handleExecute(msg)
	default:
		bs.writeError(msg.ID, codeMethodNotFound, fmt.Sprintf("unknown method %q", msg.Method))
	}
}

func (bs *bridgeSession) deliverResponse(msg rpcRequest) {
	key := string(msg.ID)
	if ch, ok := bs.pending.LoadAndDelete(key); ok {
		ch.(chan rpcRequest) <- msg
	}
}

func (bs *bridgeSession) handleRegisterTool(msg rpcRequest) {
	var params registerToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		bs.writeError(msg.ID, codeInvalidParams, "invalid register_tool params: "+err.Error())
		return
	}
	if params.Namespace == "" || params.Name == "" {
		bs.writeError(msg.ID, codeInvalidParams, "register_tool requires namespace and name")
		return
	}

	id := toolmodel.FunctionID{Namespace: params.Namespace, Name: params.Name}

	var inputSchema, outputSchema *jsonschema.Schema
	if len(params.InputSchema) > 0 {
		inputSchema = &jsonschema.Schema{}
		if err := json.Unmarshal(params.InputSchema, inputSchema); err != nil {
			bs.writeError(msg.ID, codeInvalidParams, "invalid input_schema: "+err.Error())
			return
		}
	}
	if len(params.OutputSchema) > 0 {
		outputSchema = &jsonschema.Schema{}
		if err := json.Unmarshal(params.OutputSchema, outputSchema); err != nil {
			bs.writeError(msg.ID, codeInvalidParams, "invalid output_schema: "+err.Error())
			return
		}
	}

	err := bs.server.facade.AddCallback(id, inputSchema, outputSchema, params.Description, bs.dispatch(id))
	if err != nil {
		bs.writeError(msg.ID, codeToolAlreadyRegistered, err.Error())
		return
	}
	bs.registered.Store(id.String(), struct{}{})
	bs.writeResult(msg.ID, map[string]bool{"registered": true})
}

func (bs *bridgeSession) handleExecute(msg rpcRequest) {
	var params executeCodeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		bs.writeError(msg.ID, codeInvalidParams, "invalid execute params: "+err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	out := bs.server.facade.Execute(ctx, toolmodel.ExecuteRequest{Code: params.Code})
	bs.writeResult(msg.ID, out)
}

// dispatch returns the callback.Func the facade calls for this session's
// registered tool id: it issues a server->client execute_tool request and
// blocks for the matching response.
func (bs *bridgeSession) dispatch(id toolmodel.FunctionID) func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
		defer cancel()

		callIDN := atomic.AddInt64(&bs.callID, 1)
		callID, _ := json.Marshal(callIDN)

		respCh := make(chan rpcRequest, 1)
		bs.pending.Store(string(callID), respCh)
		defer bs.pending.Delete(string(callID))

		params := executeToolParams{Name: id.String(), Arguments: args}
		paramsRaw, _ := json.Marshal(params)
		req := rpcRequest{JSONRPC: "2.0", Method: "execute_tool", Params: paramsRaw, ID: callID}
		if err := bs.write(req); err != nil {
			return nil, fmt.Errorf("bridge: sending execute_tool to %q: %w", id, err)
		}

		select {
		case resp := <-respCh:
			if resp.Error != nil {
				return nil, resp.Error
			}
			return resp.Result, nil
		case <-ctx.Done():
			return nil, &rpcError{Code: codeTimeout, Message: fmt.Sprintf("execute_tool for %q timed out", id)}
		}
	}
}

func (bs *bridgeSession) writeResult(id json.RawMessage, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		bs.writeError(id, codeInternalError, err.Error())
		return
	}
	_ = bs.write(rpcRequest{JSONRPC: "2.0", Result: raw, ID: id})
}

func (bs *bridgeSession) writeError(id json.RawMessage, code int, message string) {
	_ = bs.write(rpcRequest{JSONRPC: "2.0", Error: &rpcError{Code: code, Message: message}, ID: id})
}

func (bs *bridgeSession) write(msg rpcRequest) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	bs.wmu.Lock()
	defer bs.wmu.Unlock()
	if _, err := bs.writer.Write(raw); err != nil {
		return err
	}
	if err := bs.writer.WriteByte('\n'); err != nil {
		return err
	}
	return bs.writer.Flush()
}

// cleanup removes every tool this session registered, so a disconnected
// client's tools stop being callable, and fails every execute_tool call
// still waiting on this client with a ClientDisconnected error.
func (bs *bridgeSession) cleanup() {
	bs.registered.Range(func(key, _ any) bool {
		if id, err := toolmodel.ParseFunctionID(key.(string)); err == nil {
			bs.server.facade.RemoveCallback(id)
		}
		return true
	})
	bs.pending.Range(func(key, _ any) bool {
		if ch, ok := bs.pending.LoadAndDelete(key); ok {
			ch.(chan rpcRequest) <- rpcRequest{Error: &rpcError{Code: codeExecutionFailed, Message: "ClientDisconnected: bridge client went away before answering execute_tool"}}
		}
		return true
	})
}
