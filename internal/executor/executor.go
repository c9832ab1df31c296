// Package executor wraps submitted script with the generated interface
// implementations and runs it in a fresh sandbox, returning a structured
// result. It is the glue between internal/sandbox (the
// isolate) and the tool registry a caller (internal/codemode or
// internal/session) hands it as an immutable snapshot.
//
// Grounded on code/executor.go's DefaultExecutor.ExecuteCode (apply
// defaults, timeout-wrap, run, collect, translate DeadlineExceeded) and
// runtime/toolcodeengine/adapter.go's error-taxonomy mapping pattern.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonwraymond/codemode/internal/sandbox"
	"github.com/jonwraymond/codemode/internal/toolmodel"
)

// DefaultTimeout bounds an execute when the caller supplies none: execute
// accepts an optional overall deadline, and this module
// picks a conservative finite default rather than "none" so a runaway
// script cannot pin a worker goroutine forever.
const DefaultTimeout = 30 * time.Second

// Snapshot is the immutable registry view one execute runs against:
// ToolSets plus the two dispatch functions the sandbox's host ops call
// into. The facade builds this fresh from its current state for every
// execute.
type Snapshot struct {
	ToolSets     []*toolmodel.ToolSet
	AllowedHosts map[string]bool
	MCPCall      sandbox.MCPDispatch
	CallbackCall sandbox.CallbackDispatch
	Fetch        func(ctx context.Context, req sandbox.FetchRequest) (sandbox.FetchResponse, error)
	Timeout      time.Duration
}

// scriptTail is appended after the async wrapper wrapRunAsync produces,
// completing the three-part assembly (namespace prelude + wrapped user
// code + tail). It invokes __execute__ through a plain (non-async) IIFE
// rather than a top-level await: the transpile target is ES5 with
// "module: None", and TypeScript's downlevel await rewrite only touches
// AwaitExpression nodes inside functions explicitly marked async, so a
// bare top-level "await run()" falls through unrewritten and goja (no
// native await support) can't parse it. Calling the already-async
// __execute__ from a plain IIFE instead returns the Promise it produces,
// which vm.RunString hands back as the result value for the Go side to
// resolve.
const scriptTail = "\n(function () { return __execute__(); })();\n"

// Execute assembles the full script (namespace prelude + user source +
// tail), runs it in a fresh sandbox, and maps the outcome into an
// ExecuteOutput.
func Execute(ctx context.Context, snap Snapshot, userSource string) toolmodel.ExecuteOutput {
	prelude := BuildPrelude(snap.ToolSets)

	var assembled string
	if prelude != "" {
		assembled = prelude + "\n\n" + wrapRunAsync(userSource) + scriptTail
	} else {
		assembled = wrapRunAsync(userSource) + scriptTail
	}

	timeout := snap.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	result := sandbox.Run(ctx, sandbox.Options{
		Source:       assembled,
		AllowedHosts: snap.AllowedHosts,
		MCPCall:      snap.MCPCall,
		CallbackCall: snap.CallbackCall,
		Fetch:        snap.Fetch,
		Timeout:      timeout,
	})

	return mapResult(result)
}

// wrapRunAsync wraps the user's `async function run()` definition in an
// async __execute__ function that awaits it, so every await in the
// assembled script (both run()'s own and the one that calls it) sits
// inside a function TypeScript's downlevel transform recognizes as
// async. scriptTail then invokes __execute__ via a plain IIFE.
func wrapRunAsync(userSource string) string {
	return "async function __execute__() {\n" + userSource + "\nreturn await run();\n}"
}

func mapResult(r sandbox.Result) toolmodel.ExecuteOutput {
	out := toolmodel.ExecuteOutput{
		Stdout: orEmpty(r.Stdout),
		Stderr: orEmpty(r.Stderr),
	}
	if r.Err != nil {
		out.Success = false
		out.Error = &toolmodel.ExecuteError{
			Kind:    string(r.Err.Code),
			Message: r.Err.Message,
		}
		return out
	}
	out.Success = true
	out.Value = r.Value
	return out
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// MarshalForHostOp is a small helper shared by the dispatch functions the
// facade builds: it converts a Go value (already produced by an MCP call
// or a callback) into the json.RawMessage the sandbox's promise
// resolution expects.
func MarshalForHostOp(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("executor: marshaling host-op result: %w", err)
	}
	return b, nil
}
