// Package sandbox embeds goja — a pure-Go ECMAScript VM — as the Go
// substitute for a V8 isolate, augmented with the
// curated host-op table this engine requires: __stdout/__stderr capture,
// console overrides, an allow-listed fetch, and callMCPTool/invokeCallback
// promise-returning ops. One VM is created per execute and destroyed
// after the run; it is never reused.
//
// The promise/goroutine pattern that keeps every VM touch on one
// goroutine, the console formatting, and the TypeScript transpile step
// follow the same shape as other embedded-JS-engine callers that run
// untrusted script through goja: single-goroutine VM access with
// host ops bridged in via channels rather than shared mutable state.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/clarkmcc/go-typescript"
	"github.com/dop251/goja"
)

// ErrorKind is the structured error kind a rejected promise or a failed
// run carries.
type ErrorKind string

const (
	ErrorKindHostBlocked    ErrorKind = "HostBlocked"
	ErrorKindToolNotFound   ErrorKind = "ToolNotFound"
	ErrorKindCallbackError  ErrorKind = "CallbackError"
	ErrorKindTimeout        ErrorKind = "Timeout"
	ErrorKindScriptError    ErrorKind = "ScriptException"
	ErrorKindCompileError   ErrorKind = "CompileError"
	ErrorKindTypeScript     ErrorKind = "TypeScriptError"
)

// HostError is the {code, message} shape every
// host op rejects with.
type HostError struct {
	Code    ErrorKind
	Message string
}

func (e *HostError) Error() string { return string(e.Code) + ": " + e.Message }

// rejectHostError builds the {code, message} object a host op promise
// rejects with, so a script-side catch sees plain lowercase fields and
// promiseRejectionError can recover the original ErrorKind when a
// rejection is never caught.
func rejectHostError(vm *goja.Runtime, reject func(any) error, code ErrorKind, message string) {
	obj := vm.NewObject()
	_ = obj.Set("code", string(code))
	_ = obj.Set("message", message)
	_ = reject(vm.ToValue(obj))
}

// MCPDispatch is the host-side implementation of callMCPTool: given a
// server name, a tool name, and JSON arguments, it returns a JSON result
// or an error. The executor supplies this, backed by internal/mcpclient.
type MCPDispatch func(ctx context.Context, server, tool string, arguments json.RawMessage) (json.RawMessage, error)

// CallbackDispatch is the host-side implementation of invokeCallback:
// given a canonical "Namespace.name" id and JSON arguments, it returns a
// JSON result or an error. The executor supplies this, backed by
// internal/callback.Registry or the session-bridged equivalent.
type CallbackDispatch func(ctx context.Context, id string, arguments json.RawMessage) (json.RawMessage, error)

// Options configures one execute's sandbox run.
type Options struct {
	// Source is the fully assembled script: namespace prelude + user
	// code + the run()-awaiting tail (built by internal/executor).
	Source string

	// AllowedHosts is the "host:port" or bare-host allow-list fetch
	// checks membership against. No wildcard.
	AllowedHosts map[string]bool

	MCPCall      MCPDispatch
	CallbackCall CallbackDispatch

	// Timeout bounds the whole run; zero means no timeout.
	Timeout time.Duration

	// Fetch performs allow-listed fetch calls. Supplied by the
	// executor so the sandbox package itself makes no direct network
	// assumptions; tests can inject a stub.
	Fetch func(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// FetchRequest is the subset of the Fetch API surface this engine
// supports: a URL and the options bag a script passed to fetch(url, options?).
type FetchRequest struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    string
}

// FetchResponse is returned to the script as a minimal Response-shaped
// object (status, ok, text()-resolvable body).
type FetchResponse struct {
	Status int
	Body   string
}

// Result is the outcome of one sandbox run: the script's returned value
// plus the captured console streams, or a thrown/timeout error.
type Result struct {
	Value  any
	Stdout []string
	Stderr []string
	Err    *HostError
}

// Run transpiles Options.Source (TypeScript, transpiled to ES5 for goja)
// and executes it in a fresh, single-use VM confined to the calling
// goroutine for its entire lifetime — callers must invoke Run from a
// single dedicated worker goroutine for its entire execution.
func Run(ctx context.Context, opts Options) Result {
	jsCode, err := transpile(opts.Source)
	if err != nil {
		return Result{Err: &HostError{Code: ErrorKindTypeScript, Message: err.Error()}}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 0
	}
	var runCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	vm := goja.New()

	var mu sync.Mutex
	var stdout, stderr []string
	appendStream := func(dst *[]string, args []goja.Value) {
		mu.Lock()
		defer mu.Unlock()
		*dst = append(*dst, formatConsoleArgs(vm, args))
	}

	console := vm.NewObject()
	logFn := func(call goja.FunctionCall) goja.Value {
		appendStream(&stdout, call.Arguments)
		return goja.Undefined()
	}
	errFn := func(call goja.FunctionCall) goja.Value {
		appendStream(&stderr, call.Arguments)
		return goja.Undefined()
	}
	_ = console.Set("log", logFn)
	_ = console.Set("info", logFn)
	_ = console.Set("debug", logFn)
	_ = console.Set("error", errFn)
	_ = console.Set("warn", errFn)
	_ = vm.Set("console", console)

	bindFetch(vm, runCtx, opts)
	bindCallMCPTool(vm, runCtx, opts)
	bindInvokeCallback(vm, runCtx, opts)

	interruptDone := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			vm.Interrupt("execution timeout")
		case <-interruptDone:
		}
	}()

	value, runErr := func() (goja.Value, error) {
		defer close(interruptDone)
		return vm.RunString(jsCode)
	}()

	if runErr != nil {
		mu.Lock()
		defer mu.Unlock()
		if runCtx.Err() != nil {
			return Result{Stdout: stdout, Stderr: stderr, Err: &HostError{Code: ErrorKindTimeout, Message: "execution timed out"}}
		}
		return Result{Stdout: stdout, Stderr: stderr, Err: &HostError{Code: ErrorKindScriptError, Message: runErr.Error()}}
	}

	resolved, resolveErr := resolveIfPromise(vm, runCtx, value)
	mu.Lock()
	defer mu.Unlock()
	if resolveErr != nil {
		if runCtx.Err() != nil {
			return Result{Stdout: stdout, Stderr: stderr, Err: &HostError{Code: ErrorKindTimeout, Message: "execution timed out"}}
		}
		if hostErr, ok := resolveErr.(*HostError); ok {
			return Result{Stdout: stdout, Stderr: stderr, Err: hostErr}
		}
		return Result{Stdout: stdout, Stderr: stderr, Err: &HostError{Code: ErrorKindScriptError, Message: resolveErr.Error()}}
	}
	// Normalize the exported value to its JSON-decoded form, so numbers
	// come back as float64 whether goja held them as ints or floats.
	if raw, err := sonic.Marshal(resolved); err == nil {
		var normalized any
		if sonic.Unmarshal(raw, &normalized) == nil {
			resolved = normalized
		}
	}
	return Result{Value: resolved, Stdout: stdout, Stderr: stderr}
}

// transpile converts the assembled TypeScript source to ES5 JavaScript
// goja can run. Compile options mirror the grounding source exactly:
// target ES5, no module system, no lib, downlevel iteration on so
// async/await lowers to Promise chains goja understands.
func transpile(source string) (string, error) {
	opts := map[string]any{
		"target":             "ES5",
		"module":             "None",
		"lib":                []string{},
		"downlevelIteration": true,
	}
	return typescript.TranspileString(source, typescript.WithCompileOptions(opts))
}

// Typecheck runs the TypeScript compiler over source for diagnostics only,
// never executing the result. It is advisory: a non-nil error
// here must never block Run.
func Typecheck(source string) error {
	_, err := transpile(source)
	return err
}

func bindFetch(vm *goja.Runtime, ctx context.Context, opts Options) {
	_ = vm.Set("fetch", func(call goja.FunctionCall) goja.Value {
		promise, resolve, reject := vm.NewPromise()
		if len(call.Arguments) == 0 {
			reject(vm.ToValue(fmt.Errorf("fetch: url argument required")))
			return vm.ToValue(promise)
		}
		rawURL := call.Argument(0).String()

		req := FetchRequest{URL: rawURL, Method: "GET"}
		if len(call.Arguments) > 1 {
			if optObj := call.Argument(1).ToObject(vm); optObj != nil {
				if m := optObj.Get("method"); m != nil && m != goja.Undefined() {
					req.Method = m.String()
				}
				if b := optObj.Get("body"); b != nil && b != goja.Undefined() {
					req.Body = b.String()
				}
				if h := optObj.Get("headers"); h != nil && h != goja.Undefined() {
					if hObj := h.ToObject(vm); hObj != nil {
						req.Headers = map[string]string{}
						for _, k := range hObj.Keys() {
							req.Headers[k] = hObj.Get(k).String()
						}
					}
				}
			}
		}

		host, blockErr := allowedHost(rawURL, opts.AllowedHosts)
		if blockErr != nil {
			rejectHostError(vm, reject, ErrorKindHostBlocked, blockErr.Error())
			return vm.ToValue(promise)
		}
		_ = host

		if opts.Fetch == nil {
			rejectHostError(vm, reject, ErrorKindHostBlocked, "fetch is not configured for this execution")
			return vm.ToValue(promise)
		}

		type outcome struct {
			resp FetchResponse
			err  error
		}
		resultChan := make(chan outcome, 1)
		go func() {
			resp, err := opts.Fetch(ctx, req)
			select {
			case resultChan <- outcome{resp, err}:
			case <-ctx.Done():
			}
		}()

		select {
		case out := <-resultChan:
			if out.err != nil {
				reject(vm.ToValue(out.err.Error()))
				return vm.ToValue(promise)
			}
				respObj := vm.NewObject()
			_ = respObj.Set("status", out.resp.Status)
			_ = respObj.Set("ok", out.resp.Status >= 200 && out.resp.Status < 300)
			_ = respObj.Set("text", func(goja.FunctionCall) goja.Value {
				p, res, _ := vm.NewPromise()
				res(vm.ToValue(out.resp.Body))
				return vm.ToValue(p)
			})
			_ = respObj.Set("json", func(goja.FunctionCall) goja.Value {
				p, res, rej := vm.NewPromise()
				var parsed any
				if err := sonic.Unmarshal([]byte(out.resp.Body), &parsed); err != nil {
					rej(vm.ToValue(err.Error()))
				} else {
					res(vm.ToValue(parsed))
				}
				return vm.ToValue(p)
			})
			resolve(vm.ToValue(respObj))
		case <-ctx.Done():
			rejectHostError(vm, reject, ErrorKindTimeout, "fetch timed out")
		}
		return vm.ToValue(promise)
	})
}

// allowedHost extracts the URL's host and checks it against the allow
// list; membership is checked both as a bare host and as host:port, since
// Options.AllowedHosts (sourced from mcpclient.Connection.AllowedHost) is
// stored in host:port form but a script may fetch a bare-host URL that
// defaults to the same port.
func allowedHost(rawURL string, allowed map[string]bool) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %s", rawURL)
	}
	host := u.Hostname()
	if allowed[host] {
		return host, nil
	}
	if u.Port() != "" && allowed[host+":"+u.Port()] {
		return host, nil
	}
	defaultPort := "80"
	if u.Scheme == "https" {
		defaultPort = "443"
	}
	if u.Port() == "" && allowed[host+":"+defaultPort] {
		return host, nil
	}
	return "", fmt.Errorf("host %q is not in the allow-list", host)
}

func bindCallMCPTool(vm *goja.Runtime, ctx context.Context, opts Options) {
	_ = vm.Set("callMCPTool", func(call goja.FunctionCall) goja.Value {
		promise, resolve, reject := vm.NewPromise()
		argObj := call.Argument(0).ToObject(vm)
		if argObj == nil {
			rejectHostError(vm, reject, ErrorKindScriptError, "callMCPTool expects an object argument")
			return vm.ToValue(promise)
		}
		server := stringField(argObj, "name")
		tool := stringField(argObj, "tool")
		argsVal := argObj.Get("arguments")
		var argsJSON json.RawMessage
		if argsVal != nil && argsVal != goja.Undefined() {
			argsJSON, _ = sonic.Marshal(argsVal.Export())
		}

		if opts.MCPCall == nil {
			rejectHostError(vm, reject, ErrorKindToolNotFound, "no MCP dispatch configured")
			return vm.ToValue(promise)
		}

		type outcome struct {
			result json.RawMessage
			err    error
		}
		resultChan := make(chan outcome, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					select {
					case resultChan <- outcome{nil, fmt.Errorf("panic in callMCPTool: %v", r)}:
					case <-ctx.Done():
					}
				}
			}()
			res, err := opts.MCPCall(ctx, server, tool, argsJSON)
			select {
			case resultChan <- outcome{res, err}:
			case <-ctx.Done():
			}
		}()

		select {
		case out := <-resultChan:
			settlePromise(vm, resolve, reject, out.result, out.err, ErrorKindToolNotFound)
		case <-ctx.Done():
			rejectHostError(vm, reject, ErrorKindTimeout, "execution timed out")
		}
		return vm.ToValue(promise)
	})
}

func bindInvokeCallback(vm *goja.Runtime, ctx context.Context, opts Options) {
	_ = vm.Set("invokeCallback", func(call goja.FunctionCall) goja.Value {
		promise, resolve, reject := vm.NewPromise()
		if len(call.Arguments) == 0 {
			rejectHostError(vm, reject, ErrorKindScriptError, "invokeCallback expects (id, args)")
			return vm.ToValue(promise)
		}
		id := call.Argument(0).String()
		var argsJSON json.RawMessage
		if len(call.Arguments) > 1 {
			argsJSON, _ = sonic.Marshal(call.Argument(1).Export())
		}

		if opts.CallbackCall == nil {
			rejectHostError(vm, reject, ErrorKindToolNotFound, "no callback dispatch configured")
			return vm.ToValue(promise)
		}

		type outcome struct {
			result json.RawMessage
			err    error
		}
		resultChan := make(chan outcome, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					select {
					case resultChan <- outcome{nil, fmt.Errorf("panic in invokeCallback: %v", r)}:
					case <-ctx.Done():
					}
				}
			}()
			res, err := opts.CallbackCall(ctx, id, argsJSON)
			select {
			case resultChan <- outcome{res, err}:
			case <-ctx.Done():
			}
		}()

		select {
		case out := <-resultChan:
			settlePromise(vm, resolve, reject, out.result, out.err, ErrorKindCallbackError)
		case <-ctx.Done():
			rejectHostError(vm, reject, ErrorKindTimeout, "execution timed out")
		}
		return vm.ToValue(promise)
	})
}

func settlePromise(vm *goja.Runtime, resolve func(any) error, reject func(any) error, result json.RawMessage, err error, onErr ErrorKind) {
	if err != nil {
		rejectHostError(vm, reject, onErr, err.Error())
		return
	}
	var parsed any
	if len(result) > 0 {
		if jerr := sonic.Unmarshal(result, &parsed); jerr != nil {
			rejectHostError(vm, reject, onErr, jerr.Error())
			return
		}
	}
	_ = resolve(vm.ToValue(parsed))
}

func stringField(obj *goja.Object, name string) string {
	v := obj.Get(name)
	if v == nil || v == goja.Undefined() {
		return ""
	}
	return v.String()
}

// resolveIfPromise awaits val if it is promise-shaped (has a callable
// "then"), otherwise exports it directly. Grounded on the grounding
// source's own AssertFunction/then-handler pattern.
func resolveIfPromise(vm *goja.Runtime, ctx context.Context, val goja.Value) (any, error) {
	if val == nil || val == goja.Undefined() || goja.IsNull(val) {
		return nil, nil
	}
	obj := val.ToObject(vm)
	if obj == nil {
		return val.Export(), nil
	}
	then := obj.Get("then")
	if then == nil || then == goja.Undefined() {
		return val.Export(), nil
	}
	thenFunc, ok := goja.AssertFunction(then)
	if !ok {
		return val.Export(), nil
	}

	resultChan := make(chan any, 1)
	errChan := make(chan error, 1)
	_, callErr := thenFunc(val,
		vm.ToValue(func(res goja.Value) { resultChan <- res.Export() }),
		vm.ToValue(func(errVal goja.Value) { errChan <- promiseRejectionError(vm, errVal) }),
	)
	if callErr != nil {
		return nil, callErr
	}
	select {
	case res := <-resultChan:
		return res, nil
	case err := <-errChan:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// promiseRejectionError recovers the {code, message} shape rejectHostError
// produces, so an uncaught host-op rejection keeps its original ErrorKind
// instead of collapsing to ErrorKindScriptError at the top level. A
// rejection the script itself threw (a plain Error or string) has no
// "code" field and falls back to ErrorKindScriptError.
func promiseRejectionError(vm *goja.Runtime, errVal goja.Value) error {
	if errVal == nil || errVal == goja.Undefined() {
		return &HostError{Code: ErrorKindScriptError, Message: "unknown error"}
	}
	if obj := errVal.ToObject(vm); obj != nil {
		msg := errVal.String()
		if m := obj.Get("message"); m != nil && m != goja.Undefined() {
			msg = m.String()
		}
		kind := ErrorKindScriptError
		if c := obj.Get("code"); c != nil && c != goja.Undefined() {
			kind = ErrorKind(c.String())
		}
		return &HostError{Code: kind, Message: msg}
	}
	return &HostError{Code: ErrorKindScriptError, Message: errVal.String()}
}

// formatConsoleArgs JSON-stringifies non-string arguments and joins them
// with a space: each argument is JSON-stringified if not a string, with
// primitives formatted conventionally.
func formatConsoleArgs(vm *goja.Runtime, args []goja.Value) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		exported := a.Export()
		if s, ok := exported.(string); ok {
			parts = append(parts, s)
			continue
		}
		if b, err := sonic.Marshal(exported); err == nil {
			parts = append(parts, string(b))
		} else {
			parts = append(parts, a.String())
		}
	}
	return strings.Join(parts, " ")
}
