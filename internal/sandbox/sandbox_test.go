package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestRun_StdoutCaptureOrdering(t *testing.T) {
	result := Run(context.Background(), Options{
		Source: `
async function run() {
  console.log("a");
  console.error("b");
  console.log("c");
  return null;
}
(function () { return run(); })();
`,
		Timeout: 5 * time.Second,
	})
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if got := result.Stdout; len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Errorf("Stdout = %v, want [a c] in call order", got)
	}
	if got := result.Stderr; len(got) != 1 || got[0] != "b" {
		t.Errorf("Stderr = %v, want [b]", got)
	}
}

func TestRun_ConsoleFormatsNonStringArguments(t *testing.T) {
	result := Run(context.Background(), Options{
		Source: `
async function run() {
  console.log("x", 1, true, { a: 1 });
  return null;
}
(function () { return run(); })();
`,
		Timeout: 5 * time.Second,
	})
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	want := `x 1 true {"a":1}`
	if len(result.Stdout) != 1 || result.Stdout[0] != want {
		t.Errorf("Stdout = %v, want [%s]", result.Stdout, want)
	}
}

func TestRun_FetchHostAllowList(t *testing.T) {
	opts := Options{
		AllowedHosts: map[string]bool{"api.example.com": true},
		Fetch: func(ctx context.Context, req FetchRequest) (FetchResponse, error) {
			return FetchResponse{Status: 200, Body: `{"ok":true}`}, nil
		},
		Timeout: 5 * time.Second,
	}

	allowed := Run(context.Background(), Options{
		Source: `
async function run() {
  const res = await fetch("https://api.example.com/x");
  return res.status;
}
(function () { return run(); })();
`,
		AllowedHosts: opts.AllowedHosts,
		Fetch:        opts.Fetch,
		Timeout:      opts.Timeout,
	})
	if allowed.Err != nil {
		t.Fatalf("unexpected error for allow-listed host: %v", allowed.Err)
	}
	if allowed.Value != float64(200) {
		t.Errorf("Value = %v, want 200", allowed.Value)
	}

	blocked := Run(context.Background(), Options{
		Source: `
async function run() {
  return await fetch("https://not-allowed.example.com/x");
}
(function () { return run(); })();
`,
		AllowedHosts: opts.AllowedHosts,
		Fetch:        opts.Fetch,
		Timeout:      opts.Timeout,
	})
	if blocked.Err == nil {
		t.Fatal("expected error fetching a non-allow-listed host")
	}
	if blocked.Err.Code != ErrorKindHostBlocked {
		t.Errorf("Code = %q, want %q", blocked.Err.Code, ErrorKindHostBlocked)
	}
}

func TestRun_FetchAllowsBareHostOnDefaultPort(t *testing.T) {
	result := Run(context.Background(), Options{
		Source: `
async function run() {
  return (await fetch("http://api.example.com/x")).status;
}
(function () { return run(); })();
`,
		AllowedHosts: map[string]bool{"api.example.com:80": true},
		Fetch: func(ctx context.Context, req FetchRequest) (FetchResponse, error) {
			return FetchResponse{Status: 204}, nil
		},
		Timeout: 5 * time.Second,
	})
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.Value != float64(204) {
		t.Errorf("Value = %v, want 204", result.Value)
	}
}

func TestRun_UncaughtToolRejectionPreservesErrorKind(t *testing.T) {
	result := Run(context.Background(), Options{
		Source: `
async function run() {
  return await callMCPTool({ name: "weather", tool: "getForecast", arguments: {} });
}
(function () { return run(); })();
`,
		MCPCall: func(ctx context.Context, server, tool string, arguments json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("upstream down")
		},
		Timeout: 5 * time.Second,
	})
	if result.Err == nil {
		t.Fatal("expected an error")
	}
	if result.Err.Code != ErrorKindToolNotFound {
		t.Errorf("Code = %q, want %q", result.Err.Code, ErrorKindToolNotFound)
	}
}

func TestRun_CaughtToolRejectionIsolatesFailure(t *testing.T) {
	result := Run(context.Background(), Options{
		Source: `
async function run() {
  try {
    await callMCPTool({ name: "weather", tool: "getForecast", arguments: {} });
    return "unreachable";
  } catch (e) {
    return "isolated: " + e.code;
  }
}
(function () { return run(); })();
`,
		MCPCall: func(ctx context.Context, server, tool string, arguments json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("upstream down")
		},
		Timeout: 5 * time.Second,
	})
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if want := "isolated: ToolNotFound"; result.Value != want {
		t.Errorf("Value = %v, want %q", result.Value, want)
	}
}

func TestRun_NoMCPDispatchConfigured(t *testing.T) {
	result := Run(context.Background(), Options{
		Source: `
async function run() {
  return await callMCPTool({ name: "weather", tool: "getForecast", arguments: {} });
}
(function () { return run(); })();
`,
		Timeout: 5 * time.Second,
	})
	if result.Err == nil || result.Err.Code != ErrorKindToolNotFound {
		t.Fatalf("Err = %+v, want Code %q", result.Err, ErrorKindToolNotFound)
	}
}

func TestRun_CallbackDispatch(t *testing.T) {
	result := Run(context.Background(), Options{
		Source: `
async function run() {
  return await invokeCallback("Math.add", { A: 2, B: 3 });
}
(function () { return run(); })();
`,
		CallbackCall: func(ctx context.Context, id string, arguments json.RawMessage) (json.RawMessage, error) {
			if id != "Math.add" {
				t.Errorf("CallbackCall id = %q, want Math.add", id)
			}
			return json.Marshal(5)
		},
		Timeout: 5 * time.Second,
	})
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.Value != float64(5) {
		t.Errorf("Value = %v, want 5", result.Value)
	}
}

func TestRun_Timeout(t *testing.T) {
	result := Run(context.Background(), Options{
		Source: `
async function run() {
  while (true) {}
}
(function () { return run(); })();
`,
		Timeout: 50 * time.Millisecond,
	})
	if result.Err == nil {
		t.Fatal("expected a timeout error")
	}
	if result.Err.Code != ErrorKindTimeout {
		t.Errorf("Code = %q, want %q", result.Err.Code, ErrorKindTimeout)
	}
}

func TestRun_ScriptThrowIsScriptError(t *testing.T) {
	result := Run(context.Background(), Options{
		Source: `
async function run() {
  throw new Error("boom");
}
(function () { return run(); })();
`,
		Timeout: 5 * time.Second,
	})
	if result.Err == nil {
		t.Fatal("expected an error")
	}
	if result.Err.Code != ErrorKindScriptError {
		t.Errorf("Code = %q, want %q", result.Err.Code, ErrorKindScriptError)
	}
	if result.Err.Message != "boom" {
		t.Errorf("Message = %q, want %q", result.Err.Message, "boom")
	}
}

func TestTypecheck(t *testing.T) {
	if err := Typecheck(`async function run() { return 1; }`); err != nil {
		t.Errorf("unexpected error for valid source: %v", err)
	}
}
