package session

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"go.uber.org/zap"

	"github.com/jonwraymond/codemode/internal/codemode"
	"github.com/jonwraymond/codemode/internal/toolmodel"
)

func newTestServer(t *testing.T, facade *codemode.Facade) *Server {
	t.Helper()
	return &Server{facade: facade, logger: zap.NewNop(), bridges: newBridgeTable()}
}

func addCallback(t *testing.T, f *codemode.Facade, id toolmodel.FunctionID) {
	t.Helper()
	err := f.AddCallback(id, &jsonschema.Schema{Type: "object"}, nil, "adds two numbers", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var in struct{ A, B int }
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		return json.Marshal(in.A + in.B)
	})
	if err != nil {
		t.Fatalf("AddCallback: %v", err)
	}
}

func TestServer_ListFunctionsHandler(t *testing.T) {
	f := codemode.New("codemode-test", "0.0.1", nil)
	addCallback(t, f, toolmodel.FunctionID{Namespace: "Math", Name: "add"})
	s := newTestServer(t, f)

	_, out, err := s.listFunctionsHandler(context.Background(), nil, listFunctionsInput{})
	if err != nil {
		t.Fatalf("listFunctionsHandler: %v", err)
	}
	if len(out.Entries) != 1 || out.Entries[0].Namespace != "Math" || out.Entries[0].Name != "add" {
		t.Fatalf("Entries = %+v, want one Math.add entry", out.Entries)
	}
	if !strings.Contains(out.Code, "namespace Math") {
		t.Errorf("Code missing namespace declaration: %s", out.Code)
	}
}

func TestServer_GetFunctionDetailsHandler_RejectsMalformedID(t *testing.T) {
	f := codemode.New("codemode-test", "0.0.1", nil)
	s := newTestServer(t, f)

	_, _, err := s.getFunctionDetailsHandler(context.Background(), nil, getFunctionDetailsInput{FunctionIDs: []string{"not-a-valid-id"}})
	if err == nil {
		t.Fatal("expected an error parsing a malformed function id")
	}
}

func TestServer_GetFunctionDetailsHandler_ReturnsRequested(t *testing.T) {
	f := codemode.New("codemode-test", "0.0.1", nil)
	addCallback(t, f, toolmodel.FunctionID{Namespace: "Math", Name: "add"})
	s := newTestServer(t, f)

	_, out, err := s.getFunctionDetailsHandler(context.Background(), nil, getFunctionDetailsInput{FunctionIDs: []string{"Math.add"}})
	if err != nil {
		t.Fatalf("getFunctionDetailsHandler: %v", err)
	}
	if !strings.Contains(out.Code, "function add(") {
		t.Errorf("Code missing requested function: %s", out.Code)
	}
}

func TestServer_ExecuteHandler_Success(t *testing.T) {
	f := codemode.New("codemode-test", "0.0.1", nil)
	addCallback(t, f, toolmodel.FunctionID{Namespace: "Math", Name: "add"})
	s := newTestServer(t, f)

	result, out, err := s.executeHandler(context.Background(), nil, executeInput{Code: `
async function run() {
  return await Math.add({ A: 2, B: 3 });
}
`})
	if err != nil {
		t.Fatalf("executeHandler: %v", err)
	}
	if !out.Success || out.Value != float64(5) {
		t.Fatalf("ExecuteOutput = %+v, want success with value 5", out)
	}
	if result.IsError {
		t.Errorf("CallToolResult.IsError = true, want false")
	}
	if len(result.Content) != 1 {
		t.Fatalf("Content = %+v, want one entry", result.Content)
	}
}

func TestServer_ExecuteHandler_ScriptErrorMarksResultAsError(t *testing.T) {
	f := codemode.New("codemode-test", "0.0.1", nil)
	s := newTestServer(t, f)

	result, out, err := s.executeHandler(context.Background(), nil, executeInput{Code: `
async function run() {
  throw new Error("boom");
}
`})
	if err != nil {
		t.Fatalf("executeHandler: %v", err)
	}
	if out.Success {
		t.Fatal("expected out.Success = false for a thrown error")
	}
	if !result.IsError {
		t.Error("CallToolResult.IsError = false, want true")
	}
}

func TestServer_ExecuteHandler_IgnoresMalformedOverlayIDs(t *testing.T) {
	f := codemode.New("codemode-test", "0.0.1", nil)
	s := newTestServer(t, f)

	_, out, err := s.executeHandler(context.Background(), nil, executeInput{
		Code:            `async function run() { return 1; }`,
		CallbackOverlay: []string{"not-a-valid-id"},
	})
	if err != nil {
		t.Fatalf("executeHandler: %v", err)
	}
	if !out.Success || out.Value != float64(1) {
		t.Fatalf("ExecuteOutput = %+v, want success with value 1 (bad overlay id silently dropped)", out)
	}
}

func TestServer_ExecuteHandler_OverlayIDScopesCallableCallbacks(t *testing.T) {
	f := codemode.New("codemode-test", "0.0.1", nil)
	addCallback(t, f, toolmodel.FunctionID{Namespace: "Math", Name: "add"})
	addCallback(t, f, toolmodel.FunctionID{Namespace: "Math", Name: "subtract"})
	s := newTestServer(t, f)

	_, out, err := s.executeHandler(context.Background(), nil, executeInput{
		Code: `
async function run() {
  return await Math.add({ A: 2, B: 3 });
}
`,
		CallbackOverlay: []string{"Math.add"},
	})
	if err != nil {
		t.Fatalf("executeHandler: %v", err)
	}
	if !out.Success || out.Value != float64(5) {
		t.Fatalf("ExecuteOutput = %+v, want success with value 5 (overlay id is callable)", out)
	}

	_, out, err = s.executeHandler(context.Background(), nil, executeInput{
		Code: `
async function run() {
  return await Math.subtract({ A: 9, B: 4 });
}
`,
		CallbackOverlay: []string{"Math.add"},
	})
	if err != nil {
		t.Fatalf("executeHandler: %v", err)
	}
	if out.Success {
		t.Fatalf("ExecuteOutput = %+v, want failure — Math.subtract isn't in the overlay", out)
	}
}

func TestNewServer_DefaultsNameAndVersion(t *testing.T) {
	f := codemode.New("codemode-test", "0.0.1", nil)
	s := NewServer(f, nil, Config{Host: "127.0.0.1", Port: 0})
	if s.cfg.Name != "codemode" {
		t.Errorf("cfg.Name = %q, want codemode", s.cfg.Name)
	}
	if s.cfg.Version != "0.1.0" {
		t.Errorf("cfg.Version = %q, want 0.1.0", s.cfg.Version)
	}
	if s.logger == nil {
		t.Error("expected a non-nil logger even when none is supplied")
	}
	if s.mcp == nil {
		t.Error("expected the MCP server to be constructed")
	}
	if s.echo == nil {
		t.Error("expected the echo app to be constructed")
	}
}

func TestListFunctionsOutput_JSONRoundTrip(t *testing.T) {
	out := listFunctionsOutput{Code: "namespace Math {}", Entries: []functionEntryDTO{{Namespace: "Math", Name: "add"}}}
	raw, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got listFunctionsOutput
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Code != out.Code || len(got.Entries) != 1 || got.Entries[0].Name != "add" {
		t.Errorf("round trip mismatch: got %+v", got)
	}
}
