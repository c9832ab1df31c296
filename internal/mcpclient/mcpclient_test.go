package mcpclient

import (
	"context"
	"testing"
	"time"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Connecting, "connecting"},
		{Ready, "ready"},
		{Failed, "failed"},
		{Closed, "closed"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestConnection_AllowedHost(t *testing.T) {
	tests := []struct {
		name   string
		spec   ServerSpec
		want   string
		wantOK bool
	}{
		{"https default port", ServerSpec{Name: "a", URL: "https://api.example.com/mcp"}, "api.example.com:443", true},
		{"http default port", ServerSpec{Name: "a", URL: "http://api.example.com/mcp"}, "api.example.com:80", true},
		{"explicit port", ServerSpec{Name: "a", URL: "https://api.example.com:9443/mcp"}, "api.example.com:9443", true},
		{"stdio grants nothing", ServerSpec{Name: "a", Command: "some-binary"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newConnection(tt.spec)
			got, ok := conn.AllowedHost()
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("AllowedHost() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConnection_CallTool_NotReady(t *testing.T) {
	conn := newConnection(ServerSpec{Name: "weather", URL: "https://example.com"})
	_, err := conn.CallTool(context.Background(), "getForecast", nil)
	if err == nil {
		t.Fatal("expected error calling a tool on a non-ready connection")
	}
}

func TestManager_Connect_IsolatesUpstreamFailure(t *testing.T) {
	mgr := NewManager("codemode-test", "0.0.1", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn := mgr.Connect(ctx, ServerSpec{Name: "broken", Command: "codemode-nonexistent-binary-xyz"})
	if conn.State() != Failed {
		t.Fatalf("State() = %s, want failed", conn.State())
	}
	if conn.FailureReason() == nil {
		t.Error("expected a non-nil FailureReason for a failed connection")
	}

	got, ok := mgr.Get("broken")
	if !ok || got != conn {
		t.Errorf("Get(%q) = %v, %v; want the same connection", "broken", got, ok)
	}
	if len(mgr.Ready()) != 0 {
		t.Errorf("Ready() = %v, want none", mgr.Ready())
	}
}

func TestManager_ConnectAll_EachUpstreamFailsIndependently(t *testing.T) {
	mgr := NewManager("codemode-test", "0.0.1", nil)
	specs := []ServerSpec{
		{Name: "broken-a", Command: "codemode-nonexistent-binary-a"},
		{Name: "broken-b", Command: "codemode-nonexistent-binary-b"},
	}

	conns := mgr.ConnectAll(context.Background(), specs, 2*time.Second)
	if len(conns) != 2 {
		t.Fatalf("len(conns) = %d, want 2", len(conns))
	}
	for i, conn := range conns {
		if conn.State() != Failed {
			t.Errorf("conns[%d].State() = %s, want failed", i, conn.State())
		}
	}
	if len(mgr.Ready()) != 0 {
		t.Errorf("Ready() = %v, want none — neither upstream should mark the other ready", mgr.Ready())
	}
}

func TestManager_Get_Unknown(t *testing.T) {
	mgr := NewManager("codemode-test", "0.0.1", nil)
	if _, ok := mgr.Get("nope"); ok {
		t.Error("expected Get on an unregistered name to report false")
	}
}
