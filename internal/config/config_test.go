package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Host != "127.0.0.1" {
		t.Errorf("Host = %q, want 127.0.0.1", cfg.Host)
	}
	if cfg.Port != 8642 {
		t.Errorf("Port = %d, want 8642", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Timeout)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"port": 9000, "log_level": "debug", "mcp_servers": [{"name": "weather", "url": "https://weather.example.com"}]}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.Host != "127.0.0.1" {
		t.Errorf("Host = %q, want the untouched default 127.0.0.1", cfg.Host)
	}
	if len(cfg.MCPServers) != 1 || cfg.MCPServers[0].Name != "weather" {
		t.Errorf("MCPServers = %+v, want one entry named weather", cfg.MCPServers)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"port": 9000}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("CODEMODE_PORT", "1234")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 1234 {
		t.Errorf("Port = %d, want 1234 (env should win over file)", cfg.Port)
	}
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err == nil {
		t.Fatal("expected an error loading a missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{Port: 8642, LogLevel: "info"}, false},
		{"port zero", Config{Port: 0, LogLevel: "info"}, true},
		{"port too large", Config{Port: 70000, LogLevel: "info"}, true},
		{"empty log level", Config{Port: 8642, LogLevel: ""}, true},
		{"mcp server missing name", Config{Port: 8642, LogLevel: "info", MCPServers: []ServerSpec{{URL: "https://x"}}}, true},
		{"mcp server missing url and command", Config{Port: 8642, LogLevel: "info", MCPServers: []ServerSpec{{Name: "x"}}}, true},
		{"mcp server with command only", Config{Port: 8642, LogLevel: "info", MCPServers: []ServerSpec{{Name: "x", Command: "run"}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected an error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
