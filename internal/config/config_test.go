package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestParse_ValidConfig(t *testing.T) {
	yaml := `
server:
  listen: "0.0.0.0:9000"
  data_dir: /tmp/chatwire
  websocket:
    max_connections_per_ip: 3
client:
  url: "https://chat.example.com"
  app_id: app1
  workflow_id: wf1
  state_backend: sqlite
  resume_timeout: 2s
  max_resume_stalls: 5
  tool_call_timeout: 1m
  reconnect:
    initial_delay: 100ms
    max_delay: 5s
  filters:
    suppress_echo: 'similarity(text, last_user_input) > 0.9'
logging:
  level: debug
  components: [transport, sequence]
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Server.Listen != "0.0.0.0:9000" {
		t.Errorf("Server.Listen = %q, want %q", cfg.Server.Listen, "0.0.0.0:9000")
	}
	if cfg.Server.WebSocket.MaxConnectionsPerIP != 3 {
		t.Errorf("MaxConnectionsPerIP = %d, want 3", cfg.Server.WebSocket.MaxConnectionsPerIP)
	}
	// Unset fields keep defaults.
	if cfg.Server.WebSocket.PingInterval != 30*time.Second {
		t.Errorf("PingInterval = %v, want default 30s", cfg.Server.WebSocket.PingInterval)
	}
	if cfg.Client.StateBackend != "sqlite" {
		t.Errorf("StateBackend = %q, want sqlite", cfg.Client.StateBackend)
	}
	if cfg.Client.ResumeTimeout != 2*time.Second {
		t.Errorf("ResumeTimeout = %v, want 2s", cfg.Client.ResumeTimeout)
	}
	if cfg.Client.ToolCallTimeout != time.Minute {
		t.Errorf("ToolCallTimeout = %v, want 1m", cfg.Client.ToolCallTimeout)
	}
	if cfg.Client.Reconnect.InitialDelay != 100*time.Millisecond {
		t.Errorf("InitialDelay = %v, want 100ms", cfg.Client.Reconnect.InitialDelay)
	}
	if cfg.Client.Reconnect.AttemptsPerMinute != 12 {
		t.Errorf("AttemptsPerMinute = %d, want default 12", cfg.Client.Reconnect.AttemptsPerMinute)
	}
	if cfg.Client.Filters.SuppressEcho == "" {
		t.Error("Filters.SuppressEcho should be set")
	}
	if len(cfg.Logging.Components) != 2 {
		t.Errorf("Logging.Components = %v, want 2 entries", cfg.Logging.Components)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad backend", "client:\n  state_backend: redis\n"},
		{"bad url", "client:\n  url: ftp://x\n"},
		{"zero stalls", "client:\n  max_resume_stalls: 0\n"},
		{"max below initial", "client:\n  reconnect:\n    initial_delay: 2s\n    max_delay: 1s\n"},
		{"bad level", "logging:\n  level: loud\n"},
		{"pong below ping", "server:\n  websocket:\n    ping_interval: 10s\n    pong_timeout: 5s\n"},
		{"negative api rate", "server:\n  api_rate_limit:\n    requests_per_second: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("Parse error = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestParse_Malformed(t *testing.T) {
	if _, err := Parse([]byte("client: [")); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestDefault_Validates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestLoadOrDefault(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")

	cfg, err := LoadOrDefault(missing, false)
	if err != nil {
		t.Fatalf("LoadOrDefault failed: %v", err)
	}
	if cfg.Server.Listen != Default().Server.Listen {
		t.Errorf("expected defaults, got listen %q", cfg.Server.Listen)
	}

	if _, err := LoadOrDefault(missing, true); err == nil {
		t.Error("required missing config should fail")
	}
}

func TestDefaultConfigPath_Env(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/chatwire.yaml")
	if got := DefaultConfigPath(); got != "/etc/chatwire.yaml" {
		t.Errorf("DefaultConfigPath() = %q", got)
	}
}

func TestAuthToken_EnvWins(t *testing.T) {
	c := ClientConfig{Token: "from-file"}
	t.Setenv(EnvToken, "")
	if got := c.AuthToken(); got != "from-file" {
		t.Errorf("AuthToken() = %q, want from-file", got)
	}
	t.Setenv(EnvToken, "from-env")
	if got := c.AuthToken(); got != "from-env" {
		t.Errorf("AuthToken() = %q, want from-env", got)
	}
}

func TestLogConfig(t *testing.T) {
	cfg := Default()
	if lc := cfg.LogConfig(); lc.FileLog != nil {
		t.Error("FileLog should be nil without logging.file")
	}
	cfg.Logging.File = "/tmp/chatwire.log"
	lc := cfg.LogConfig()
	if lc.FileLog == nil || lc.FileLog.Path != "/tmp/chatwire.log" || lc.FileLog.MaxBackups != 3 {
		t.Errorf("FileLog = %+v", lc.FileLog)
	}
}
