// Package config handles configuration loading and management for chatwire.
//
// A single YAML file carries three sections: server (the reference server),
// client (the connect command) and logging. Missing fields keep the values
// from Default().
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inercia/chatwire/internal/logging"
)

// EnvConfigPath overrides the default configuration path.
const EnvConfigPath = "CHATWIRE_CONFIG"

// EnvToken supplies the bearer token for the connect command.
const EnvToken = "CHATWIRE_TOKEN"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config represents the complete chatwire configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the reference server.
type ServerConfig struct {
	// Listen is the host:port to bind (default: 127.0.0.1:8080).
	Listen string `yaml:"listen"`
	// DataDir holds one JSONL event log per chat. Empty keeps logs in memory.
	DataDir string `yaml:"data_dir"`
	// PrintChunkDelay spaces out streamed chat.print chunks of the echo agent.
	PrintChunkDelay time.Duration `yaml:"print_chunk_delay"`
	// ToolCallTimeout bounds how long the echo agent waits for a tool response.
	// Zero waits until the response arrives or the chat disconnects.
	ToolCallTimeout time.Duration `yaml:"tool_call_timeout"`

	WebSocket    WebSocketConfig    `yaml:"websocket"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	APIRateLimit APIRateLimitConfig `yaml:"api_rate_limit"`
}

// WebSocketConfig holds WebSocket limits for the reference server.
type WebSocketConfig struct {
	MaxConnectionsPerIP int           `yaml:"max_connections_per_ip"`
	MaxMessageSize      int64         `yaml:"max_message_size"`
	PingInterval        time.Duration `yaml:"ping_interval"`
	PongTimeout         time.Duration `yaml:"pong_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	// AllowedOrigins lists extra Origin values accepted besides same-host.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RateLimitConfig limits inbound messages per connection.
type RateLimitConfig struct {
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

// APIRateLimitConfig limits HTTP API requests per client IP. A zero
// RequestsPerSecond disables the limit.
type APIRateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	// IdleTTL is how long an idle client's bucket is kept.
	IdleTTL time.Duration `yaml:"idle_ttl"`
}

// ClientConfig configures the connect command.
type ClientConfig struct {
	// URL is the base HTTP(S) URL of the backend, e.g. http://127.0.0.1:8080.
	URL        string `yaml:"url"`
	AppID      string `yaml:"app_id"`
	WorkflowID string `yaml:"workflow_id"`
	// Token is sent as a bearer token. $CHATWIRE_TOKEN takes precedence.
	Token string `yaml:"token"`

	StateDir     string `yaml:"state_dir"`
	StateBackend string `yaml:"state_backend"`

	// ResumeTimeout is how long to wait for a resume boundary before
	// treating the resume as stalled.
	ResumeTimeout time.Duration `yaml:"resume_timeout"`
	// MaxResumeStalls is the number of consecutive stalls tolerated before
	// automatic reconnects stop and the status becomes error.
	MaxResumeStalls int `yaml:"max_resume_stalls"`
	// ToolCallTimeout is the optional per tool call timeout. Zero disables it.
	ToolCallTimeout time.Duration `yaml:"tool_call_timeout"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
	Filters   FilterConfig    `yaml:"filters"`
	Render    RenderConfig    `yaml:"render"`
}

// ReconnectConfig controls the transport backoff.
type ReconnectConfig struct {
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	AttemptsPerMinute int           `yaml:"attempts_per_minute"`
}

// FilterConfig holds optional presentation filters as CEL expressions.
// An empty expression disables the filter.
type FilterConfig struct {
	SuppressFirstMessage string `yaml:"suppress_first_message"`
	SuppressEcho         string `yaml:"suppress_echo"`
	// InitialMessage is exposed to filter expressions as initial_message.
	InitialMessage string `yaml:"initial_message"`
}

// RenderConfig controls markdown rendering of message records.
type RenderConfig struct {
	Disabled       bool   `yaml:"disabled"`
	HighlightStyle string `yaml:"highlight_style"`
}

// LoggingConfig mirrors logging.Config in YAML form.
type LoggingConfig struct {
	Level      string   `yaml:"level"`
	FileLevel  string   `yaml:"file_level"`
	File       string   `yaml:"file"`
	MaxSizeMB  int      `yaml:"max_size_mb"`
	MaxBackups int      `yaml:"max_backups"`
	Compress   bool     `yaml:"compress"`
	JSON       bool     `yaml:"json"`
	Components []string `yaml:"components"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Server: ServerConfig{
			Listen:          "127.0.0.1:8080",
			PrintChunkDelay: 20 * time.Millisecond,
			WebSocket: WebSocketConfig{
				MaxConnectionsPerIP: 10,
				MaxMessageSize:      64 * 1024,
				PingInterval:        30 * time.Second,
				PongTimeout:         60 * time.Second,
				WriteTimeout:        10 * time.Second,
			},
			RateLimit: RateLimitConfig{
				MessagesPerSecond: 20,
				Burst:             40,
			},
			APIRateLimit: APIRateLimitConfig{
				RequestsPerSecond: 10,
				Burst:             20,
				IdleTTL:           10 * time.Minute,
			},
		},
		Client: ClientConfig{
			URL:             "http://127.0.0.1:8080",
			StateDir:        filepath.Join(home, ".chatwire", "state"),
			StateBackend:    "file",
			ResumeTimeout:   10 * time.Second,
			MaxResumeStalls: 3,
			Reconnect: ReconnectConfig{
				InitialDelay:      500 * time.Millisecond,
				MaxDelay:          30 * time.Second,
				AttemptsPerMinute: 12,
			},
			Render: RenderConfig{
				HighlightStyle: "monokai",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// DefaultConfigPath returns $CHATWIRE_CONFIG, or .chatwirerc under
// $XDG_CONFIG_HOME or the home directory.
func DefaultConfigPath() string {
	if envPath := os.Getenv(EnvConfigPath); envPath != "" {
		return envPath
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		configDir, _ = os.UserHomeDir()
	}
	return filepath.Join(configDir, ".chatwirerc")
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// LoadOrDefault behaves like Load but returns Default() when path does not
// exist. An explicit path that is missing is still an error when required.
func LoadOrDefault(path string, required bool) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !required {
		logging.ConfigLogger().Debug("config file not found, using defaults", "path", path)
		return Default(), nil
	}
	return Load(path)
}

// Parse decodes YAML on top of Default() and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Client.StateDir = expandHome(cfg.Client.StateDir)
	cfg.Server.DataDir = expandHome(cfg.Server.DataDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges and enumerations.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Server.Listen == "" {
		add("server.listen must not be empty")
	}
	if c.Server.WebSocket.MaxMessageSize <= 0 {
		add("server.websocket.max_message_size must be positive")
	}
	if c.Server.WebSocket.PingInterval <= 0 || c.Server.WebSocket.PongTimeout <= c.Server.WebSocket.PingInterval {
		add("server.websocket.pong_timeout must exceed a positive ping_interval")
	}
	if c.Server.RateLimit.MessagesPerSecond < 0 || c.Server.RateLimit.Burst < 0 {
		add("server.rate_limit values must not be negative")
	}
	if a := c.Server.APIRateLimit; a.RequestsPerSecond < 0 || a.Burst < 0 || a.IdleTTL < 0 {
		add("server.api_rate_limit values must not be negative")
	}

	if c.Client.URL != "" {
		u, err := url.Parse(c.Client.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("client.url must be an http or https URL, got %q", c.Client.URL)
		}
	}
	switch c.Client.StateBackend {
	case "file", "sqlite", "memory":
	default:
		add("client.state_backend must be file, sqlite or memory, got %q", c.Client.StateBackend)
	}
	if c.Client.ResumeTimeout <= 0 {
		add("client.resume_timeout must be positive")
	}
	if c.Client.MaxResumeStalls < 1 {
		add("client.max_resume_stalls must be at least 1")
	}
	if c.Client.ToolCallTimeout < 0 {
		add("client.tool_call_timeout must not be negative")
	}
	r := c.Client.Reconnect
	if r.InitialDelay <= 0 || r.MaxDelay < r.InitialDelay {
		add("client.reconnect.max_delay must be at least a positive initial_delay")
	}
	if r.AttemptsPerMinute < 1 {
		add("client.reconnect.attempts_per_minute must be at least 1")
	}

	if err := logging.ValidateLevel(c.Logging.Level); err != nil {
		add("logging.level: %v", err)
	}
	if err := logging.ValidateLevel(c.Logging.FileLevel); err != nil {
		add("logging.file_level: %v", err)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// LogConfig converts the logging section for logging.Initialize.
func (c *Config) LogConfig() logging.Config {
	lc := logging.Config{
		Level:      c.Logging.Level,
		FileLevel:  c.Logging.FileLevel,
		JSON:       c.Logging.JSON,
		Components: c.Logging.Components,
	}
	if c.Logging.File != "" {
		lc.FileLog = &logging.FileLogConfig{
			Path:       expandHome(c.Logging.File),
			MaxSizeMB:  c.Logging.MaxSizeMB,
			MaxBackups: c.Logging.MaxBackups,
			Compress:   c.Logging.Compress,
		}
	}
	return lc
}

// AuthToken returns the bearer token, preferring $CHATWIRE_TOKEN.
func (c *ClientConfig) AuthToken() string {
	if tok := os.Getenv(EnvToken); tok != "" {
		return tok
	}
	return c.Token
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
