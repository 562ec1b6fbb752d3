package logging

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
)

func TestWithChat(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	base := slog.New(handler)

	logger := WithChat(base, "chat-123")
	logger.Info("first message")
	logger.Debug("second message")

	output := buf.String()
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 log lines, got %d", len(lines))
	}
	for i, line := range lines {
		if !strings.Contains(line, "chat_id=chat-123") {
			t.Errorf("Line %d missing chat_id: %s", i+1, line)
		}
	}
}

func TestWithChat_NilLogger(t *testing.T) {
	if logger := WithChat(nil, "chat"); logger != nil {
		t.Error("WithChat(nil, ...) should return nil")
	}
}

func TestWithClient(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	base := slog.New(handler)

	logger := WithClient(base, "client-abc", "chat-xyz")
	logger.Info("client test", "extra_key", "extra_value")

	output := buf.String()
	for _, want := range []string{"client_id=client-abc", "chat_id=chat-xyz", "extra_key=extra_value"} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected %s in output, got: %s", want, output)
		}
	}
}

func TestWithClient_NilLogger(t *testing.T) {
	if logger := WithClient(nil, "client", "chat"); logger != nil {
		t.Error("WithClient(nil, ...) should return nil")
	}
}

func TestComponentFilter(t *testing.T) {
	var buf bytes.Buffer
	if err := Initialize(Config{Level: "debug", Components: []string{ComponentSequence}, Output: &buf}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() {
		_ = Initialize(Config{Level: "info"})
	})

	Sequence().Debug("kept")
	Transport().Info("dropped")

	output := buf.String()
	if !strings.Contains(output, "component=sequence") || !strings.Contains(output, "kept") {
		t.Errorf("Expected sequence record, got: %s", output)
	}
	if strings.Contains(output, "dropped") {
		t.Errorf("Transport record should be filtered, got: %s", output)
	}
}

func TestComponentLoggers(t *testing.T) {
	var buf bytes.Buffer
	if err := Initialize(Config{Level: "debug", Output: &buf}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() {
		_ = Initialize(Config{Level: "info"})
	})

	loggers := map[string]*slog.Logger{
		ComponentClient: Client(),
		ComponentWeb:    Web(),
		ComponentConfig: ConfigLogger(),
	}
	for component, logger := range loggers {
		buf.Reset()
		logger.Info("hello")
		if want := "component=" + component; !strings.Contains(buf.String(), want) {
			t.Errorf("%s logger output %q, want %s", component, buf.String(), want)
		}
	}
}

func TestInitialize_FileWithDifferentLevel(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "chatwire.log")
	err := Initialize(Config{
		Level:     "warn",
		FileLevel: "debug",
		FileLog:   &FileLogConfig{Path: path},
		Output:    &console,
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() {
		_ = Close()
		_ = Initialize(Config{Level: "info"})
	})

	Get().Debug("debug only in file")
	if strings.Contains(console.String(), "debug only in file") {
		t.Error("Debug record should not reach the console at warn level")
	}
	if !Get().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Logger should be enabled at debug because the file handler is")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if err := ValidateLevel("bogus"); err == nil {
		t.Error("ValidateLevel(bogus) should fail")
	}
}
