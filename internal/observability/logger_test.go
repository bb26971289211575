package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name  string
		cfg   Config
		level string
		want  bool // whether we expect the message to appear
	}{
		{"info level logs info", Config{Level: "info"}, "info", true},
		{"info level does not log debug", Config{Level: "info"}, "debug", false},
		{"debug level logs debug", Config{Level: "debug"}, "debug", true},
		{"error level does not log warn", Config{Level: "error"}, "warn", false},
		{"unknown level defaults to info", Config{Level: "loud"}, "info", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			tt.cfg.Output = buf
			logger := NewLogger(tt.cfg)

			switch tt.level {
			case "debug":
				logger.Debug("test message")
			case "info":
				logger.Info("test message")
			case "warn":
				logger.Warn("test message")
			case "error":
				logger.Error("test message")
			}

			if got := strings.Contains(buf.String(), "test message"); got != tt.want {
				t.Errorf("message logged = %v, want %v; output: %s", got, tt.want, buf.String())
			}
		})
	}
}

func TestLoggerTextFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	NewLogger(Config{Format: "text", Output: buf}).Info("hello", "k", "v")
	if !strings.Contains(buf.String(), "k=v") {
		t.Errorf("expected text output, got %s", buf.String())
	}
}

func TestLoggerWithComponentAndRequestID(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLogger(Config{Output: buf}).WithComponent("directory")

	ctx := WithRequestID(context.Background(), "req-123")
	logger.WarnContext(ctx, "lookup failed")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry["component"] != "directory" {
		t.Errorf("component = %v, want directory", entry["component"])
	}
	if entry["request_id"] != "req-123" {
		t.Errorf("request_id = %v, want req-123", entry["request_id"])
	}
}

func TestLoggerRedactsSecrets(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLogger(Config{Output: buf})
	logger.Info("config", "bot_token", "abc.def", "client_secret", "shh", "session_id", "deadbeef", "guild_id", "g-1")

	out := buf.String()
	for _, secret := range []string{"abc.def", "shh", "deadbeef"} {
		if strings.Contains(out, secret) {
			t.Errorf("secret %q leaked: %s", secret, out)
		}
	}
	if !strings.Contains(out, "g-1") {
		t.Errorf("non-secret field dropped: %s", out)
	}
}

func TestRequestIDFromContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "")
	if got := RequestIDFromContext(ctx); got != "" {
		t.Errorf("empty request id stored: %q", got)
	}
}

func TestClientIPFromContext(t *testing.T) {
	ctx := WithClientIP(WithRequestID(context.Background(), "req-1"), "203.0.113.7")
	if got := ClientIPFromContext(ctx); got != "203.0.113.7" {
		t.Errorf("ClientIPFromContext() = %q", got)
	}
	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Errorf("request id lost: %q", got)
	}
	if got := ClientIPFromContext(WithClientIP(context.Background(), "")); got != "" {
		t.Errorf("empty ip stored: %q", got)
	}
}
