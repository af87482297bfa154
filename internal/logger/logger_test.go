package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/Strob0t/agentdesk/internal/config"
)

func TestNew(t *testing.T) {
	l, closer := New(config.Logging{Level: "debug", Service: "test-svc"})
	defer closer.Close()
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewAsyncFlushesOnClose(t *testing.T) {
	var buf bytes.Buffer
	l, closer := NewWithWriter(config.Logging{Level: "info", Service: "svc", Async: true}, &buf)
	l.Info("queued")
	closer.Close()

	if !bytes.Contains(buf.Bytes(), []byte(`"msg":"queued"`)) {
		t.Fatalf("expected record after close, got %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"unknown", "INFO"},
		{"", "INFO"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLevel(tt.input).String(); got != tt.want {
				t.Errorf("parseLevel(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestContextIDs(t *testing.T) {
	ctx := context.Background()
	if RequestID(ctx) != "" || SessionID(ctx) != "" {
		t.Fatal("expected empty ids on bare context")
	}

	ctx = WithRequestID(ctx, "req-1")
	ctx = WithSessionID(ctx, "sess-1")
	if RequestID(ctx) != "req-1" {
		t.Errorf("unexpected request id %q", RequestID(ctx))
	}
	if SessionID(ctx) != "sess-1" {
		t.Errorf("unexpected session id %q", SessionID(ctx))
	}
}

func TestContextHandlerAddsIDs(t *testing.T) {
	var buf bytes.Buffer
	l, closer := NewWithWriter(config.Logging{Level: "info", Service: "svc"}, &buf)
	defer closer.Close()

	ctx := WithSessionID(WithRequestID(context.Background(), "req-9"), "sess-9")
	l.InfoContext(ctx, "hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if rec["request_id"] != "req-9" || rec["session_id"] != "sess-9" {
		t.Errorf("missing correlation ids: %v", rec)
	}
	if rec["service"] != "svc" {
		t.Errorf("missing service attr: %v", rec)
	}
}
