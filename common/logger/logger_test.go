package logger_test

import (
	"context"
	"testing"

	"github.com/djeer/cryptology-go/common/logger"
)

func TestNew_InvalidLevel(t *testing.T) {
	_, err := logger.New(logger.Config{Level: "invalid"})
	if err == nil {
		t.Error("expected error for invalid level, got nil")
	}
}

func TestNew_ValidLevels(t *testing.T) {
	for _, lvl := range []string{"", "debug", "info", "warn", "error"} {
		if _, err := logger.New(logger.Config{Level: lvl, DevMode: true}); err != nil {
			t.Errorf("level %q: unexpected error %v", lvl, err)
		}
	}
}

func TestWithContext_IDs(t *testing.T) {
	l, err := logger.New(logger.Config{Level: "info", DevMode: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := logger.ContextWithTraceID(context.Background(), "trace-123")
	ctx = logger.ContextWithRequestID(ctx, "req-456")
	ctx = logger.ContextWithSessionID(ctx, "sess-789")

	enriched := l.WithContext(ctx)
	if enriched == l {
		t.Error("expected a derived logger when ids are present")
	}
	enriched.Info("test message")

	if plain := l.WithContext(context.Background()); plain != l {
		t.Error("expected the same logger when ctx carries no ids")
	}
}

func TestNewNop(t *testing.T) {
	l := logger.NewNop()
	l.Named("x").Warn("discarded")
	l.Sync()
}
