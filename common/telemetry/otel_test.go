package telemetry

import (
	"context"
	"testing"

	"github.com/djeer/cryptology-go/common/logger"
)

func TestInitTracer_RequiresServiceName(t *testing.T) {
	if _, err := InitTracer(context.Background(), Config{}, logger.NewNop()); err == nil {
		t.Fatal("expected error without service name")
	}
}

func TestInitTracer_DisabledExport(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), Config{ServiceName: "svc"}, logger.NewNop())
	if err != nil {
		t.Fatalf("InitTracer: %v", err)
	}
	_, span := Tracer("test").Start(context.Background(), "op")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
