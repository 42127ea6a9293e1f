package telemetry

import (
	"context"
	"testing"
)

func TestInitDisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), Settings{ServiceName: "catalog-service"})
	if err != nil {
		t.Fatalf("init without an endpoint must not fail: %v", err)
	}
	if shutdown == nil {
		t.Fatal("expected a noop shutdown")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("noop shutdown must not fail: %v", err)
	}
}
