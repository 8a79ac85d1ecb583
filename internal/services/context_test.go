package services_test

import (
	"context"
	"testing"

	"haul/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithItemID(ctx, "sha256:abc")
	ctx = services.WithLane(ctx, "express")
	ctx = services.WithAttemptID(ctx, "att-1")
	ctx = services.WithRequestID(ctx, "req-123")

	if id, ok := services.ItemIDFromContext(ctx); !ok || id != "sha256:abc" {
		t.Fatalf("unexpected item id: %v %v", id, ok)
	}
	if lane, ok := services.LaneFromContext(ctx); !ok || lane != "express" {
		t.Fatalf("unexpected lane: %v %v", lane, ok)
	}
	if attempt, ok := services.AttemptIDFromContext(ctx); !ok || attempt != "att-1" {
		t.Fatalf("unexpected attempt id: %v %v", attempt, ok)
	}
	if rid, ok := services.RequestIDFromContext(ctx); !ok || rid != "req-123" {
		t.Fatalf("unexpected request id: %v %v", rid, ok)
	}
}

func TestBlankValuesPreserveContext(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithLane(ctx, "")
	ctx = services.WithItemID(ctx, "")
	if _, ok := services.LaneFromContext(ctx); ok {
		t.Fatal("expected no lane value")
	}
	if _, ok := services.ItemIDFromContext(ctx); ok {
		t.Fatal("expected no item id value")
	}
}
