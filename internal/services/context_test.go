package services_test

import (
	"context"
	"testing"

	"feedloom/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithSourceID(ctx, 7)
	ctx = services.WithRuleID(ctx, 9)
	ctx = services.WithItemID(ctx, 42)
	ctx = services.WithRequestID(ctx, "req-123")

	if id, ok := services.SourceIDFromContext(ctx); !ok || id != 7 {
		t.Fatalf("unexpected source id: %v %v", id, ok)
	}
	if id, ok := services.RuleIDFromContext(ctx); !ok || id != 9 {
		t.Fatalf("unexpected rule id: %v %v", id, ok)
	}
	if id, ok := services.ItemIDFromContext(ctx); !ok || id != 42 {
		t.Fatalf("unexpected item id: %v %v", id, ok)
	}
	if rid, ok := services.RequestIDFromContext(ctx); !ok || rid != "req-123" {
		t.Fatalf("unexpected request id: %v %v", rid, ok)
	}
}

func TestBlankRequestIDPreservesContext(t *testing.T) {
	ctx := services.WithRequestID(context.Background(), "")
	if _, ok := services.RequestIDFromContext(ctx); ok {
		t.Fatal("expected no request id value")
	}
	if _, ok := services.ItemIDFromContext(ctx); ok {
		t.Fatal("expected no item id value")
	}
}
