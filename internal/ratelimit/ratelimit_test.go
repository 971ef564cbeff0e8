package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestFixedWindowAllowsUpToLimit(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fw := NewFixedWindow(3, time.Minute)
	fw.Now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := fw.Allow(ctx, "actor-1", "GET /v1/tenants/acme/entities")
		if err != nil || !ok {
			t.Fatalf("request %d should pass: ok=%v err=%v", i+1, ok, err)
		}
	}
	ok, err := fw.Allow(ctx, "actor-1", "GET /v1/tenants/acme/entities")
	if err != nil || ok {
		t.Fatalf("request over limit should be denied: ok=%v err=%v", ok, err)
	}
}

func TestFixedWindowKeysByActorAndResource(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fw := NewFixedWindow(1, time.Minute)
	fw.Now = func() time.Time { return now }
	ctx := context.Background()

	if ok, _ := fw.Allow(ctx, "actor-1", "GET /a"); !ok {
		t.Fatalf("first request denied")
	}
	if ok, _ := fw.Allow(ctx, "actor-1", "GET /a"); ok {
		t.Fatalf("same actor+resource should be denied")
	}
	if ok, _ := fw.Allow(ctx, "actor-2", "GET /a"); !ok {
		t.Fatalf("other actor shares no budget")
	}
	if ok, _ := fw.Allow(ctx, "actor-1", "GET /b"); !ok {
		t.Fatalf("other resource shares no budget")
	}
}

func TestFixedWindowResets(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fw := NewFixedWindow(1, time.Minute)
	fw.Now = func() time.Time { return now }
	ctx := context.Background()

	if ok, _ := fw.Allow(ctx, "actor-1", "r"); !ok {
		t.Fatalf("first request denied")
	}
	if ok, _ := fw.Allow(ctx, "actor-1", "r"); ok {
		t.Fatalf("second request in window should be denied")
	}
	now = now.Add(time.Minute)
	if ok, _ := fw.Allow(ctx, "actor-1", "r"); !ok {
		t.Fatalf("new window should reset the budget")
	}
}

func TestFixedWindowZeroLimitDisables(t *testing.T) {
	fw := NewFixedWindow(0, time.Minute)
	for i := 0; i < 10; i++ {
		if ok, err := fw.Allow(context.Background(), "a", "r"); !ok || err != nil {
			t.Fatalf("zero limit must never deny: ok=%v err=%v", ok, err)
		}
	}
}
