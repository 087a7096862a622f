package api

import (
	"context"
	"testing"
	"time"
)

func TestRedisDeduperAddRemove(t *testing.T) {
	mr, deduper := newTestDeduper(t)
	ctx := context.Background()

	added, err := deduper.Add(ctx, "user", "k1")
	if err != nil || !added {
		t.Fatalf("expected first add to succeed, got %v %v", added, err)
	}
	added, err = deduper.Add(ctx, "user", "k1")
	if err != nil || added {
		t.Fatalf("expected duplicate, got %v %v", added, err)
	}
	if ttl := mr.TTL("idem:user:k1"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected TTL %v", ttl)
	}

	if err := deduper.Remove(ctx, "user", "k1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	added, err = deduper.Add(ctx, "user", "k1")
	if err != nil || !added {
		t.Fatalf("expected key to be reusable after remove, got %v %v", added, err)
	}
}

func TestRedisDeduperKeyNamespacing(t *testing.T) {
	_, deduper := newTestDeduper(t)
	ctx := context.Background()

	if added, err := deduper.Add(ctx, "a", "shared"); err != nil || !added {
		t.Fatalf("add for a: %v %v", added, err)
	}
	if added, err := deduper.Add(ctx, "b", "shared"); err != nil || !added {
		t.Fatalf("keys of different owners must not collide: %v %v", added, err)
	}
}
