package gateway

import (
	"context"
	"fmt"
	"testing"

	"github.com/nextlevelbuilder/omnihub/internal/config"
)

func TestDeduperInMemory(t *testing.T) {
	ctx := context.Background()
	d := NewDeduper(config.RedisConfig{}) // no addr -> in-process cache
	defer d.Close()

	if d.Seen(ctx, "main", "MSG1") {
		t.Error("first delivery reported as seen")
	}
	if !d.Seen(ctx, "main", "MSG1") {
		t.Error("redelivery not detected")
	}
	if d.Seen(ctx, "other", "MSG1") {
		t.Error("dedup key leaked across instances")
	}
	if d.Seen(ctx, "main", "") {
		t.Error("empty message id must never dedup")
	}
}

func TestDeduperEvictsOldest(t *testing.T) {
	ctx := context.Background()
	d := NewDeduper(config.RedisConfig{})
	defer d.Close()

	for i := 0; i <= dedupMaxEntries; i++ {
		d.Seen(ctx, "main", fmt.Sprintf("MSG%d", i))
	}
	// The very first key was evicted to keep the cache bounded.
	if d.Seen(ctx, "main", "MSG0") {
		t.Error("oldest key still present after exceeding the cache cap")
	}
	// A recent key is still tracked.
	if !d.Seen(ctx, "main", fmt.Sprintf("MSG%d", dedupMaxEntries)) {
		t.Error("recent key was evicted")
	}
}
