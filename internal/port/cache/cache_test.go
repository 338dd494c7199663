package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/meridianhq/quorum/internal/port/cache"
)

// RunComplianceTests runs the standard compliance suite against any Cache
// implementation. Adapter packages call this from their own tests.
func RunComplianceTests(t *testing.T, c cache.Cache) {
	t.Helper()
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		if err := c.Set(ctx, "stats:p1:security", []byte(`{"success_rate":0.8}`), time.Minute); err != nil {
			t.Fatal(err)
		}
		val, found, err := c.Get(ctx, "stats:p1:security")
		if err != nil {
			t.Fatal(err)
		}
		if !found {
			t.Fatal("expected found after Set")
		}
		if string(val) != `{"success_rate":0.8}` {
			t.Fatalf("unexpected value: %s", val)
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		_, found, err := c.Get(ctx, "stats:absent:none")
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("expected miss for absent key")
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		_ = c.Set(ctx, "stats:p2:business", []byte("v1"), time.Minute)
		_ = c.Set(ctx, "stats:p2:business", []byte("v2"), time.Minute)
		val, found, err := c.Get(ctx, "stats:p2:business")
		if err != nil {
			t.Fatal(err)
		}
		if !found {
			t.Fatal("expected found after overwrite")
		}
		if string(val) != "v2" {
			t.Fatalf("expected v2 after overwrite, got %s", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = c.Set(ctx, "stats:p3:technical", []byte("gone"), time.Minute)
		if err := c.Delete(ctx, "stats:p3:technical"); err != nil {
			t.Fatal(err)
		}
		_, found, err := c.Get(ctx, "stats:p3:technical")
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("expected miss after Delete")
		}
	})

	t.Run("DeleteAbsent", func(t *testing.T) {
		if err := c.Delete(ctx, "stats:never:was"); err != nil {
			t.Fatal("Delete of absent key should not error")
		}
	})
}
