package explain

import (
	"fmt"
	"testing"
	"time"
)

func TestCacheKey_Distinctness(t *testing.T) {
	base := CacheKey("∂", "partial derivative of f")

	if CacheKey("∂", "partial derivative of f") != base {
		t.Error("same inputs must produce the same key")
	}
	if CacheKey("∂", "a different passage") == base {
		t.Error("different context must produce a different key")
	}
	if CacheKey("∇", "partial derivative of f") == base {
		t.Error("different symbol must produce a different key")
	}

	// Long contexts differing only past any prefix still get distinct keys.
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'x'
	}
	a := CacheKey("∂", string(long)+"A")
	b := CacheKey("∂", string(long)+"B")
	if a == b {
		t.Error("contexts differing only in the tail must produce distinct keys")
	}
}

func TestInferCategory(t *testing.T) {
	tests := []struct {
		symbol string
		want   string
	}{
		{"α", CategoryGreekLetter},
		{"Ω", CategoryGreekLetter},
		{"∫x dx", CategoryCalculus},
		{"∂f/∂x", CategoryCalculus},
		{"x ∈ A", CategorySetTheory},
		{"A ∪ B", CategorySetTheory},
		{"x^2 + 1", CategoryMathematics},
		{"", CategoryMathematics},
	}

	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			if got := InferCategory(tt.symbol); got != tt.want {
				t.Errorf("InferCategory(%q) = %q, want %q", tt.symbol, got, tt.want)
			}
		})
	}
}

func TestMemoryCache_HitAndExpiry(t *testing.T) {
	now := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	c := NewMemoryCache(10, time.Hour)
	c.now = func() time.Time { return now }

	c.Set("k", &Explanation{Symbol: "α", Explanation: "alpha"})

	exp, ok := c.Get("k")
	if !ok || exp.Explanation != "alpha" {
		t.Fatalf("Get = %+v, %v", exp, ok)
	}

	// A hit hands out a copy, not the stored entry.
	exp.Explanation = "mutated"
	if again, _ := c.Get("k"); again.Explanation != "alpha" {
		t.Error("Get must return a copy")
	}

	now = now.Add(time.Hour + time.Second)
	if _, ok := c.Get("k"); ok {
		t.Error("entry must expire after the TTL")
	}

	stats := c.Stats()
	if stats.Hits != 2 || stats.Misses != 1 {
		t.Errorf("stats = %+v, want 2 hits / 1 miss", stats)
	}
}

func TestMemoryCache_TTLCountsFromInsertion(t *testing.T) {
	now := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	c := NewMemoryCache(10, time.Hour)
	c.now = func() time.Time { return now }

	c.Set("k", &Explanation{Symbol: "α"})

	// Repeated hits must not push the expiration out.
	for i := 0; i < 5; i++ {
		now = now.Add(10 * time.Minute)
		if _, ok := c.Get("k"); !ok && now.Sub(time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)) <= time.Hour {
			t.Fatalf("entry expired early at +%v", now.Sub(time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)))
		}
	}
	now = time.Date(2026, 9, 1, 11, 0, 1, 0, time.UTC)
	if _, ok := c.Get("k"); ok {
		t.Error("hits must not extend the TTL")
	}
}

func TestMemoryCache_EvictsLeastRecentlyUsed(t *testing.T) {
	now := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	c := NewMemoryCache(3, time.Hour)
	c.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		c.Set(fmt.Sprintf("k%d", i), &Explanation{Symbol: fmt.Sprintf("s%d", i)})
		now = now.Add(time.Second)
	}

	// Touch k0 so k1 becomes the eviction candidate.
	if _, ok := c.Get("k0"); !ok {
		t.Fatal("k0 should be present")
	}
	now = now.Add(time.Second)

	c.Set("k3", &Explanation{Symbol: "s3"})

	if _, ok := c.Get("k1"); ok {
		t.Error("k1 should have been evicted")
	}
	for _, key := range []string{"k0", "k2", "k3"} {
		if _, ok := c.Get(key); !ok {
			t.Errorf("%s should still be present", key)
		}
	}
	if stats := c.Stats(); stats.Evictions != 1 || stats.Size != 3 {
		t.Errorf("stats = %+v, want 1 eviction and size 3", stats)
	}
}

func TestMemoryCache_SetOverwrites(t *testing.T) {
	c := NewMemoryCache(10, time.Hour)
	c.Set("k", &Explanation{Explanation: "first"})
	c.Set("k", &Explanation{Explanation: "second"})

	exp, ok := c.Get("k")
	if !ok || exp.Explanation != "second" {
		t.Errorf("Get = %+v, %v, want the overwritten value", exp, ok)
	}
	if size := c.Stats().Size; size != 1 {
		t.Errorf("Size = %d, want 1", size)
	}
}
