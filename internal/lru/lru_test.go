package lru

import "testing"

func TestPutGet(t *testing.T) {
	c := New[string, int](2)
	c.Put("a", 1)
	v, ok := c.Get("a")
	if !ok || v != 1 {
		t.Fatalf("Get(a) = %d, %v; want 1, true", v, ok)
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := New[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)
	// touch "a" so "b" becomes the least-recently-used entry.
	c.Get("a")
	c.Put("c", 3)

	if c.Contains("b") {
		t.Fatalf("expected b to be evicted")
	}
	if !c.Contains("a") {
		t.Fatalf("expected a (recently accessed) to survive eviction")
	}
	if !c.Contains("c") {
		t.Fatalf("expected c to be present")
	}
}

func TestPutUpdatesExistingKeyWithoutEviction(t *testing.T) {
	c := New[string, int](1)
	c.Put("a", 1)
	c.Put("a", 2)
	v, ok := c.Get("a")
	if !ok || v != 2 {
		t.Fatalf("Get(a) = %d, %v; want 2, true", v, ok)
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d; want 1", c.Len())
	}
}

func TestContainsDoesNotAffectRecency(t *testing.T) {
	c := New[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Contains("a") // must not count as a touch
	c.Put("c", 3)

	if c.Contains("a") {
		t.Fatalf("expected a to be evicted since Contains must not update recency")
	}
}

func TestMinimumCapacity(t *testing.T) {
	c := New[string, int](0)
	c.Put("a", 1)
	c.Put("b", 2)
	if c.Len() != 1 {
		t.Fatalf("Len() = %d; want 1 for a non-positive capacity clamped to 1", c.Len())
	}
}
