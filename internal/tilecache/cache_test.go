package tilecache

import "testing"

func TestAddAndGet(t *testing.T) {
	c, err := New(1024)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Add("a", []byte("hello"))
	data, ok := c.Get("a")
	if !ok || string(data) != "hello" {
		t.Fatalf("expected to get back %q, got %q ok=%v", "hello", data, ok)
	}
}

func TestEvictsLeastRecentlyUsedWhenOverBudget(t *testing.T) {
	c, err := New(10)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Add("a", make([]byte, 6))
	c.Add("b", make([]byte, 6))

	if _, ok := c.Get("a"); ok {
		t.Errorf("expected a to have been evicted once b pushed the cache over budget")
	}
	if _, ok := c.Get("b"); !ok {
		t.Errorf("expected b to remain cached")
	}
	if c.Size() > 10 {
		t.Errorf("cache size %d exceeds budget of 10", c.Size())
	}
}

func TestRejectsEntryLargerThanBudget(t *testing.T) {
	c, err := New(4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Add("a", make([]byte, 10))
	if _, ok := c.Get("a"); ok {
		t.Errorf("expected oversized entry to be rejected, not cached")
	}
	if c.Len() != 0 {
		t.Errorf("expected cache to remain empty, got %d entries", c.Len())
	}
}

func TestKeyIncorporatesDatasetKeysAndBounds(t *testing.T) {
	bounds := [4]float64{-1, -1, 1, 1}
	k1 := Key([]string{"us", "red"}, true, bounds, 256, 256, 0, "linear")
	k2 := Key([]string{"us", "blue"}, true, bounds, 256, 256, 0, "linear")
	if k1 == k2 {
		t.Errorf("expected distinct keys for distinct dataset keys")
	}

	k3 := Key([]string{"us", "red"}, false, [4]float64{}, 256, 256, 0, "linear")
	if k1 == k3 {
		t.Errorf("expected distinct keys for an explicit bounds vs the default-warp path")
	}

	k4 := Key([]string{"us", "red"}, true, bounds, 256, 256, -9999, "linear")
	if k1 == k4 {
		t.Errorf("expected distinct keys for distinct nodata values")
	}
}
