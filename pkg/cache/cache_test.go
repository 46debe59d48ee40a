package cache

import (
	"strconv"
	"sync"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	t.Run("valid capacity", func(t *testing.T) {
		c := New[string, int](100, 0)
		if c.capacity != 100 {
			t.Errorf("expected capacity 100, got %d", c.capacity)
		}
	})

	t.Run("non-positive capacity uses default", func(t *testing.T) {
		for _, n := range []int{0, -1} {
			if c := New[string, int](n, 0); c.capacity != 1024 {
				t.Errorf("capacity %d: expected default 1024, got %d", n, c.capacity)
			}
		}
	})
}

func TestGetSetDelete(t *testing.T) {
	c := New[int64, string](10, 0)
	if _, ok := c.Get(1); ok {
		t.Fatalf("expected miss on empty cache")
	}
	c.Set(1, "one")
	if v, ok := c.Get(1); !ok || v != "one" {
		t.Fatalf("expected one, got %q %v", v, ok)
	}
	c.Set(1, "uno")
	if v, _ := c.Get(1); v != "uno" {
		t.Fatalf("expected update, got %q", v)
	}
	c.Delete(1)
	if _, ok := c.Get(1); ok {
		t.Fatalf("expected miss after delete")
	}
	st := c.Stats()
	if st.Hits != 2 || st.Misses != 2 || st.Size != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestLRUEviction(t *testing.T) {
	c := New[string, int](2, 0)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Get("a")
	c.Set("c", 3)
	if _, ok := c.Get("b"); ok {
		t.Fatalf("least recently used entry should be evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("recently used entry evicted")
	}
	if c.Stats().Evictions != 1 {
		t.Fatalf("expected one eviction, got %+v", c.Stats())
	}
}

func TestExpiry(t *testing.T) {
	current := time.Unix(100, 0)
	c := New[string, int](4, time.Second)
	c.now = func() time.Time { return current }
	c.Set("k", 1)
	current = current.Add(500 * time.Millisecond)
	if _, ok := c.Get("k"); !ok {
		t.Fatalf("entry expired too early")
	}
	current = current.Add(time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatalf("entry should have expired")
	}
	if c.Stats().Expired != 1 || c.Len() != 0 {
		t.Fatalf("unexpected stats %+v", c.Stats())
	}
}

func TestClear(t *testing.T) {
	c := New[int, int](4, 0)
	for i := 0; i < 4; i++ {
		c.Set(i, i)
	}
	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("expected empty cache, got %d", c.Len())
	}
	c.Set(9, 9)
	if v, ok := c.Get(9); !ok || v != 9 {
		t.Fatalf("cache unusable after clear")
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New[string, int](64, time.Minute)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := strconv.Itoa(i % 80)
				c.Set(key, g)
				c.Get(key)
				if i%7 == 0 {
					c.Delete(key)
				}
			}
		}(g)
	}
	wg.Wait()
	if c.Len() > 64 {
		t.Fatalf("cache grew past capacity: %d", c.Len())
	}
}
