package mesh

import "testing"

func TestPeerCacheUpsertAndResolve(t *testing.T) {
	c := NewPeerCache()
	c.Upsert("N1", MAC{1, 2, 3, 4, 5, 6}, 1000)

	addr, ok := c.Resolve("N1")
	if !ok {
		t.Fatal("expected N1 to resolve")
	}
	if addr != (MAC{1, 2, 3, 4, 5, 6}) {
		t.Errorf("got %v", addr)
	}

	if _, ok := c.Resolve("unknown"); ok {
		t.Error("expected unknown device to not resolve")
	}
}

func TestPeerCacheLRUEviction(t *testing.T) {
	c := NewPeerCache()
	for i := 0; i < PeerCacheSize; i++ {
		c.Upsert(string(rune('A'+i)), MAC{byte(i)}, uint64(i))
	}

	// Touch "A" so it's most-recently-used and survives the next insert.
	if _, ok := c.Resolve("A"); !ok {
		t.Fatal("expected A to resolve before eviction")
	}

	// Inserting one more entry should evict the least-recently-used, "B".
	c.Upsert("NEW", MAC{99}, 1000)

	if _, ok := c.Resolve("A"); !ok {
		t.Error("expected A to survive eviction (recently touched)")
	}
	if _, ok := c.Resolve("B"); ok {
		t.Error("expected B to be evicted as least-recently-used")
	}
	if len(c.Snapshot()) != PeerCacheSize {
		t.Errorf("expected cache to stay bounded at %d, got %d", PeerCacheSize, len(c.Snapshot()))
	}
}
