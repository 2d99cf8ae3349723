package executor

import "testing"

func TestRingIsStablePerKey(t *testing.T) {
	ring := NewRing([]string{"a", "b", "c"})
	first := ring.Locate("srv-1")
	for i := 0; i < 10; i++ {
		if got := ring.Locate("srv-1"); got != first {
			t.Fatalf("expected stable stream %q, got %q", first, got)
		}
	}
	seen := map[string]bool{}
	for _, key := range []string{"srv-1", "srv-2", "srv-3", "srv-4", "srv-5", "srv-6", "srv-7", "srv-8"} {
		seen[ring.Locate(key)] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected keys to spread over streams, got %v", seen)
	}
}

func TestEmptyRing(t *testing.T) {
	if got := NewRing(nil).Locate("srv"); got != "" {
		t.Fatalf("expected empty stream, got %q", got)
	}
}
