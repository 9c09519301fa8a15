package registry

import "testing"

func TestRegistryKeepsRegistrationOrder(t *testing.T) {
	var r Registry[string]
	r.Add("a")
	hb, _ := r.Add("b")
	r.Add("c")

	if got := r.Snapshot(); len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("snapshot = %v", got)
	}
	if !r.Remove(hb) {
		t.Fatal("Remove(b) = false")
	}
	if r.Remove(hb) {
		t.Fatal("second Remove(b) = true")
	}
	if got := r.Snapshot(); len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Fatalf("snapshot after remove = %v", got)
	}
}

func TestRegistryDetachIsIdempotent(t *testing.T) {
	var r Registry[int]
	_, detach := r.Add(1)
	r.Add(2)
	detach()
	detach()
	if r.Len() != 1 {
		t.Fatalf("len = %d, want 1", r.Len())
	}
	if n := r.Clear(); n != 1 {
		t.Fatalf("Clear = %d, want 1", n)
	}
	if r.Len() != 0 {
		t.Fatal("registry not empty after Clear")
	}
}

func TestHandlesAreUnique(t *testing.T) {
	var a, b Registry[int]
	h1, _ := a.Add(1)
	h2, _ := b.Add(1)
	if h1 == 0 || h2 == 0 || h1 == h2 {
		t.Fatalf("handles not unique: %d %d", h1, h2)
	}
}
