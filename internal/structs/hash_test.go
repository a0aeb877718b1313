package structs

import "testing"

func TestWildcardHashExactTakesPriority(t *testing.T) {
	h := NewWildcardHash[int]()
	h.SetExact("www.example.com", 1)
	h.SetLeadingWildcard("*.example.com", 2)

	v, ok := h.Lookup("www.example.com")
	if !ok || v != 1 {
		t.Fatalf("Lookup() = (%d, %v), want (1, true)", v, ok)
	}
}

func TestWildcardHashLeadingWildcard(t *testing.T) {
	h := NewWildcardHash[int]()
	h.SetLeadingWildcard("*.example.com", 2)

	v, ok := h.Lookup("foo.bar.example.com")
	if !ok || v != 2 {
		t.Fatalf("Lookup() = (%d, %v), want (2, true)", v, ok)
	}
	if _, ok := h.Lookup("example.com"); ok {
		t.Fatal("expected no match for bare domain without the wildcard's dot")
	}
}

func TestWildcardHashTrailingWildcard(t *testing.T) {
	h := NewWildcardHash[int]()
	h.SetTrailingWildcard("www.example.*", 3)

	v, ok := h.Lookup("www.example.org")
	if !ok || v != 3 {
		t.Fatalf("Lookup() = (%d, %v), want (3, true)", v, ok)
	}
}

func TestWildcardHashLongestMatchWins(t *testing.T) {
	h := NewWildcardHash[int]()
	h.SetLeadingWildcard("*.example.com", 1)
	h.SetLeadingWildcard("*.sub.example.com", 2)

	v, ok := h.Lookup("a.sub.example.com")
	if !ok || v != 2 {
		t.Fatalf("Lookup() = (%d, %v), want (2, true) for the more specific wildcard", v, ok)
	}
}

func TestWildcardHashMiss(t *testing.T) {
	h := NewWildcardHash[int]()
	h.SetExact("a.com", 1)
	if _, ok := h.Lookup("b.com"); ok {
		t.Fatal("expected a miss for an unregistered key")
	}
}
