package store

import "testing"

func TestCanonicalPair(t *testing.T) {
	a, b := CanonicalPair(42, 7)
	if a != 7 || b != 42 {
		t.Fatalf("got (%d,%d), want (7,42)", a, b)
	}
	a, b = CanonicalPair(7, 42)
	if a != 7 || b != 42 {
		t.Fatalf("order must not matter: got (%d,%d)", a, b)
	}
	a, b = CanonicalPair(9, 9)
	if a != 9 || b != 9 {
		t.Fatalf("got (%d,%d), want (9,9)", a, b)
	}
}
