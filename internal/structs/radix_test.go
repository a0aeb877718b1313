package structs

import "testing"

func TestRadixInsertAndFind(t *testing.T) {
	r := NewRadix()
	// 10.0.0.0/8
	r.Insert([]byte{10, 0, 0, 0}, 8, "ten-slash-eight")
	// 10.1.0.0/16, more specific
	r.Insert([]byte{10, 1, 0, 0}, 16, "ten-one-slash-sixteen")

	v, ok := r.Find([]byte{10, 1, 2, 3}, 32)
	if !ok || v != "ten-one-slash-sixteen" {
		t.Fatalf("Find() = (%v, %v), want the more specific /16 route", v, ok)
	}

	v, ok = r.Find([]byte{10, 2, 2, 3}, 32)
	if !ok || v != "ten-slash-eight" {
		t.Fatalf("Find() = (%v, %v), want the /8 route", v, ok)
	}
}

func TestRadixFindMiss(t *testing.T) {
	r := NewRadix()
	r.Insert([]byte{192, 168, 0, 0}, 16, "private")

	if _, ok := r.Find([]byte{8, 8, 8, 8}, 32); ok {
		t.Fatal("expected no match outside the inserted prefix")
	}
}

func TestRadixDelete(t *testing.T) {
	r := NewRadix()
	r.Insert([]byte{172, 16, 0, 0}, 12, "docker")

	if ok := r.Delete([]byte{172, 16, 0, 0}, 12); !ok {
		t.Fatal("expected Delete to report success for an existing prefix")
	}
	if _, ok := r.Find([]byte{172, 16, 5, 5}, 32); ok {
		t.Fatal("expected no match after deleting the only covering prefix")
	}
	if ok := r.Delete([]byte{172, 16, 0, 0}, 12); ok {
		t.Fatal("expected a second Delete of the same prefix to report false")
	}
}
