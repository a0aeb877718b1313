package filecache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/joeycumines/go-ngxcore/internal/logging"
)

func TestOpenAndRelease(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := New(16, 1, 0, logging.NoOp())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()

	h, err := c.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if h.Size() != 5 {
		t.Fatalf("Size() = %d, want 5", h.Size())
	}
	h.Release()
}

func TestMinUsesGating(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "b.txt")
	if err := os.WriteFile(path, []byte("content"), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := New(16, 3, 0, logging.NoOp())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()

	// Fewer than minUses lookups: the entry should not yet be cached
	// (each Open reopens the file rather than reusing a warm handle).
	h1, err := c.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	f1 := h1.File()
	h1.Release()

	h2, err := c.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	f2 := h2.File()
	h2.Release()

	if f1 == f2 {
		t.Fatal("expected a fresh *os.File below the min_uses threshold")
	}
}

func TestReleaseAfterEviction(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := New(16, 1, 0, logging.NoOp())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()

	h, err := c.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	c.invalidate(path)

	// Release must not panic even though the entry was evicted while
	// still checked out.
	h.Release()
}
