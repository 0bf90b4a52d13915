package blobstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "semantic_vectors"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	id, err := s.Put(ctx, []byte(`[0.1,0.2]`))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `[0.1,0.2]` {
		t.Errorf("Get = %s", got)
	}

	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete err = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, id); err != nil {
		t.Errorf("second Delete should be a no-op, got %v", err)
	}
}

func TestFileStore_DistinctIDs(t *testing.T) {
	s, _ := NewFileStore(t.TempDir())
	a, _ := s.Put(context.Background(), []byte("a"))
	b, _ := s.Put(context.Background(), []byte("a"))
	if a == b {
		t.Error("Put returned the same id twice")
	}
}

func TestFileStore_RejectsPathIDs(t *testing.T) {
	s, _ := NewFileStore(t.TempDir())
	if _, err := s.Get(context.Background(), "../etc/passwd"); err == nil {
		t.Error("expected error for non-uuid id")
	}
}

func TestWriteFileAtomic_NoTempLeftover(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "semantic_groups.json")
	if err := WriteFileAtomic(p, []byte("{}"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || entries[0].Name() != "semantic_groups.json" {
		t.Errorf("unexpected dir contents: %v", entries)
	}
}
