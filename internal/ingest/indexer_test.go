package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/kalambet/ragdiary/internal/diary"
	"github.com/kalambet/ragdiary/internal/retrieval"
	"github.com/kalambet/ragdiary/internal/storage"
)

type mockBatchEmbedder struct {
	calls atomic.Int32
	err   error
}

func (m *mockBatchEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	m.calls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

type indexFixture struct {
	root     string
	store    *storage.Store
	vectors  *retrieval.SQLiteStore
	embedder *mockBatchEmbedder
	indexer  *Indexer
}

func newIndexFixture(t *testing.T) *indexFixture {
	t.Helper()
	root := t.TempDir()
	store := openTestStore(t)
	chunker := retrieval.NewChunker(500, 0)
	chunker.Counter = utf8.RuneCountInString

	f := &indexFixture{
		root:     root,
		store:    store,
		vectors:  retrieval.NewSQLiteStore(store.DB()),
		embedder: &mockBatchEmbedder{},
	}
	f.indexer = NewIndexer(diary.NewStore(root), store, f.embedder, f.vectors, chunker)
	return f
}

func (f *indexFixture) write(t *testing.T, diaryName, file, content string) {
	t.Helper()
	dir := filepath.Join(f.root, diaryName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (f *indexFixture) count(t *testing.T, diaryName string) int {
	t.Helper()
	n, err := f.vectors.Count(context.Background(), diaryName)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	return n
}

func TestIndexer_IndexesAndSkipsUnchanged(t *testing.T) {
	f := newIndexFixture(t)
	f.write(t, "Alice", "1.txt", "[2024-03-11] - Alice\n今天去了公园。")
	f.write(t, "Alice", "2.txt", "没有日期的条目。")
	ctx := context.Background()

	st, err := f.indexer.IndexDiary(ctx, "Alice")
	if err != nil {
		t.Fatalf("IndexDiary: %v", err)
	}
	if st.Indexed != 2 || st.Chunks != 2 {
		t.Errorf("first pass stats = %+v, want 2 indexed / 2 chunks", st)
	}
	if got := f.count(t, "Alice"); got != 2 {
		t.Errorf("Count = %d, want 2", got)
	}

	calls := f.embedder.calls.Load()
	st, err = f.indexer.IndexDiary(ctx, "Alice")
	if err != nil {
		t.Fatalf("IndexDiary: %v", err)
	}
	if st.Unchanged != 2 || st.Indexed != 0 {
		t.Errorf("second pass stats = %+v, want 2 unchanged", st)
	}
	if f.embedder.calls.Load() != calls {
		t.Error("unchanged files were re-embedded")
	}
}

func TestIndexer_ReindexesChangedFile(t *testing.T) {
	f := newIndexFixture(t)
	f.write(t, "Alice", "1.txt", "第一版。")
	ctx := context.Background()
	if _, err := f.indexer.IndexDiary(ctx, "Alice"); err != nil {
		t.Fatal(err)
	}

	f.write(t, "Alice", "1.txt", "第二版。")
	st, err := f.indexer.IndexDiary(ctx, "Alice")
	if err != nil {
		t.Fatalf("IndexDiary: %v", err)
	}
	if st.Indexed != 1 {
		t.Errorf("Indexed = %d, want 1", st.Indexed)
	}
	if got := f.count(t, "Alice"); got != 1 {
		t.Errorf("Count = %d, want 1 (old chunk replaced)", got)
	}
	res, err := f.vectors.Search(ctx, "Alice", []float32{1, 0}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || res[0].TextChunk != "第二版。" {
		t.Errorf("Search = %+v", res)
	}
}

func TestIndexer_RemovesDeletedFile(t *testing.T) {
	f := newIndexFixture(t)
	f.write(t, "Alice", "1.txt", "保留。")
	f.write(t, "Alice", "2.txt", "删除。")
	ctx := context.Background()
	if _, err := f.indexer.IndexDiary(ctx, "Alice"); err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(filepath.Join(f.root, "Alice", "2.txt")); err != nil {
		t.Fatal(err)
	}
	st, err := f.indexer.IndexDiary(ctx, "Alice")
	if err != nil {
		t.Fatalf("IndexDiary: %v", err)
	}
	if st.Removed != 1 {
		t.Errorf("Removed = %d, want 1", st.Removed)
	}
	if got := f.count(t, "Alice"); got != 1 {
		t.Errorf("Count = %d, want 1", got)
	}
	m, err := f.store.Manifest("Alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m["2.txt"]; ok || len(m) != 1 {
		t.Errorf("manifest = %v, want only 1.txt", m)
	}
}

func TestIndexer_UsesHeaderDate(t *testing.T) {
	f := newIndexFixture(t)
	f.write(t, "Alice", "1.txt", "[2024-03-11] - Alice\n散步。")
	ctx := context.Background()
	if _, err := f.indexer.IndexDiary(ctx, "Alice"); err != nil {
		t.Fatal(err)
	}
	res, err := f.vectors.Search(ctx, "Alice", []float32{1, 0}, 1)
	if err != nil || len(res) != 1 {
		t.Fatalf("Search = %v, %v", res, err)
	}
	want := time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)
	if !res[0].CreatedAt.Equal(want) {
		t.Errorf("CreatedAt = %v, want %v", res[0].CreatedAt, want)
	}
}

func TestIndexer_EmbedFailureLeavesManifest(t *testing.T) {
	f := newIndexFixture(t)
	f.write(t, "Alice", "1.txt", "内容。")
	f.embedder.err = errors.New("embedding down")

	if _, err := f.indexer.IndexDiary(context.Background(), "Alice"); err == nil {
		t.Fatal("IndexDiary succeeded, want error")
	}
	m, err := f.store.Manifest("Alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(m) != 0 {
		t.Errorf("manifest = %v, want empty so the file is retried", m)
	}
}

func TestIndexer_IndexAll(t *testing.T) {
	f := newIndexFixture(t)
	f.write(t, "Alice", "1.txt", "甲。")
	f.write(t, "Bob", "1.txt", "乙。")

	st, err := f.indexer.IndexAll(context.Background())
	if err != nil {
		t.Fatalf("IndexAll: %v", err)
	}
	if st.Indexed != 2 {
		t.Errorf("Indexed = %d, want 2", st.Indexed)
	}
	if f.count(t, "Bob") != 1 {
		t.Error("Bob not indexed")
	}
}

func TestIndexer_IndexAllDropsRemovedDiary(t *testing.T) {
	f := newIndexFixture(t)
	f.write(t, "Alice", "1.txt", "甲。")
	f.write(t, "Bob", "1.txt", "乙。")
	ctx := context.Background()
	if _, err := f.indexer.IndexAll(ctx); err != nil {
		t.Fatal(err)
	}

	if err := os.RemoveAll(filepath.Join(f.root, "Bob")); err != nil {
		t.Fatal(err)
	}
	st, err := f.indexer.IndexAll(ctx)
	if err != nil {
		t.Fatalf("IndexAll: %v", err)
	}
	if st.Removed != 1 {
		t.Errorf("Removed = %d, want 1", st.Removed)
	}
	if got := f.count(t, "Bob"); got != 0 {
		t.Errorf("Bob chunks = %d, want 0", got)
	}
	if got := f.count(t, "Alice"); got != 1 {
		t.Errorf("Alice chunks = %d, want 1", got)
	}
}
