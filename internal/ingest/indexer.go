// Package ingest keeps the diary vector index in step with the diary files.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/ragdiary/internal/diary"
	"github.com/kalambet/ragdiary/internal/retrieval"
	"github.com/kalambet/ragdiary/internal/storage"
)

// DiarySource lists and reads diary files.
type DiarySource interface {
	List() ([]string, error)
	Files(name string) ([]string, error)
	Read(name, file string) (diary.Entry, error)
}

// ManifestStore tracks which file contents are already indexed.
type ManifestStore interface {
	Manifest(diary string) (map[string]storage.ManifestEntry, error)
	PutManifest(e storage.ManifestEntry) error
	DeleteManifest(diary, path string) error
	IndexedDiaries() ([]string, error)
}

// BatchEmbedder generates embeddings for several texts at once.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorIndex is the write side of the diary vector store.
type VectorIndex interface {
	Insert(ctx context.Context, records []retrieval.Record) error
	DeleteBySource(ctx context.Context, diary, sourcePath string) (int, error)
}

// Stats summarises one indexing pass.
type Stats struct {
	Indexed   int
	Unchanged int
	Removed   int
	Chunks    int
}

func (s *Stats) add(o Stats) {
	s.Indexed += o.Indexed
	s.Unchanged += o.Unchanged
	s.Removed += o.Removed
	s.Chunks += o.Chunks
}

// Indexer chunks and embeds diary files whose content changed since the last
// pass, and drops vectors of files that disappeared.
type Indexer struct {
	diaries  DiarySource
	manifest ManifestStore
	embedder BatchEmbedder
	vectors  VectorIndex
	chunker  *retrieval.Chunker
	now      func() time.Time
}

// NewIndexer creates an Indexer. A nil chunker uses the default chunk sizes.
func NewIndexer(diaries DiarySource, manifest ManifestStore, embedder BatchEmbedder, vectors VectorIndex, chunker *retrieval.Chunker) *Indexer {
	if chunker == nil {
		chunker = retrieval.NewChunker(0, 0)
	}
	return &Indexer{
		diaries:  diaries,
		manifest: manifest,
		embedder: embedder,
		vectors:  vectors,
		chunker:  chunker,
		now:      time.Now,
	}
}

// IndexAll indexes every diary, including diaries that still have vectors
// but whose directory is gone. A failing diary is logged and skipped.
func (ix *Indexer) IndexAll(ctx context.Context) (Stats, error) {
	names, err := ix.diaries.List()
	if err != nil {
		return Stats{}, err
	}
	indexed, err := ix.manifest.IndexedDiaries()
	if err != nil {
		return Stats{}, fmt.Errorf("listing indexed diaries: %w", err)
	}
	onDisk := make(map[string]bool, len(names))
	for _, n := range names {
		onDisk[n] = true
	}
	for _, n := range indexed {
		if !onDisk[n] {
			names = append(names, n)
		}
	}
	var total Stats
	for _, name := range names {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		st, err := ix.IndexDiary(ctx, name)
		total.add(st)
		if err != nil {
			slog.Warn("ingest: diary indexing failed", "diary", name, "error", err)
		}
	}
	return total, nil
}

// IndexDiary brings one diary's vectors up to date with its files.
func (ix *Indexer) IndexDiary(ctx context.Context, name string) (Stats, error) {
	var st Stats
	known, err := ix.manifest.Manifest(name)
	if err != nil {
		return st, fmt.Errorf("loading manifest: %w", err)
	}
	files, err := ix.diaries.Files(name)
	if err != nil {
		return st, err
	}

	seen := make(map[string]bool, len(files))
	for _, f := range files {
		seen[f] = true
		entry, err := ix.diaries.Read(name, f)
		if err != nil {
			slog.Warn("ingest: skipping unreadable file", "diary", name, "file", f, "error", err)
			continue
		}
		hash := contentHash(entry.Content)
		if prev, ok := known[f]; ok && prev.ContentHash == hash {
			st.Unchanged++
			continue
		}
		n, err := ix.indexFile(ctx, entry, hash)
		if err != nil {
			return st, fmt.Errorf("indexing %s/%s: %w", name, f, err)
		}
		st.Indexed++
		st.Chunks += n
	}

	for path := range known {
		if seen[path] {
			continue
		}
		if _, err := ix.vectors.DeleteBySource(ctx, name, path); err != nil {
			return st, fmt.Errorf("removing vectors of %s/%s: %w", name, path, err)
		}
		if err := ix.manifest.DeleteManifest(name, path); err != nil {
			return st, fmt.Errorf("removing manifest of %s/%s: %w", name, path, err)
		}
		st.Removed++
	}

	if st.Indexed > 0 || st.Removed > 0 {
		slog.Info("ingest: diary indexed", "diary", name, "indexed", st.Indexed, "removed", st.Removed, "chunks", st.Chunks)
	}
	return st, nil
}

func (ix *Indexer) indexFile(ctx context.Context, e diary.Entry, hash string) (int, error) {
	chunks := ix.chunker.Chunk(e.Content)
	var vecs [][]float32
	if len(chunks) > 0 {
		var err error
		vecs, err = ix.embedder.EmbedBatch(ctx, chunks)
		if err != nil {
			return 0, fmt.Errorf("embedding chunks: %w", err)
		}
	}

	created := e.ModTime.UTC()
	if e.Date != "" {
		if d, err := time.Parse(time.DateOnly, e.Date); err == nil {
			created = d
		}
	}
	records := make([]retrieval.Record, len(chunks))
	for i, c := range chunks {
		records[i] = retrieval.Record{
			ID:         uuid.New().String(),
			Diary:      e.Diary,
			SourcePath: e.Path,
			ChunkIndex: i,
			TextChunk:  c,
			Embedding:  vecs[i],
			CreatedAt:  created,
		}
	}

	if _, err := ix.vectors.DeleteBySource(ctx, e.Diary, e.Path); err != nil {
		return 0, fmt.Errorf("removing stale vectors: %w", err)
	}
	if len(records) > 0 {
		if err := ix.vectors.Insert(ctx, records); err != nil {
			return 0, fmt.Errorf("inserting vectors: %w", err)
		}
	}
	if err := ix.manifest.PutManifest(storage.ManifestEntry{
		Diary:       e.Diary,
		Path:        e.Path,
		ContentHash: hash,
		IndexedAt:   ix.now().UTC(),
	}); err != nil {
		return 0, fmt.Errorf("updating manifest: %w", err)
	}
	return len(records), nil
}

func contentHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
