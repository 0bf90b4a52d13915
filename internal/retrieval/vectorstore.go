package retrieval

import (
	"context"
	"time"
)

// VectorStore is the semantic search backend for diary chunks. The current
// implementation is SQLite with brute-force cosine similarity; an ANN-capable
// backend only needs to satisfy this interface.
type VectorStore interface {
	// Insert adds records.
	Insert(ctx context.Context, records []Record) error

	// Search returns the topK records of one diary most similar to vector,
	// best first.
	Search(ctx context.Context, diary string, vector []float32, topK int) ([]ScoredRecord, error)

	// DeleteBySource removes every chunk that came from one diary file and
	// reports how many were removed.
	DeleteBySource(ctx context.Context, diary, sourcePath string) (int, error)

	// Count returns the number of chunks indexed for a diary.
	Count(ctx context.Context, diary string) (int, error)
}

// Record is one embedded chunk of a diary file.
type Record struct {
	ID         string
	Diary      string
	SourcePath string
	ChunkIndex int
	TextChunk  string
	Embedding  []float32
	CreatedAt  time.Time
}

// ScoredRecord is a Record with a similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}
