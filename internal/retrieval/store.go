package retrieval

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/kalambet/ragdiary/internal/vecmath"
)

var _ VectorStore = (*SQLiteStore)(nil)

// SQLiteStore keeps diary chunk embeddings in the diary_vectors table and
// answers similarity queries with an exact scan over one diary. Each row
// stores its L2 norm so a scan costs one dot product per chunk.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps a database already migrated by the storage package.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Insert writes records in one transaction. A zero CreatedAt is stamped
// with the current time.
func (s *SQLiteStore) Insert(ctx context.Context, records []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO diary_vectors (id, diary, source_path, chunk_index, text_chunk, embedding, norm, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, r := range records {
		created := r.CreatedAt
		if created.IsZero() {
			created = now
		}
		_, err := stmt.ExecContext(ctx, r.ID, r.Diary, r.SourcePath, r.ChunkIndex, r.TextChunk,
			vecmath.Encode(r.Embedding), vecmath.Norm(r.Embedding), created.UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("inserting chunk %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// hit is a scan candidate. Text and metadata are loaded only for winners.
type hit struct {
	id    string
	score float32
}

// topK keeps the k best hits seen so far, best first.
type topK struct {
	k    int
	hits []hit
}

func byScore(a, b hit) int {
	if c := cmp.Compare(b.score, a.score); c != 0 {
		return c
	}
	return strings.Compare(a.id, b.id)
}

func (t *topK) offer(h hit) {
	if len(t.hits) == t.k && byScore(h, t.hits[t.k-1]) >= 0 {
		return
	}
	i, _ := slices.BinarySearchFunc(t.hits, h, byScore)
	t.hits = slices.Insert(t.hits, i, h)
	if len(t.hits) > t.k {
		t.hits = t.hits[:t.k]
	}
}

// Search returns the topK chunks of diary closest to vector by cosine
// similarity, best first. Ties go to the lower chunk id. A zero vector
// matches nothing.
func (s *SQLiteStore) Search(ctx context.Context, diary string, vector []float32, topK int) ([]ScoredRecord, error) {
	qn := vecmath.Norm(vector)
	if topK <= 0 || qn == 0 {
		return nil, nil
	}

	best, err := s.scan(ctx, diary, vector, qn, topK)
	if err != nil {
		return nil, err
	}
	if len(best) == 0 {
		return nil, nil
	}

	ids := make([]string, len(best))
	for i, h := range best {
		ids[i] = h.id
	}
	byID, err := s.load(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading top chunks: %w", err)
	}

	out := make([]ScoredRecord, 0, len(best))
	for _, h := range best {
		if r, ok := byID[h.id]; ok {
			out = append(out, ScoredRecord{Record: r, Score: h.score})
		}
	}
	return out, nil
}

func (s *SQLiteStore) scan(ctx context.Context, diary string, q []float32, qn float64, k int) ([]hit, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding, norm FROM diary_vectors WHERE diary = ?`, diary)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	best := topK{k: k}
	var vec []float32
	for rows.Next() {
		var (
			id   string
			blob []byte
			norm sql.NullFloat64
		)
		if err := rows.Scan(&id, &blob, &norm); err != nil {
			return nil, fmt.Errorf("scanning vector row: %w", err)
		}
		if vec, err = vecmath.DecodeInto(vec, blob); err != nil {
			return nil, fmt.Errorf("decoding embedding of %s: %w", id, err)
		}
		if len(vec) != len(q) {
			continue
		}
		n := norm.Float64
		if !norm.Valid {
			// Rows written before norms were stored.
			n = vecmath.Norm(vec)
		}
		if n == 0 {
			continue
		}
		sim := math.Max(-1, math.Min(1, vecmath.Dot(q, vec)/(qn*n)))
		best.offer(hit{id: id, score: float32(sim)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating vector rows: %w", err)
	}
	return best.hits, nil
}

// load fetches full records for ids, keyed by id.
func (s *SQLiteStore) load(ctx context.Context, ids []string) (map[string]Record, error) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, diary, source_path, chunk_index, text_chunk, embedding, created_at
		FROM diary_vectors WHERE id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Record, len(ids))
	for rows.Next() {
		var (
			r       Record
			blob    []byte
			created string
		)
		if err := rows.Scan(&r.ID, &r.Diary, &r.SourcePath, &r.ChunkIndex, &r.TextChunk, &blob, &created); err != nil {
			return nil, err
		}
		if r.Embedding, err = vecmath.Decode(blob); err != nil {
			return nil, fmt.Errorf("decoding embedding of %s: %w", r.ID, err)
		}
		if r.CreatedAt, err = time.Parse(time.RFC3339, created); err != nil {
			return nil, fmt.Errorf("parsing created_at of %s: %w", r.ID, err)
		}
		out[r.ID] = r
	}
	return out, rows.Err()
}

// DeleteBySource removes all chunks of one diary file.
func (s *SQLiteStore) DeleteBySource(ctx context.Context, diary, sourcePath string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM diary_vectors WHERE diary = ? AND source_path = ?`, diary, sourcePath)
	if err != nil {
		return 0, fmt.Errorf("deleting chunks of %s/%s: %w", diary, sourcePath, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Count returns the number of chunks indexed for a diary.
func (s *SQLiteStore) Count(ctx context.Context, diary string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM diary_vectors WHERE diary = ?`, diary).Scan(&n)
	return n, err
}
