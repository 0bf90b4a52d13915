package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/ragdiary/internal/blobstore"
)

// BlobStore keeps vector payloads in the vector_blobs table. It is the
// alternative to blobstore.FileStore when groups.vector_backend is "sqlite".
type BlobStore struct {
	db *sql.DB
}

var _ blobstore.Store = (*BlobStore)(nil)

// Blobs returns a BlobStore sharing this database.
func (s *Store) Blobs() *BlobStore {
	return &BlobStore{db: s.db}
}

func (b *BlobStore) Put(ctx context.Context, data []byte) (string, error) {
	id := uuid.New().String()
	_, err := b.db.ExecContext(ctx, `INSERT INTO vector_blobs (id, data, created_at) VALUES (?, ?, ?)`,
		id, data, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("inserting blob: %w", err)
	}
	return id, nil
}

func (b *BlobStore) Get(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx, `SELECT data FROM vector_blobs WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, blobstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", id, err)
	}
	return data, nil
}

func (b *BlobStore) Delete(ctx context.Context, id string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM vector_blobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting blob %s: %w", id, err)
	}
	return nil
}
