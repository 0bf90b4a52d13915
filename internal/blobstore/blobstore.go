// Package blobstore is a small content store for out-of-line vector
// payloads. Callers hand it bytes and get back a fresh id.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Get for an unknown id.
var ErrNotFound = errors.New("blob not found")

// Store persists opaque payloads under generated ids.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, id string) ([]byte, error)
	// Delete removes a payload. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error
}

// FileStore keeps each payload in {dir}/{id}.json.
type FileStore struct {
	dir string
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(id string) (string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("invalid blob id %q: %w", id, err)
	}
	return filepath.Join(s.dir, id+".json"), nil
}

// Put writes data under a new random id. The file appears atomically.
func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	id := uuid.New().String()
	p, _ := s.path(id)
	if err := WriteFileAtomic(p, data, 0o644); err != nil {
		return "", fmt.Errorf("writing blob %s: %w", id, err)
	}
	return id, nil
}

func (s *FileStore) Get(_ context.Context, id string) ([]byte, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", id, err)
	}
	return data, nil
}

func (s *FileStore) Delete(_ context.Context, id string) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting blob %s: %w", id, err)
	}
	return nil
}

// WriteFileAtomic writes data to a uniquely named temp file next to path
// and renames it into place. On failure the temp file is removed.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + "." + uuid.New().String() + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
