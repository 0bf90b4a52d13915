package storage

import (
	"fmt"
	"time"
)

// Manifest returns the indexed files of a diary keyed by path.
func (s *Store) Manifest(diary string) (map[string]ManifestEntry, error) {
	rows, err := s.db.Query(`SELECT diary, path, content_hash, indexed_at FROM diary_manifest WHERE diary = ?`, diary)
	if err != nil {
		return nil, fmt.Errorf("querying manifest: %w", err)
	}
	defer rows.Close()

	out := make(map[string]ManifestEntry)
	for rows.Next() {
		var e ManifestEntry
		var indexedAt string
		if err := rows.Scan(&e.Diary, &e.Path, &e.ContentHash, &indexedAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, indexedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing indexed_at for %s: %w", e.Path, err)
		}
		e.IndexedAt = t
		out[e.Path] = e
	}
	return out, rows.Err()
}

// PutManifest inserts or replaces a manifest entry.
func (s *Store) PutManifest(e ManifestEntry) error {
	indexedAt := e.IndexedAt
	if indexedAt.IsZero() {
		indexedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO diary_manifest (diary, path, content_hash, indexed_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(diary, path) DO UPDATE SET content_hash = excluded.content_hash, indexed_at = excluded.indexed_at`,
		e.Diary, e.Path, e.ContentHash, indexedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// DeleteManifest removes the entry for one file.
func (s *Store) DeleteManifest(diary, path string) error {
	res, err := s.db.Exec(`DELETE FROM diary_manifest WHERE diary = ? AND path = ?`, diary, path)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IndexedDiaries lists the diaries that have at least one indexed file.
func (s *Store) IndexedDiaries() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT diary FROM diary_manifest ORDER BY diary`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}
