package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// JobIndexDiary asks the indexer to rescan one diary. Payload: {"diary": name}.
const JobIndexDiary = "index_diary"

// Job states. A job moves pending → running → completed, or back to pending
// with a backoff when it fails, until it runs out of attempts and is failed.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Job is one row of the background queue.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// ManifestEntry is the content hash a diary file had when it was last
// chunked and embedded. The indexer skips files whose hash is unchanged.
type ManifestEntry struct {
	Diary       string
	Path        string
	ContentHash string
	IndexedAt   time.Time
}
