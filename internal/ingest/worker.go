package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/ragdiary/internal/storage"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	EnqueueUnique(job storage.Job) (string, error)
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	PruneJobs(cutoff time.Time) (int, error)
}

// jobRetention is how long completed jobs stay in the queue.
const jobRetention = 24 * time.Hour

// DiaryIndexer is the part of Indexer the worker drives.
type DiaryIndexer interface {
	IndexDiary(ctx context.Context, name string) (Stats, error)
	IndexAll(ctx context.Context) (Stats, error)
}

// Worker drains index_diary jobs from the SQLite job queue and periodically
// rescans the whole diary tree.
type Worker struct {
	store   JobStore
	indexer DiaryIndexer
	poll    time.Duration
	rescan  time.Duration
	logger  *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms. If rescanInterval is <= 0,
// only queued jobs are processed.
func NewWorker(store JobStore, indexer DiaryIndexer, pollInterval, rescanInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:   store,
		indexer: indexer,
		poll:    pollInterval,
		rescan:  rescanInterval,
		logger:  slog.Default(),
	}
}

// Run performs an initial full scan, then polls for jobs until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.scan(ctx)
	lastScan := time.Now()

	for {
		if ctx.Err() != nil {
			return
		}

		if w.rescan > 0 && time.Since(lastScan) >= w.rescan {
			w.scan(ctx)
			lastScan = time.Now()
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("ingest: worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

func (w *Worker) scan(ctx context.Context) {
	if n, err := w.store.PruneJobs(time.Now().Add(-jobRetention)); err != nil {
		w.logger.Warn("ingest: pruning jobs failed", "error", err)
	} else if n > 0 {
		w.logger.Debug("ingest: pruned completed jobs", "count", n)
	}
	st, err := w.indexer.IndexAll(ctx)
	if err != nil {
		w.logger.Warn("ingest: rescan failed", "error", err)
		return
	}
	w.logger.Debug("ingest: rescan finished", "indexed", st.Indexed, "unchanged", st.Unchanged, "removed", st.Removed)
}

// RunOnce claims and processes a single index_diary job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{storage.JobIndexDiary})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("ingest: job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("ingest: failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

type indexPayload struct {
	Diary string `json:"diary"`
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload indexPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.Diary == "" {
		return fmt.Errorf("payload has no diary")
	}
	if _, err := w.indexer.IndexDiary(ctx, payload.Diary); err != nil {
		return fmt.Errorf("indexing diary %s: %w", payload.Diary, err)
	}
	return nil
}

// EnqueueIndex queues a rescan of one diary. A rescan that is already
// pending is reused and its id returned.
func EnqueueIndex(store JobStore, diaryName string) (string, error) {
	payload, err := json.Marshal(indexPayload{Diary: diaryName})
	if err != nil {
		return "", err
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        storage.JobIndexDiary,
		PayloadJSON: string(payload),
	}
	id, err := store.EnqueueUnique(job)
	if err != nil {
		return "", fmt.Errorf("enqueueing index job: %w", err)
	}
	return id, nil
}
