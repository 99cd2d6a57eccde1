// Package checkpoint persists orchestration state snapshots keyed by
// thread ID. Checkpoints are append-only: a save always produces a new
// checkpoint ID and supersedes, never mutates, earlier snapshots.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound indicates no checkpoint matched the lookup.
var ErrNotFound = errors.New("checkpoint not found")

// ThreadStatus is the thread lifecycle state recorded with a snapshot.
type ThreadStatus string

const (
	// StatusRunning marks an in-flight thread snapshot.
	StatusRunning ThreadStatus = "running"

	// StatusSuspended marks a human-in-the-loop interrupt; the thread
	// waits for an external resume command.
	StatusSuspended ThreadStatus = "suspended"

	// StatusCompleted marks a successfully finished thread.
	StatusCompleted ThreadStatus = "completed"

	// StatusFailed marks a terminally failed thread.
	StatusFailed ThreadStatus = "failed"

	// StatusAborted marks an externally aborted thread. Distinct from
	// failed: aborts are not errors.
	StatusAborted ThreadStatus = "aborted"
)

// Checkpoint is one durable snapshot of a thread's orchestration state.
type Checkpoint struct {
	ID        string          `json:"id"`
	ThreadID  string          `json:"thread_id"`
	Status    ThreadStatus    `json:"status"`
	State     json.RawMessage `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store is the persistence interface consumed by the graph runner.
type Store interface {
	// Save writes a new checkpoint for the thread and returns it.
	Save(ctx context.Context, threadID string, status ThreadStatus, state json.RawMessage) (*Checkpoint, error)

	// Latest returns the most recent checkpoint for a thread.
	Latest(ctx context.Context, threadID string) (*Checkpoint, error)

	// Get returns a specific checkpoint of a thread.
	Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error)
}
