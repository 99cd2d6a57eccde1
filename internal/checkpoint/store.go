package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const instrumentationName = "github.com/fyrsmithlabs/agentd/internal/checkpoint"

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	id         TEXT PRIMARY KEY,
	thread_id  TEXT NOT NULL,
	status     TEXT NOT NULL,
	state      BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_thread
	ON checkpoints (thread_id, created_at);
`

// SQLStore implements Store on an embedded sqlite database.
type SQLStore struct {
	db     *sql.DB
	logger *zap.Logger
	tracer trace.Tracer
}

// NewSQLStore opens (or creates) the checkpoint database at path.
func NewSQLStore(path string, logger *zap.Logger) (*SQLStore, error) {
	if path == "" {
		return nil, errors.New("checkpoint store path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying checkpoint schema: %w", err)
	}

	return &SQLStore{
		db:     db,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}, nil
}

// Save writes a new checkpoint row. Earlier checkpoints of the thread
// are left untouched.
func (s *SQLStore) Save(ctx context.Context, threadID string, status ThreadStatus, state json.RawMessage) (*Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.save")
	defer span.End()

	if threadID == "" {
		return nil, errors.New("thread ID is required")
	}

	cp := &Checkpoint{
		ID:        uuid.New().String(),
		ThreadID:  threadID,
		Status:    status,
		State:     state,
		CreatedAt: time.Now(),
	}
	span.SetAttributes(
		attribute.String("thread_id", threadID),
		attribute.String("status", string(status)),
	)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, thread_id, status, state, created_at) VALUES (?, ?, ?, ?, ?)`,
		cp.ID, cp.ThreadID, string(cp.Status), []byte(cp.State), cp.CreatedAt.UnixNano(),
	)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("saving checkpoint: %w", err)
	}

	s.logger.Debug("saved checkpoint",
		zap.String("checkpoint_id", cp.ID),
		zap.String("thread_id", threadID),
		zap.String("status", string(status)),
	)
	return cp, nil
}

// Latest returns the most recent checkpoint of a thread.
func (s *SQLStore) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.latest")
	defer span.End()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, status, state, created_at FROM checkpoints
		 WHERE thread_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		threadID,
	)
	return scanCheckpoint(row)
}

// Get returns a specific checkpoint of a thread.
func (s *SQLStore) Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.get")
	defer span.End()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, status, state, created_at FROM checkpoints
		 WHERE thread_id = ? AND id = ?`,
		threadID, checkpointID,
	)
	return scanCheckpoint(row)
}

// DeleteThread removes all checkpoints of a thread. Called by the
// owning collaborator when a thread is explicitly deleted.
func (s *SQLStore) DeleteThread(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID)
	if err != nil {
		return fmt.Errorf("deleting thread checkpoints: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func scanCheckpoint(row *sql.Row) (*Checkpoint, error) {
	var (
		cp        Checkpoint
		status    string
		state     []byte
		createdAt int64
	)
	if err := row.Scan(&cp.ID, &cp.ThreadID, &status, &state, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning checkpoint: %w", err)
	}
	cp.Status = ThreadStatus(status)
	cp.State = json.RawMessage(state)
	cp.CreatedAt = time.Unix(0, createdAt)
	return &cp, nil
}
