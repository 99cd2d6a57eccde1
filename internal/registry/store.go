// Package registry stores agent configurations: persona, model binding,
// and per-agent caps. Configuration faults are fail-fast; a thread never
// starts against a missing or unbound agent.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound indicates no agent config exists for the ID.
	ErrNotFound = errors.New("agent config not found")

	// ErrMissingModel indicates an agent without a model binding.
	// Treated as a configuration error and surfaced before any node runs.
	ErrMissingModel = errors.New("agent config has no model binding")
)

// AgentConfig is one agent's stored configuration.
type AgentConfig struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Model   string `json:"model"`
	Persona string `json:"persona"`

	// Version increments on every upsert; the cache tier validates its
	// cached blob against this pointer.
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the config is usable for thread execution.
func (c *AgentConfig) Validate() error {
	if c.ID == "" {
		return errors.New("agent ID is required")
	}
	if c.Model == "" {
		return fmt.Errorf("%w: %s", ErrMissingModel, c.ID)
	}
	return nil
}

const agentSchema = `
CREATE TABLE IF NOT EXISTS agents (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	model      TEXT NOT NULL,
	persona    TEXT NOT NULL,
	version    INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// SQLStore persists agent configs in sqlite.
type SQLStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLStore opens (or creates) the agent config table at path.
func NewSQLStore(path string, logger *zap.Logger) (*SQLStore, error) {
	if path == "" {
		return nil, errors.New("registry store path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening registry db: %w", err)
	}
	if _, err := db.Exec(agentSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying registry schema: %w", err)
	}

	return &SQLStore{db: db, logger: logger}, nil
}

// Upsert inserts or updates an agent config, bumping its version.
func (s *SQLStore) Upsert(ctx context.Context, cfg *AgentConfig) (*AgentConfig, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	existing, err := s.Get(ctx, cfg.ID)
	switch {
	case err == nil:
		cfg.Version = existing.Version + 1
	case errors.Is(err, ErrNotFound):
		cfg.Version = 1
	default:
		return nil, err
	}
	cfg.UpdatedAt = time.Now()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, model, persona, version, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name, model = excluded.model,
		   persona = excluded.persona, version = excluded.version,
		   updated_at = excluded.updated_at`,
		cfg.ID, cfg.Name, cfg.Model, cfg.Persona, cfg.Version, cfg.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("upserting agent %s: %w", cfg.ID, err)
	}

	s.logger.Debug("upserted agent config",
		zap.String("agent_id", cfg.ID),
		zap.Int64("version", cfg.Version),
	)
	return cfg, nil
}

// Get returns an agent config by ID.
func (s *SQLStore) Get(ctx context.Context, id string) (*AgentConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, model, persona, version, updated_at FROM agents WHERE id = ?`, id)

	var (
		cfg       AgentConfig
		updatedAt int64
	)
	if err := row.Scan(&cfg.ID, &cfg.Name, &cfg.Model, &cfg.Persona, &cfg.Version, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("loading agent %s: %w", id, err)
	}
	cfg.UpdatedAt = time.Unix(0, updatedAt)
	return &cfg, nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
