package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/agentd/internal/logging"
)

// Config is the root agentd configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Logging    logging.Config   `koanf:"logging"`
	Model      ModelConfig      `koanf:"model"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Graph      GraphConfig      `koanf:"graph"`
	Memory     MemoryConfig     `koanf:"memory"`
	Store      StoreConfig      `koanf:"store"`
	Cache      CacheConfig      `koanf:"cache"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// ModelConfig configures the chat model endpoint (OpenAI-compatible).
type ModelConfig struct {
	BaseURL     string        `koanf:"base_url"`
	Model       string        `koanf:"model"`
	APIKey      string        `koanf:"api_key"`
	Temperature float64       `koanf:"temperature"`
	Timeout     time.Duration `koanf:"timeout"`
}

// EmbeddingsConfig configures the embedding endpoint (OpenAI-compatible,
// works for TEI as well).
type EmbeddingsConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  string `koanf:"api_key"`
}

// GraphConfig holds the hard safety valves of the orchestration state machine.
// These bound the thread regardless of model behavior.
type GraphConfig struct {
	// MaxGraphSteps is the global node-transition ceiling per thread.
	MaxGraphSteps int `koanf:"max_graph_steps"`

	// MaxPlanRetries bounds how often a rejected plan is sent back to
	// the planner before the thread ends.
	MaxPlanRetries int `koanf:"max_plan_retries"`

	// MaxStepRetries bounds how often a failed step verification re-runs
	// the same step before the step is marked failed.
	MaxStepRetries int `koanf:"max_step_retries"`

	// MaxIterations bounds the executor context window, counted in
	// iterations (one model turn plus its tool turns), not messages.
	MaxIterations int `koanf:"max_iterations"`

	// ToolResultBudget is the character budget for aggregated tool output.
	ToolResultBudget int `koanf:"tool_result_budget"`

	// MaxPlanSteps caps the number of steps a plan may contain.
	MaxPlanSteps int `koanf:"max_plan_steps"`
}

// RetrievalGate selects where long-term memories are injected.
type RetrievalGate string

const (
	// GatePlanner injects retrieved memories before planning.
	GatePlanner RetrievalGate = "planner"

	// GateValidator injects retrieved memories at the validator transition.
	GateValidator RetrievalGate = "validator"
)

// MemoryConfig configures the short-term and long-term memory tiers.
type MemoryConfig struct {
	// STMCapacity is the short-term ring buffer size. Strict FIFO at cap.
	STMCapacity int `koanf:"stm_capacity"`

	// LTMPath is the chromem persistence directory.
	LTMPath string `koanf:"ltm_path"`

	// RetrieveTopK is the number of long-term memories fetched per query.
	RetrieveTopK int `koanf:"retrieve_top_k"`

	// Gate selects the retrieval injection point (planner or validator).
	Gate RetrievalGate `koanf:"gate"`
}

// StoreConfig configures the relational store for checkpoints and agent
// configuration.
type StoreConfig struct {
	// Path is the sqlite database file.
	Path string `koanf:"path"`
}

// CacheConfig configures the Redis agent-config cache.
type CacheConfig struct {
	// Addr is the Redis address. Empty disables the cache tier.
	Addr string `koanf:"addr"`

	// TTL is the cached blob lifetime.
	TTL time.Duration `koanf:"ttl"`
}

// applyDefaults sets defaults for unset fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8712
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Model.BaseURL == "" {
		cfg.Model.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model.Model == "" {
		cfg.Model.Model = "gpt-4o-mini"
	}
	if cfg.Model.Timeout == 0 {
		cfg.Model.Timeout = 120 * time.Second
	}

	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8080/v1"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}

	if cfg.Graph.MaxGraphSteps == 0 {
		cfg.Graph.MaxGraphSteps = 48
	}
	if cfg.Graph.MaxPlanRetries == 0 {
		cfg.Graph.MaxPlanRetries = 3
	}
	if cfg.Graph.MaxStepRetries == 0 {
		cfg.Graph.MaxStepRetries = 3
	}
	if cfg.Graph.MaxIterations == 0 {
		cfg.Graph.MaxIterations = 6
	}
	if cfg.Graph.ToolResultBudget == 0 {
		cfg.Graph.ToolResultBudget = 5000
	}
	if cfg.Graph.MaxPlanSteps == 0 {
		cfg.Graph.MaxPlanSteps = 20
	}

	if cfg.Memory.STMCapacity == 0 {
		cfg.Memory.STMCapacity = 8
	}
	if cfg.Memory.LTMPath == "" {
		cfg.Memory.LTMPath = "~/.config/agentd/ltm"
	}
	if cfg.Memory.RetrieveTopK == 0 {
		cfg.Memory.RetrieveTopK = 5
	}
	if cfg.Memory.Gate == "" {
		cfg.Memory.Gate = GatePlanner
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = "~/.config/agentd/agentd.db"
	}

	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 5 * time.Minute
	}
}

// Validate checks the configuration for unusable values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if c.Graph.MaxGraphSteps < 1 {
		return fmt.Errorf("max_graph_steps must be positive, got %d", c.Graph.MaxGraphSteps)
	}
	if c.Graph.MaxPlanRetries < 0 || c.Graph.MaxStepRetries < 0 {
		return fmt.Errorf("retry bounds must be non-negative")
	}
	if c.Graph.MaxPlanSteps < 1 || c.Graph.MaxPlanSteps > 20 {
		return fmt.Errorf("max_plan_steps must be in [1,20], got %d", c.Graph.MaxPlanSteps)
	}
	if c.Memory.STMCapacity < 1 {
		return fmt.Errorf("stm_capacity must be positive, got %d", c.Memory.STMCapacity)
	}
	if c.Memory.Gate != GatePlanner && c.Memory.Gate != GateValidator {
		return fmt.Errorf("invalid retrieval gate %q (expected planner or validator)", c.Memory.Gate)
	}
	return nil
}
