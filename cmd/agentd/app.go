package main

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/checkpoint"
	"github.com/fyrsmithlabs/agentd/internal/config"
	"github.com/fyrsmithlabs/agentd/internal/embeddings"
	"github.com/fyrsmithlabs/agentd/internal/graph"
	"github.com/fyrsmithlabs/agentd/internal/logging"
	"github.com/fyrsmithlabs/agentd/internal/memory"
	"github.com/fyrsmithlabs/agentd/internal/model"
	"github.com/fyrsmithlabs/agentd/internal/registry"
	"github.com/fyrsmithlabs/agentd/internal/tools"
)

// agentStore is the agent-config surface the app wires into the runner
// and the HTTP API. Both the plain sqlite store and its cache tier
// satisfy it.
type agentStore interface {
	Get(ctx context.Context, id string) (*registry.AgentConfig, error)
	Upsert(ctx context.Context, cfg *registry.AgentConfig) (*registry.AgentConfig, error)
}

// app holds the wired service graph for one process.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	runner *graph.Runner
	agents agentStore

	checkpoints *checkpoint.SQLStore
	agentSQL    *registry.SQLStore
	rdb         *redis.Client
}

// newApp loads configuration and wires every tier. Long-term memory is
// best-effort: if the embedding endpoint is unreachable the daemon
// still runs, without retrieval.
func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return nil, err
	}

	gateway, err := model.New(model.Config{
		BaseURL:     cfg.Model.BaseURL,
		Model:       cfg.Model.Model,
		APIKey:      cfg.Model.APIKey,
		Temperature: cfg.Model.Temperature,
	})
	if err != nil {
		return nil, err
	}

	ltm := openLTM(cfg, logger)
	coordinator, err := memory.NewCoordinator(gateway, ltm, memory.CoordinatorConfig{
		STMCapacity:  cfg.Memory.STMCapacity,
		RetrieveTopK: cfg.Memory.RetrieveTopK,
	}, logger.Named("memory"))
	if err != nil {
		return nil, err
	}

	storePath, err := config.ExpandPath(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	checkpoints, err := checkpoint.NewSQLStore(storePath, logger.Named("checkpoint"))
	if err != nil {
		return nil, err
	}
	agentSQL, err := registry.NewSQLStore(storePath, logger.Named("registry"))
	if err != nil {
		checkpoints.Close()
		return nil, err
	}

	var (
		agents agentStore = agentSQL
		rdb    *redis.Client
	)
	closeStores := func() {
		if rdb != nil {
			rdb.Close()
		}
		agentSQL.Close()
		checkpoints.Close()
	}
	if cfg.Cache.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Cache.Addr})
		cached, err := registry.NewCachedStore(agentSQL, rdb, cfg.Cache.TTL, logger.Named("registry"))
		if err != nil {
			closeStores()
			return nil, err
		}
		agents = cached
	}

	reg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(reg); err != nil {
		closeStores()
		return nil, err
	}

	runner, err := graph.NewRunner(gateway, agents, checkpoints, coordinator, reg, graph.RunnerConfig{
		Nodes: graph.Config{
			Caps: graph.Caps{
				MaxGraphSteps:  cfg.Graph.MaxGraphSteps,
				MaxPlanRetries: cfg.Graph.MaxPlanRetries,
				MaxStepRetries: cfg.Graph.MaxStepRetries,
			},
			MaxIterations:    cfg.Graph.MaxIterations,
			ToolResultBudget: cfg.Graph.ToolResultBudget,
			MaxPlanSteps:     cfg.Graph.MaxPlanSteps,
		},
		Gate: cfg.Memory.Gate,
	}, logger.Named("graph"))
	if err != nil {
		closeStores()
		return nil, err
	}

	return &app{
		cfg:         cfg,
		logger:      logger,
		runner:      runner,
		agents:      agents,
		checkpoints: checkpoints,
		agentSQL:    agentSQL,
		rdb:         rdb,
	}, nil
}

// openLTM opens the vector store, degrading to nil on failure.
func openLTM(cfg *config.Config, logger *zap.Logger) *memory.LongTermStore {
	embedder, err := embeddings.NewService(embeddings.Config{
		BaseURL: cfg.Embeddings.BaseURL,
		Model:   cfg.Embeddings.Model,
		APIKey:  cfg.Embeddings.APIKey,
	})
	if err != nil {
		logger.Warn("embedding service unavailable, long-term memory disabled", zap.Error(err))
		return nil
	}

	path, err := config.ExpandPath(cfg.Memory.LTMPath)
	if err != nil {
		logger.Warn("invalid LTM path, long-term memory disabled", zap.Error(err))
		return nil
	}

	ltm, err := memory.NewLongTermStore(path, embedder.EmbedQuery, logger.Named("ltm"))
	if err != nil {
		logger.Warn("long-term store unavailable, continuing without it", zap.Error(err))
		return nil
	}
	return ltm
}

// close releases all stores.
func (a *app) close() {
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.logger.Warn("closing redis client", zap.Error(err))
		}
	}
	if err := a.agentSQL.Close(); err != nil {
		a.logger.Warn("closing registry store", zap.Error(err))
	}
	if err := a.checkpoints.Close(); err != nil {
		a.logger.Warn("closing checkpoint store", zap.Error(err))
	}
	_ = a.logger.Sync()
}
