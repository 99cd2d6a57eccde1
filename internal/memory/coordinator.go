package memory

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/model"
)

const instrumentationName = "github.com/fyrsmithlabs/agentd/internal/memory"

// summarizePrompt asks the model for a compact long-term memory blob.
const summarizePrompt = "Summarize the following agent step outcome in at most three sentences. " +
	"Keep concrete identifiers, decisions, and results; drop conversational filler."

// CoordinatorConfig holds the memory policy knobs.
type CoordinatorConfig struct {
	// STMCapacity is the short-term ring size.
	STMCapacity int

	// RetrieveTopK is the number of long-term memories per retrieval.
	RetrieveTopK int
}

// Coordinator orchestrates the memory lifecycle around step transitions:
// STM writes after each step, best-effort LTM summarization/upsert, and
// retrieval injection before planning or validation.
type Coordinator struct {
	gateway model.Gateway
	ltm     *LongTermStore
	config  CoordinatorConfig
	logger  *zap.Logger

	upsertCounter   metric.Int64Counter
	retrieveCounter metric.Int64Counter
}

// NewCoordinator creates a coordinator. The LTM store may be nil, in
// which case long-term operations become no-ops.
func NewCoordinator(gateway model.Gateway, ltm *LongTermStore, cfg CoordinatorConfig, logger *zap.Logger) (*Coordinator, error) {
	if gateway == nil {
		return nil, errors.New("model gateway is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.STMCapacity < 1 {
		return nil, fmt.Errorf("STM capacity must be positive, got %d", cfg.STMCapacity)
	}
	if cfg.RetrieveTopK < 1 {
		cfg.RetrieveTopK = 5
	}

	c := &Coordinator{
		gateway: gateway,
		ltm:     ltm,
		config:  cfg,
		logger:  logger,
	}

	meter := otel.Meter(instrumentationName)
	var err error
	c.upsertCounter, err = meter.Int64Counter(
		"agentd.memory.ltm_upserts_total",
		metric.WithDescription("Total long-term memory upserts"),
	)
	if err != nil {
		logger.Warn("failed to create upsert counter", zap.Error(err))
	}
	c.retrieveCounter, err = meter.Int64Counter(
		"agentd.memory.ltm_retrievals_total",
		metric.WithDescription("Total long-term memory retrievals"),
	)
	if err != nil {
		logger.Warn("failed to create retrieve counter", zap.Error(err))
	}

	return c, nil
}

// RecordStep pushes the formatted step trail onto the short-term buffer
// and returns the new buffer. Runs after every step transition, success
// or failure.
func (c *Coordinator) RecordStep(stm []Item, taskID, content string) []Item {
	return PushSTM(stm, NewItem(content, taskID), c.config.STMCapacity)
}

// PersistStep summarizes a completed step and upserts it into long-term
// memory. Failures are logged and swallowed: LTM is best-effort
// enrichment and never fatal to the thread.
func (c *Coordinator) PersistStep(ctx context.Context, threadID, taskID, content string) {
	if c.ltm == nil || content == "" {
		return
	}

	summary, err := c.summarize(ctx, content)
	if err != nil {
		c.logger.Warn("LTM summarization failed",
			zap.String("thread_id", threadID),
			zap.String("task_id", taskID),
			zap.Error(err),
		)
		return
	}

	item := NewItem(summary, taskID)
	if err := c.ltm.Upsert(ctx, threadID, item); err != nil {
		c.logger.Warn("LTM upsert failed",
			zap.String("thread_id", threadID),
			zap.String("task_id", taskID),
			zap.Error(err),
		)
		return
	}

	if c.upsertCounter != nil {
		c.upsertCounter.Add(ctx, 1)
	}
}

// Retrieve fetches the top-K long-term memories similar to query,
// excluding entries whose source task already appears in the short-term
// buffer. Retrieval failures degrade to no injected context.
func (c *Coordinator) Retrieve(ctx context.Context, query string, stm []Item) []Item {
	if c.ltm == nil || query == "" {
		return nil
	}

	scored, err := c.ltm.Similar(ctx, query, c.config.RetrieveTopK, STMTaskIDs(stm))
	if err != nil {
		c.logger.Warn("LTM retrieval failed", zap.Error(err))
		return nil
	}

	if c.retrieveCounter != nil {
		c.retrieveCounter.Add(ctx, 1)
	}

	out := make([]Item, 0, len(scored))
	for _, s := range scored {
		out = append(out, s.Item)
	}
	return out
}

// summarize produces the short LTM blob for a step trail.
func (c *Coordinator) summarize(ctx context.Context, content string) (string, error) {
	resp, err := c.gateway.Invoke(ctx, []model.PromptMessage{
		{Role: model.RoleSystem, Content: summarizePrompt},
		{Role: model.RoleHuman, Content: content},
	})
	if err != nil {
		return "", err
	}
	if resp.Content == "" {
		return "", errors.New("empty summary")
	}
	return resp.Content, nil
}
