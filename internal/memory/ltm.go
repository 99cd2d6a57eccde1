package memory

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

// ltmCollection is the chromem collection holding long-term memories.
const ltmCollection = "agentd_ltm"

// EmbedFunc produces the embedding vector for a text.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// ScoredItem is a retrieved long-term memory with its similarity score.
type ScoredItem struct {
	Item
	Similarity float32
}

// LongTermStore persists summarized task outcomes in an embedded
// chromem-go vector database and retrieves them by similarity.
type LongTermStore struct {
	col    *chromem.Collection
	logger *zap.Logger
}

// NewLongTermStore opens (or creates) the persistent store at path.
func NewLongTermStore(path string, embed EmbedFunc, logger *zap.Logger) (*LongTermStore, error) {
	if embed == nil {
		return nil, fmt.Errorf("embed function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating LTM directory %s: %w", path, err)
	}

	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("opening chromem DB: %w", err)
	}

	col, err := db.GetOrCreateCollection(ltmCollection, nil, chromem.EmbeddingFunc(embed))
	if err != nil {
		return nil, fmt.Errorf("opening LTM collection: %w", err)
	}

	logger.Info("long-term store opened",
		zap.String("path", path),
		zap.Int("documents", col.Count()),
	)

	return &LongTermStore{col: col, logger: logger}, nil
}

// Upsert stores one memory item keyed by thread/task identifiers.
// Re-adding an existing document ID supersedes the old entry.
func (s *LongTermStore) Upsert(ctx context.Context, threadID string, item Item) error {
	doc := chromem.Document{
		ID:      item.ID,
		Content: item.Content,
		Metadata: map[string]string{
			"thread_id":      threadID,
			"source_task_id": item.SourceTaskID,
			"created_at":     strconv.FormatInt(item.Timestamp.Unix(), 10),
		},
	}
	if err := s.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("upserting memory %s: %w", item.ID, err)
	}
	return nil
}

// Similar retrieves up to k memories ranked by descending similarity to
// query, excluding entries whose source task ID appears in exclude.
func (s *LongTermStore) Similar(ctx context.Context, query string, k int, exclude map[string]bool) ([]ScoredItem, error) {
	if k < 1 {
		return nil, nil
	}

	count := s.col.Count()
	if count == 0 {
		return nil, nil
	}

	// Over-fetch so that client-side exclusion can still fill k slots.
	n := k + len(exclude)
	if n > count {
		n = count
	}

	results, err := s.col.Query(ctx, query, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying LTM: %w", err)
	}

	// chromem returns results ordered by descending similarity.
	out := make([]ScoredItem, 0, k)
	for _, r := range results {
		if exclude[r.Metadata["source_task_id"]] {
			continue
		}
		item := Item{
			ID:           r.ID,
			Content:      r.Content,
			SourceTaskID: r.Metadata["source_task_id"],
		}
		if ts, err := strconv.ParseInt(r.Metadata["created_at"], 10, 64); err == nil {
			item.Timestamp = time.Unix(ts, 0)
		}
		out = append(out, ScoredItem{Item: item, Similarity: r.Similarity})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// Forget removes all memories produced by a task. Maintenance operation.
func (s *LongTermStore) Forget(ctx context.Context, taskID string) error {
	if err := s.col.Delete(ctx, map[string]string{"source_task_id": taskID}, nil); err != nil {
		return fmt.Errorf("deleting memories for task %s: %w", taskID, err)
	}
	return nil
}

// Count returns the number of stored memories.
func (s *LongTermStore) Count() int {
	return s.col.Count()
}
