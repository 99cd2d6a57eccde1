// Package memory implements the tiered memory of a thread: a short-term
// FIFO ring of recent step summaries and a long-term persisted store
// with similarity retrieval.
package memory

import (
	"time"

	"github.com/google/uuid"
)

// Item is one memory entry. Items are immutable once created; they are
// only evicted (STM) or superseded (LTM).
type Item struct {
	// ID is the unique item identifier (UUID).
	ID string `json:"id"`

	// Content is the formatted step trail or summary text.
	Content string `json:"content"`

	// SourceTaskID identifies the task/step the item was produced from.
	SourceTaskID string `json:"source_task_id"`

	// Timestamp records creation time.
	Timestamp time.Time `json:"timestamp"`
}

// NewItem creates an item with a fresh UUID.
func NewItem(content, sourceTaskID string) Item {
	return Item{
		ID:           uuid.New().String(),
		Content:      content,
		SourceTaskID: sourceTaskID,
		Timestamp:    time.Now(),
	}
}

// PushSTM appends item to the short-term buffer, evicting the oldest
// entry first (strict FIFO) when the buffer is at capacity. The input
// slice is not mutated; the returned slice never exceeds capacity.
func PushSTM(stm []Item, item Item, capacity int) []Item {
	if capacity < 1 {
		return nil
	}

	out := make([]Item, 0, capacity)
	out = append(out, stm...)
	if len(out) >= capacity {
		out = out[len(out)-capacity+1:]
	}
	return append(out, item)
}

// Snapshot returns a copy of the buffer for inspection.
func Snapshot(stm []Item) []Item {
	if stm == nil {
		return nil
	}
	return append([]Item(nil), stm...)
}

// STMTaskIDs returns the set of source task IDs present in the buffer.
// Used to exclude duplicate context during long-term retrieval.
func STMTaskIDs(stm []Item) map[string]bool {
	ids := make(map[string]bool, len(stm))
	for _, it := range stm {
		if it.SourceTaskID != "" {
			ids[it.SourceTaskID] = true
		}
	}
	return ids
}
