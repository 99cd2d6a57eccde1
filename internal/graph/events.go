package graph

import (
	"sync"
	"time"

	"github.com/fyrsmithlabs/agentd/internal/checkpoint"
	"github.com/fyrsmithlabs/agentd/internal/model"
)

// EventType classifies a lifecycle event on the run stream.
type EventType string

const (
	// EventStart announces a node transition beginning.
	EventStart EventType = "start"

	// EventToken carries one streamed content chunk from the executor.
	EventToken EventType = "token"

	// EventEnd is the single terminal event of a run.
	EventEnd EventType = "end"
)

// Event is one entry on a run's event stream. A run emits exactly one
// event with Final set, and it is always the last.
type Event struct {
	Type         EventType               `json:"type"`
	NodeRole     Role                    `json:"node_role,omitempty"`
	ThreadID     string                  `json:"thread_id"`
	CheckpointID string                  `json:"checkpoint_id,omitempty"`
	Payload      string                  `json:"payload,omitempty"`

	// Iteration identifies the executor turn a token chunk belongs to.
	Iteration int `json:"iteration,omitempty"`

	Final bool `json:"final,omitempty"`
	Status       checkpoint.ThreadStatus `json:"status,omitempty"`

	// Usage is the summed provider token accounting for the run; set on
	// the terminal event when the provider reported it.
	Usage *model.Usage `json:"usage,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Emitter fans run events out to one consumer. Sends never block the
// run loop: when the consumer falls behind, events are dropped rather
// than stalling orchestration. The terminal outcome is always available
// from the run result regardless of drops.
type Emitter struct {
	ch   chan Event
	once sync.Once
}

// NewEmitter creates an emitter with the given channel buffer.
func NewEmitter(buffer int) *Emitter {
	if buffer < 1 {
		buffer = 64
	}
	return &Emitter{ch: make(chan Event, buffer)}
}

// Events returns the consumer side of the stream. The channel closes
// after the terminal event.
func (e *Emitter) Events() <-chan Event {
	return e.ch
}

// Emit publishes an event. Nil-safe so the runner can be used without
// a stream consumer.
func (e *Emitter) Emit(ev Event) {
	if e == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case e.ch <- ev:
	default:
		if ev.Final {
			// The terminal event must not be lost: evict the oldest
			// buffered event to make room.
			select {
			case <-e.ch:
			default:
			}
			select {
			case e.ch <- ev:
			default:
			}
		}
	}
}

// Close ends the stream. Safe to call more than once.
func (e *Emitter) Close() {
	if e == nil {
		return
	}
	e.once.Do(func() { close(e.ch) })
}
