// Package graph implements the plan-execute-verify orchestration state
// machine for one conversation thread.
//
// The machine is an explicit finite-state machine: node transition
// functions return deltas, a single reducer applies them to produce the
// next immutable state snapshot, and a pure routing function picks the
// next node from the current snapshot. Every loop bound is enforced in
// the router and nodes, independent of model behavior.
package graph

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/agentd/internal/memory"
	"github.com/fyrsmithlabs/agentd/internal/model"
)

// Role identifies a node of the state machine. The set is closed; the
// router treats anything outside it as terminal.
type Role string

const (
	// RoleUser tags externally supplied input.
	RoleUser Role = "user"

	// RolePlanner produces and replaces plans.
	RolePlanner Role = "planner"

	// RoleValidator judges plan feasibility before execution.
	RoleValidator Role = "plan_validator"

	// RoleExecutor drives one plan step against the model.
	RoleExecutor Role = "executor"

	// RoleTools executes requested tool calls.
	RoleTools Role = "tools"

	// RoleVerifier judges step completion and advances or retries.
	RoleVerifier Role = "exec_verifier"

	// RoleSelector tags messages from the internal model-selection
	// helper; executor context windows skip them.
	RoleSelector Role = "model_selector"

	// RoleEnd is the terminal node.
	RoleEnd Role = "end"
)

// StepStatus is a plan step's lifecycle state.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Step is one atomic unit of work within a plan. Created by the
// planner; status and result are mutated only by the verifier (or the
// whole plan replaced by a re-plan).
type Step struct {
	Number      int        `json:"number"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
	Result      string     `json:"result,omitempty"`
}

// Plan is the ordered step list for a thread.
type Plan struct {
	Summary string `json:"summary"`
	Steps   []Step `json:"steps"`
}

// Verdict is a structured judgment attached to validator and verifier
// messages; the router keys its decisions off it.
type Verdict struct {
	Validated bool   `json:"validated"`
	Reason    string `json:"reason"`
	IsFinal   bool   `json:"is_final"`
}

// Message is one role-tagged entry of the append-only thread history.
type Message struct {
	// Role is the chat role: system, human, ai, or tool.
	Role string `json:"role"`

	// From identifies the node that produced the message.
	From Role `json:"from"`

	Content string `json:"content"`

	// ToolCalls are set on executor messages requesting tools.
	ToolCalls []model.ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and ToolName are set on tool result messages.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`

	// Iteration groups a model turn with its resulting tool turns.
	Iteration int `json:"iteration,omitempty"`

	// Final marks a terminal message; the router never continues past it.
	Final bool `json:"final,omitempty"`

	// Verdict carries validator/verifier judgments.
	Verdict *Verdict `json:"verdict,omitempty"`

	// Usage carries provider token accounting for model-produced messages.
	Usage *model.Usage `json:"usage,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// State is the full orchestration state of one thread. It is owned by
// the runner and mutated only through Apply.
type State struct {
	ThreadID string `json:"thread_id"`
	AgentID  string `json:"agent_id"`

	// Messages is append-only; context windows filter, never delete.
	Messages []Message `json:"messages"`

	Plan Plan `json:"plan"`

	// StepIndex is the current step. Invariant: 0 <= StepIndex <= len(Steps).
	StepIndex int `json:"step_index"`

	// Retry counts consecutive validation/verification rejections.
	// Reset to 0 on plan acceptance and on step advancement.
	Retry int `json:"retry"`

	// LastRole tags the node that produced the last transition.
	LastRole Role `json:"last_role"`

	// GraphStep counts node transitions across the thread lifetime. It
	// only ever increases, so it totally orders checkpoints of a thread
	// across user turns and resumes.
	GraphStep int `json:"graph_step"`

	// TurnStep counts node transitions within the current invocation.
	// Reset on each user turn; the router's ceiling applies to it.
	TurnStep int `json:"turn_step"`

	// STM is the short-term memory ring, bounded FIFO.
	STM []memory.Item `json:"stm,omitempty"`

	// Retrieved holds long-term memories injected for the current
	// context; read-only for nodes.
	Retrieved []memory.Item `json:"retrieved,omitempty"`
}

// Delta is the result of one node transition. Messages append; Plan,
// StepIndex, and Retry are last-write-wins when set; From becomes the
// new LastRole.
type Delta struct {
	From      Role
	Messages  []Message
	Plan      *Plan
	StepIndex *int
	Retry     *int
	STM       []memory.Item
	Retrieved []memory.Item
}

// Apply is the single reducer: it returns the next state snapshot and
// never mutates its input. Each application advances GraphStep, which
// totally orders node transitions within a thread.
func Apply(s State, d Delta) State {
	next := s

	msgs := make([]Message, 0, len(s.Messages)+len(d.Messages))
	msgs = append(msgs, s.Messages...)
	msgs = append(msgs, d.Messages...)
	next.Messages = msgs

	if d.Plan != nil {
		plan := *d.Plan
		plan.Steps = append([]Step(nil), d.Plan.Steps...)
		next.Plan = plan
	}
	if d.StepIndex != nil {
		next.StepIndex = *d.StepIndex
	}
	if d.Retry != nil {
		next.Retry = *d.Retry
	}
	if d.STM != nil {
		next.STM = d.STM
	}
	if d.Retrieved != nil {
		next.Retrieved = d.Retrieved
	}
	if d.From != "" {
		next.LastRole = d.From
	}
	next.GraphStep = s.GraphStep + 1
	next.TurnStep = s.TurnStep + 1
	return next
}

// LastMessage returns the newest message, or nil for an empty history.
func (s State) LastMessage() *Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return &s.Messages[len(s.Messages)-1]
}

// CurrentStep returns the step at StepIndex, or nil when out of range.
func (s State) CurrentStep() *Step {
	if s.StepIndex < 0 || s.StepIndex >= len(s.Plan.Steps) {
		return nil
	}
	return &s.Plan.Steps[s.StepIndex]
}

// NextIteration returns the iteration number for a fresh executor turn.
func (s State) NextIteration() int {
	max := 0
	for i := range s.Messages {
		if s.Messages[i].Iteration > max {
			max = s.Messages[i].Iteration
		}
	}
	return max + 1
}

// CheckInvariants verifies the structural invariants of the state.
func (s State) CheckInvariants() error {
	if s.StepIndex < 0 || s.StepIndex > len(s.Plan.Steps) {
		return fmt.Errorf("step index %d out of range [0,%d]", s.StepIndex, len(s.Plan.Steps))
	}
	if s.Retry < 0 {
		return fmt.Errorf("negative retry counter: %d", s.Retry)
	}
	if s.GraphStep < 0 {
		return fmt.Errorf("negative graph step: %d", s.GraphStep)
	}
	if s.TurnStep < 0 || s.TurnStep > s.GraphStep {
		return fmt.Errorf("turn step %d out of range [0,%d]", s.TurnStep, s.GraphStep)
	}
	return nil
}

// intPtr is a convenience for delta construction.
func intPtr(v int) *int { return &v }
