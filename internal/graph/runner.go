package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/checkpoint"
	"github.com/fyrsmithlabs/agentd/internal/config"
	"github.com/fyrsmithlabs/agentd/internal/memory"
	"github.com/fyrsmithlabs/agentd/internal/model"
	"github.com/fyrsmithlabs/agentd/internal/registry"
	"github.com/fyrsmithlabs/agentd/internal/tools"
)

var (
	// ErrThreadSuspended indicates a run was requested on a thread that
	// is waiting for human input; Resume is the only way forward.
	ErrThreadSuspended = errors.New("thread is suspended awaiting human input")

	// ErrNotSuspended indicates a resume was requested on a thread that
	// is not waiting for human input.
	ErrNotSuspended = errors.New("thread is not suspended")
)

// AgentStore resolves agent configurations. Satisfied by both the
// sqlite store and its cache tier.
type AgentStore interface {
	Get(ctx context.Context, id string) (*registry.AgentConfig, error)
}

// RunnerConfig bounds the runner and its nodes.
type RunnerConfig struct {
	Nodes Config

	// Gate selects where long-term memories are injected.
	Gate config.RetrievalGate
}

// Result is the terminal outcome of one run.
type Result struct {
	Status       checkpoint.ThreadStatus
	CheckpointID string

	// Answer is the content of the final message.
	Answer string

	State State
}

// Runner owns thread execution: it serializes runs per thread, drives
// the route/dispatch/apply loop, persists a checkpoint after every
// transition, and wires the memory lifecycle around step verification.
type Runner struct {
	gateway     model.Gateway
	agents      AgentStore
	checkpoints checkpoint.Store
	memory      *memory.Coordinator
	tools       *tools.Registry
	cfg         RunnerConfig
	logger      *zap.Logger

	mu      sync.Mutex
	threads map[string]*sync.Mutex
}

// NewRunner wires a runner. The memory coordinator may be nil; memory
// hooks then become no-ops.
func NewRunner(gateway model.Gateway, agents AgentStore, checkpoints checkpoint.Store, mem *memory.Coordinator, reg *tools.Registry, cfg RunnerConfig, logger *zap.Logger) (*Runner, error) {
	if gateway == nil {
		return nil, errors.New("model gateway is required")
	}
	if agents == nil {
		return nil, errors.New("agent store is required")
	}
	if checkpoints == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if reg == nil {
		reg = tools.NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Gate == "" {
		cfg.Gate = config.GatePlanner
	}
	return &Runner{
		gateway:     gateway,
		agents:      agents,
		checkpoints: checkpoints,
		memory:      mem,
		tools:       reg,
		cfg:         cfg,
		logger:      logger,
		threads:     make(map[string]*sync.Mutex),
	}, nil
}

// Run executes one user turn on a thread. A fresh thread starts from
// empty state; an existing one continues from its latest checkpoint.
// Suspended threads reject new runs until resumed.
func (r *Runner) Run(ctx context.Context, threadID, agentID, input string, events *Emitter) (*Result, error) {
	unlock := r.lockThread(threadID)
	defer unlock()

	state, prior, err := r.loadState(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if prior == checkpoint.StatusSuspended {
		return nil, fmt.Errorf("%w: %s", ErrThreadSuspended, threadID)
	}

	state.ThreadID = threadID
	state.AgentID = agentID
	return r.drive(ctx, state, input, events)
}

// Resume continues a suspended thread with the human's answer. The
// answer joins the history and execution picks the pending step back
// up. checkpointID selects a specific suspension snapshot; empty means
// the latest.
func (r *Runner) Resume(ctx context.Context, threadID, checkpointID, input string, events *Emitter) (*Result, error) {
	unlock := r.lockThread(threadID)
	defer unlock()

	var (
		cp  *checkpoint.Checkpoint
		err error
	)
	if checkpointID == "" {
		cp, err = r.checkpoints.Latest(ctx, threadID)
	} else {
		cp, err = r.checkpoints.Get(ctx, threadID, checkpointID)
	}
	if err != nil {
		return nil, err
	}
	if cp.Status != checkpoint.StatusSuspended {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotSuspended, threadID, cp.Status)
	}

	var state State
	if err := json.Unmarshal(cp.State, &state); err != nil {
		return nil, fmt.Errorf("decoding checkpoint %s: %w", cp.ID, err)
	}

	return r.drive(ctx, state, input, events)
}

// drive appends the user input and runs the state machine to a
// terminal status.
func (r *Runner) drive(ctx context.Context, state State, input string, events *Emitter) (*Result, error) {
	agent, err := r.agents.Get(ctx, state.AgentID)
	if err != nil {
		return nil, fmt.Errorf("resolving agent %s: %w", state.AgentID, err)
	}
	if err := agent.Validate(); err != nil {
		return nil, err
	}

	// The closure reads the loop's current snapshot, so chunks streamed
	// during an executor turn carry the iteration that turn will record.
	stream := func(_ context.Context, chunk []byte) error {
		events.Emit(Event{
			Type:      EventToken,
			NodeRole:  RoleExecutor,
			ThreadID:  state.ThreadID,
			Iteration: state.NextIteration(),
			Payload:   string(chunk),
		})
		return nil
	}
	nodes := NewNodes(r.gateway, r.tools, r.cfg.Nodes, agent.Persona, stream, r.logger)

	// Each user turn gets a fresh transition and retry budget. GraphStep
	// keeps counting across turns so checkpoints stay totally ordered.
	state = Apply(state, Delta{
		From:     RoleUser,
		Retry:    intPtr(0),
		Messages: []Message{newMessage(model.RoleHuman, RoleUser, input)},
	})
	state.TurnStep = 0

	cpID, err := r.persist(ctx, state, checkpoint.StatusRunning)
	if err != nil {
		return nil, err
	}

	for {
		next := Route(state, r.cfg.Nodes.Caps)
		if next == RoleEnd {
			return r.finish(ctx, state, events, classify(state))
		}

		if r.gateRole() == next {
			state.Retrieved = r.retrieve(ctx, state)
		}

		events.Emit(Event{
			Type:         EventStart,
			NodeRole:     next,
			ThreadID:     state.ThreadID,
			CheckpointID: cpID,
		})

		delta, nodeErr := r.dispatch(ctx, nodes, next, state)

		if nodeErr != nil && errors.Is(nodeErr, ErrInterrupt) {
			state = Apply(state, delta)
			return r.finish(ctx, state, events, checkpoint.StatusSuspended)
		}
		if ctx.Err() != nil {
			return r.finish(context.WithoutCancel(ctx), state, events, checkpoint.StatusAborted)
		}
		if nodeErr != nil {
			r.logger.Error("node failed",
				zap.String("thread_id", state.ThreadID),
				zap.String("node", string(next)),
				zap.Error(nodeErr),
			)
			if _, ferr := r.finish(ctx, state, events, checkpoint.StatusFailed); ferr != nil {
				return nil, errors.Join(nodeErr, ferr)
			}
			return nil, nodeErr
		}

		prev := state
		state = Apply(state, delta)
		if err := state.CheckInvariants(); err != nil {
			return nil, fmt.Errorf("state invariant violated after %s: %w", next, err)
		}

		if next == RoleVerifier {
			r.afterVerify(ctx, prev, &state)
		}

		cpID, err = r.persist(ctx, state, checkpoint.StatusRunning)
		if err != nil {
			return nil, err
		}
	}
}

// finish persists the terminal checkpoint and emits the single final
// event.
func (r *Runner) finish(ctx context.Context, state State, events *Emitter, status checkpoint.ThreadStatus) (*Result, error) {
	cpID, err := r.persist(ctx, state, status)
	if err != nil {
		r.logger.Error("terminal checkpoint failed",
			zap.String("thread_id", state.ThreadID),
			zap.Error(err),
		)
	}

	answer := ""
	if last := state.LastMessage(); last != nil {
		answer = last.Content
	}

	events.Emit(Event{
		Type:         EventEnd,
		NodeRole:     RoleEnd,
		ThreadID:     state.ThreadID,
		CheckpointID: cpID,
		Payload:      answer,
		Final:        true,
		Status:       status,
		Usage:        sumUsage(state.Messages),
	})

	r.logger.Info("thread finished",
		zap.String("thread_id", state.ThreadID),
		zap.String("status", string(status)),
		zap.Int("graph_steps", state.GraphStep),
	)

	return &Result{Status: status, CheckpointID: cpID, Answer: answer, State: state}, err
}

// dispatch invokes the node selected by the router.
func (r *Runner) dispatch(ctx context.Context, n *Nodes, role Role, s State) (Delta, error) {
	switch role {
	case RolePlanner:
		return n.Plan(ctx, s)
	case RoleValidator:
		return n.ValidatePlan(ctx, s)
	case RoleExecutor:
		return n.Execute(ctx, s)
	case RoleTools:
		return n.RunTools(ctx, s)
	case RoleVerifier:
		return n.Verify(ctx, s)
	default:
		return Delta{}, fmt.Errorf("no node for role %s", role)
	}
}

// afterVerify runs the memory lifecycle for the step the verifier just
// judged: the outcome joins the short-term ring, and completed steps
// are summarized into long-term memory.
func (r *Runner) afterVerify(ctx context.Context, prev State, state *State) {
	if r.memory == nil {
		return
	}
	step := prev.CurrentStep()
	if step == nil || prev.StepIndex >= len(state.Plan.Steps) {
		return
	}

	verified := state.Plan.Steps[prev.StepIndex]
	content := fmt.Sprintf("step %d %q %s: %s", verified.Number, verified.Name, verified.Status, verified.Result)
	taskID := fmt.Sprintf("%s:%d", state.ThreadID, verified.Number)

	state.STM = r.memory.RecordStep(state.STM, taskID, content)
	if verified.Status == StepCompleted {
		r.memory.PersistStep(ctx, state.ThreadID, taskID, content)
	}
}

// retrieve fetches long-term context for the latest user request.
func (r *Runner) retrieve(ctx context.Context, state State) []memory.Item {
	if r.memory == nil {
		return nil
	}
	query := ""
	for i := len(state.Messages) - 1; i >= 0; i-- {
		if state.Messages[i].From == RoleUser {
			query = state.Messages[i].Content
			break
		}
	}
	return r.memory.Retrieve(ctx, query, state.STM)
}

// gateRole maps the configured retrieval gate to its node.
func (r *Runner) gateRole() Role {
	if r.cfg.Gate == config.GateValidator {
		return RoleValidator
	}
	return RolePlanner
}

// persist writes a checkpoint of the current state.
func (r *Runner) persist(ctx context.Context, state State, status checkpoint.ThreadStatus) (string, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("encoding state: %w", err)
	}
	cp, err := r.checkpoints.Save(ctx, state.ThreadID, status, raw)
	if err != nil {
		return "", fmt.Errorf("saving checkpoint: %w", err)
	}
	return cp.ID, nil
}

// loadState returns the thread's state from its latest checkpoint, or a
// zero state for a fresh thread, plus the prior status.
func (r *Runner) loadState(ctx context.Context, threadID string) (State, checkpoint.ThreadStatus, error) {
	cp, err := r.checkpoints.Latest(ctx, threadID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return State{ThreadID: threadID}, "", nil
	}
	if err != nil {
		return State{}, "", err
	}

	var state State
	if err := json.Unmarshal(cp.State, &state); err != nil {
		return State{}, "", fmt.Errorf("decoding checkpoint %s: %w", cp.ID, err)
	}
	return state, cp.Status, nil
}

// sumUsage totals provider token accounting across the history, or nil
// when nothing was reported.
func sumUsage(messages []Message) *model.Usage {
	var total model.Usage
	found := false
	for i := range messages {
		if u := messages[i].Usage; u != nil {
			total.InputTokens += u.InputTokens
			total.OutputTokens += u.OutputTokens
			found = true
		}
	}
	if !found {
		return nil
	}
	return &total
}

// classify maps a terminal state to its thread status.
func classify(s State) checkpoint.ThreadStatus {
	last := s.LastMessage()
	if last == nil {
		return checkpoint.StatusFailed
	}
	if last.Verdict != nil {
		if last.Verdict.Validated && last.Verdict.IsFinal {
			return checkpoint.StatusCompleted
		}
		return checkpoint.StatusFailed
	}
	if last.From == RoleExecutor && last.Final && containsTerminalMarker(last.Content) {
		return checkpoint.StatusCompleted
	}
	return checkpoint.StatusFailed
}

// lockThread serializes runs per thread.
func (r *Runner) lockThread(threadID string) func() {
	r.mu.Lock()
	lock, ok := r.threads[threadID]
	if !ok {
		lock = &sync.Mutex{}
		r.threads[threadID] = lock
	}
	r.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
