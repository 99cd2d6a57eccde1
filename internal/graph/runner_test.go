package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/checkpoint"
	"github.com/fyrsmithlabs/agentd/internal/config"
	"github.com/fyrsmithlabs/agentd/internal/memory"
	"github.com/fyrsmithlabs/agentd/internal/model"
	"github.com/fyrsmithlabs/agentd/internal/registry"
	"github.com/fyrsmithlabs/agentd/internal/tools"
)

// scriptGateway replays a fixed response sequence.
type scriptGateway struct {
	mu        sync.Mutex
	responses []func(ctx context.Context, messages []model.PromptMessage) (*model.Response, error)
}

func (g *scriptGateway) Invoke(ctx context.Context, messages []model.PromptMessage, _ ...model.CallOption) (*model.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.responses) == 0 {
		return nil, fmt.Errorf("script exhausted, unexpected invocation")
	}
	next := g.responses[0]
	g.responses = g.responses[1:]
	return next(ctx, messages)
}

func say(content string) func(context.Context, []model.PromptMessage) (*model.Response, error) {
	return func(context.Context, []model.PromptMessage) (*model.Response, error) {
		return &model.Response{Content: content}, nil
	}
}

func callTool(id, name, args string) func(context.Context, []model.PromptMessage) (*model.Response, error) {
	return func(context.Context, []model.PromptMessage) (*model.Response, error) {
		return &model.Response{ToolCalls: []model.ToolCall{{ID: id, Name: name, Arguments: args}}}, nil
	}
}

func fail(err error) func(context.Context, []model.PromptMessage) (*model.Response, error) {
	return func(context.Context, []model.PromptMessage) (*model.Response, error) {
		return nil, err
	}
}

func planJSON(steps ...string) string {
	draft := map[string]any{"summary": "the plan"}
	var list []map[string]string
	for i, s := range steps {
		list = append(list, map[string]string{
			"name":        fmt.Sprintf("step-%d", i+1),
			"description": s,
		})
	}
	draft["steps"] = list
	raw, _ := json.Marshal(draft)
	return string(raw)
}

const (
	acceptPlan = `{"is_validated": true, "reason": "feasible"}`
	rejectPlan = `{"is_validated": false, "reason": "too vague"}`
	acceptStep = `{"validated": true, "reason": "step done"}`
	rejectStep = `{"validated": false, "reason": "incomplete"}`
)

// memCheckpoints is an in-memory checkpoint.Store for runner tests.
type memCheckpoints struct {
	mu       sync.Mutex
	byThread map[string][]*checkpoint.Checkpoint
	seq      int
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{byThread: make(map[string][]*checkpoint.Checkpoint)}
}

func (m *memCheckpoints) Save(_ context.Context, threadID string, status checkpoint.ThreadStatus, state json.RawMessage) (*checkpoint.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	cp := &checkpoint.Checkpoint{
		ID:        fmt.Sprintf("cp-%d", m.seq),
		ThreadID:  threadID,
		Status:    status,
		State:     append(json.RawMessage(nil), state...),
		CreatedAt: time.Now(),
	}
	m.byThread[threadID] = append(m.byThread[threadID], cp)
	return cp, nil
}

func (m *memCheckpoints) Latest(_ context.Context, threadID string) (*checkpoint.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cps := m.byThread[threadID]
	if len(cps) == 0 {
		return nil, checkpoint.ErrNotFound
	}
	return cps[len(cps)-1], nil
}

func (m *memCheckpoints) Get(_ context.Context, threadID, checkpointID string) (*checkpoint.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cp := range m.byThread[threadID] {
		if cp.ID == checkpointID {
			return cp, nil
		}
	}
	return nil, checkpoint.ErrNotFound
}

type fakeAgents struct{ cfg *registry.AgentConfig }

func (f *fakeAgents) Get(_ context.Context, id string) (*registry.AgentConfig, error) {
	if f.cfg == nil || f.cfg.ID != id {
		return nil, fmt.Errorf("%w: %s", registry.ErrNotFound, id)
	}
	return f.cfg, nil
}

func testRunner(t *testing.T, gw model.Gateway, reg *tools.Registry) (*Runner, *memCheckpoints) {
	t.Helper()
	cps := newMemCheckpoints()
	agents := &fakeAgents{cfg: &registry.AgentConfig{
		ID: "helper", Name: "helper", Model: "gpt-test", Persona: "You are a careful assistant.",
	}}
	r, err := NewRunner(gw, agents, cps, nil, reg, RunnerConfig{
		Nodes: Config{
			Caps:             Caps{MaxGraphSteps: 48, MaxPlanRetries: 3, MaxStepRetries: 3},
			MaxIterations:    10,
			ToolResultBudget: 5000,
			MaxPlanSteps:     20,
		},
		Gate: config.GatePlanner,
	}, zap.NewNop())
	require.NoError(t, err)
	return r, cps
}

func drain(em *Emitter) []Event {
	em.Close()
	var out []Event
	for ev := range em.Events() {
		out = append(out, ev)
	}
	return out
}

func TestRunHappyPathWithTools(t *testing.T) {
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(tools.Tool{
		Name:        "search",
		Description: "look things up",
		Schema:      map[string]any{"type": "object"},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			return "sunny, 24C", nil
		},
	}))

	gw := &scriptGateway{responses: []func(context.Context, []model.PromptMessage) (*model.Response, error){
		say(planJSON("look up the weather", "report it")),
		say(acceptPlan),
		callTool("c1", "search", `{"query":"weather"}`),
		say(acceptStep),
		say("The weather is sunny at 24C."),
		say(acceptStep),
	}}

	r, cps := testRunner(t, gw, reg)
	em := NewEmitter(256)

	res, err := r.Run(context.Background(), "th-1", "helper", "what is the weather?", em)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, res.Status)
	assert.Equal(t, "step done", res.Answer)

	// Both steps completed.
	require.Len(t, res.State.Plan.Steps, 2)
	assert.Equal(t, StepCompleted, res.State.Plan.Steps[0].Status)
	assert.Equal(t, StepCompleted, res.State.Plan.Steps[1].Status)

	// The tool result made it into the history.
	var toolMsg *Message
	for i := range res.State.Messages {
		if res.State.Messages[i].From == RoleTools {
			toolMsg = &res.State.Messages[i]
		}
	}
	require.NotNil(t, toolMsg)
	assert.Equal(t, "sunny, 24C", toolMsg.Content)
	assert.Equal(t, "c1", toolMsg.ToolCallID)

	// Terminal checkpoint carries the terminal status.
	latest, err := cps.Latest(context.Background(), "th-1")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, latest.Status)

	// Exactly one final event, and it is the last.
	events := drain(em)
	require.NotEmpty(t, events)
	finals := 0
	for _, ev := range events {
		if ev.Final {
			finals++
		}
	}
	assert.Equal(t, 1, finals)
	assert.True(t, events[len(events)-1].Final)
	assert.Equal(t, checkpoint.StatusCompleted, events[len(events)-1].Status)
}

func TestRunPlanRejectionExhaustsRetries(t *testing.T) {
	// Four plans, four rejections: the inclusive re-plan bound allows
	// three retries, the fourth rejection terminates.
	var script []func(context.Context, []model.PromptMessage) (*model.Response, error)
	for i := 0; i < 4; i++ {
		script = append(script, say(planJSON("do the thing")), say(rejectPlan))
	}
	gw := &scriptGateway{responses: script}

	r, cps := testRunner(t, gw, tools.NewRegistry())
	res, err := r.Run(context.Background(), "th-2", "helper", "do something", nil)
	require.NoError(t, err)

	assert.Equal(t, checkpoint.StatusFailed, res.Status)
	assert.Equal(t, 4, res.State.Retry)
	assert.Empty(t, gw.responses, "every scripted response consumed")

	latest, err := cps.Latest(context.Background(), "th-2")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusFailed, latest.Status)
}

func TestRunStepRetryBudgetExhausted(t *testing.T) {
	gw := &scriptGateway{responses: []func(context.Context, []model.PromptMessage) (*model.Response, error){
		say(planJSON("do the thing")),
		say(acceptPlan),
		say("attempt one"), say(rejectStep),
		say("attempt two"), say(rejectStep),
		say("attempt three"), say(rejectStep),
	}}

	r, _ := testRunner(t, gw, tools.NewRegistry())
	res, err := r.Run(context.Background(), "th-3", "helper", "do something", nil)
	require.NoError(t, err)

	assert.Equal(t, checkpoint.StatusFailed, res.Status)
	require.Len(t, res.State.Plan.Steps, 1)
	assert.Equal(t, StepFailed, res.State.Plan.Steps[0].Status)
	assert.Contains(t, res.Answer, "failed after 3 attempts")
}

func TestRunMidPlanStepFailurePreservesPriorSteps(t *testing.T) {
	gw := &scriptGateway{responses: []func(context.Context, []model.PromptMessage) (*model.Response, error){
		say(planJSON("first", "second", "third")),
		say(acceptPlan),
		say("first done"), say(acceptStep),
		say("try one"), say(rejectStep),
		say("try two"), say(rejectStep),
		say("try three"), say(rejectStep),
	}}

	r, _ := testRunner(t, gw, tools.NewRegistry())
	res, err := r.Run(context.Background(), "th-12", "helper", "do three things", nil)
	require.NoError(t, err)

	assert.Equal(t, checkpoint.StatusFailed, res.Status)
	require.Len(t, res.State.Plan.Steps, 3)
	assert.Equal(t, StepCompleted, res.State.Plan.Steps[0].Status)
	assert.Equal(t, StepFailed, res.State.Plan.Steps[1].Status)
	assert.Equal(t, StepPending, res.State.Plan.Steps[2].Status)
	assert.Equal(t, 1, res.State.StepIndex)
}

func TestRunInterruptAndResume(t *testing.T) {
	gw := &scriptGateway{responses: []func(context.Context, []model.PromptMessage) (*model.Response, error){
		say(planJSON("find out which city the user means")),
		say(acceptPlan),
		say("HUMAN_INPUT_REQUIRED: which city?"),
	}}

	r, cps := testRunner(t, gw, tools.NewRegistry())
	em := NewEmitter(256)

	res, err := r.Run(context.Background(), "th-4", "helper", "what is the weather?", em)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusSuspended, res.Status)

	events := drain(em)
	last := events[len(events)-1]
	assert.True(t, last.Final)
	assert.Equal(t, checkpoint.StatusSuspended, last.Status)

	// A new run on the suspended thread is rejected.
	_, err = r.Run(context.Background(), "th-4", "helper", "hello again", nil)
	require.ErrorIs(t, err, ErrThreadSuspended)

	// Resume with the human answer: the pending step resumes and completes.
	gw.mu.Lock()
	gw.responses = []func(context.Context, []model.PromptMessage) (*model.Response, error){
		say("The user means Paris."),
		say(acceptStep),
	}
	gw.mu.Unlock()

	resumed, err := r.Resume(context.Background(), "th-4", "", "Paris", nil)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, resumed.Status)
	assert.Equal(t, StepCompleted, resumed.State.Plan.Steps[0].Status)

	latest, err := cps.Latest(context.Background(), "th-4")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, latest.Status)
}

func TestResumeRequiresSuspension(t *testing.T) {
	gw := &scriptGateway{responses: []func(context.Context, []model.PromptMessage) (*model.Response, error){
		say(planJSON("answer")),
		say(acceptPlan),
		say("42"),
		say(acceptStep),
	}}

	r, _ := testRunner(t, gw, tools.NewRegistry())
	_, err := r.Run(context.Background(), "th-5", "helper", "meaning of life?", nil)
	require.NoError(t, err)

	_, err = r.Resume(context.Background(), "th-5", "", "extra input", nil)
	require.ErrorIs(t, err, ErrNotSuspended)
}

func TestRunAbortIsNotAnError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gw := &scriptGateway{responses: []func(context.Context, []model.PromptMessage) (*model.Response, error){
		func(ctx context.Context, _ []model.PromptMessage) (*model.Response, error) {
			cancel()
			return nil, ctx.Err()
		},
	}}

	r, cps := testRunner(t, gw, tools.NewRegistry())
	em := NewEmitter(256)

	res, err := r.Run(ctx, "th-6", "helper", "long task", em)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusAborted, res.Status)

	events := drain(em)
	last := events[len(events)-1]
	assert.True(t, last.Final)
	assert.Equal(t, checkpoint.StatusAborted, last.Status)

	latest, err := cps.Latest(context.Background(), "th-6")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusAborted, latest.Status)
}

func TestRunUnknownAgentFailsFast(t *testing.T) {
	gw := &scriptGateway{}
	r, _ := testRunner(t, gw, tools.NewRegistry())

	_, err := r.Run(context.Background(), "th-7", "nobody", "hi", nil)
	require.ErrorIs(t, err, registry.ErrNotFound)
	assert.Empty(t, gw.responses)
}

func TestRunToolOutputTruncated(t *testing.T) {
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(tools.Tool{
		Name:        "dump",
		Description: "returns a lot of text",
		Schema:      map[string]any{"type": "object"},
		Handler: func(context.Context, map[string]any) (string, error) {
			return strings.Repeat("x", 8000), nil
		},
	}))

	gw := &scriptGateway{responses: []func(context.Context, []model.PromptMessage) (*model.Response, error){
		say(planJSON("dump the data")),
		say(acceptPlan),
		callTool("c1", "dump", `{}`),
		say(acceptStep),
	}}

	r, _ := testRunner(t, gw, reg)
	res, err := r.Run(context.Background(), "th-8", "helper", "dump it", nil)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, res.Status)

	var toolMsg *Message
	for i := range res.State.Messages {
		if res.State.Messages[i].From == RoleTools {
			toolMsg = &res.State.Messages[i]
		}
	}
	require.NotNil(t, toolMsg)
	assert.Len(t, toolMsg.Content, 5000)
	assert.True(t, strings.HasSuffix(toolMsg.Content, "...[truncated]"))
}

func TestRunExecutorTerminalMarker(t *testing.T) {
	gw := &scriptGateway{responses: []func(context.Context, []model.PromptMessage) (*model.Response, error){
		say(planJSON("answer directly")),
		say(acceptPlan),
		say("FINAL ANSWER: 42"),
	}}

	r, _ := testRunner(t, gw, tools.NewRegistry())
	res, err := r.Run(context.Background(), "th-9", "helper", "meaning of life?", nil)
	require.NoError(t, err)

	assert.Equal(t, checkpoint.StatusCompleted, res.Status)
	assert.Contains(t, res.Answer, "FINAL ANSWER")
}

func TestRunRecordsStepOutcomeInSTM(t *testing.T) {
	gw := &scriptGateway{responses: []func(context.Context, []model.PromptMessage) (*model.Response, error){
		say(planJSON("answer")),
		say(acceptPlan),
		say("42"),
		say(acceptStep),
	}}

	cps := newMemCheckpoints()
	agents := &fakeAgents{cfg: &registry.AgentConfig{
		ID: "helper", Name: "helper", Model: "gpt-test", Persona: "You are helpful.",
	}}
	coord, err := memory.NewCoordinator(gw, nil, memory.CoordinatorConfig{STMCapacity: 8, RetrieveTopK: 3}, zap.NewNop())
	require.NoError(t, err)

	r, err := NewRunner(gw, agents, cps, coord, tools.NewRegistry(), RunnerConfig{
		Nodes: Config{
			Caps:             Caps{MaxGraphSteps: 48, MaxPlanRetries: 3, MaxStepRetries: 3},
			MaxIterations:    10,
			ToolResultBudget: 5000,
			MaxPlanSteps:     20,
		},
		Gate: config.GatePlanner,
	}, zap.NewNop())
	require.NoError(t, err)

	res, err := r.Run(context.Background(), "th-11", "helper", "meaning of life?", nil)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, res.Status)

	require.Len(t, res.State.STM, 1)
	assert.Contains(t, res.State.STM[0].Content, "step 1")
	assert.Equal(t, "th-11:1", res.State.STM[0].SourceTaskID)
}

func TestRunGraphStepOrdersTurns(t *testing.T) {
	turn := func() []func(context.Context, []model.PromptMessage) (*model.Response, error) {
		return []func(context.Context, []model.PromptMessage) (*model.Response, error){
			say(planJSON("answer")),
			say(acceptPlan),
			say("42"),
			say(acceptStep),
		}
	}
	gw := &scriptGateway{responses: append(turn(), turn()...)}

	r, _ := testRunner(t, gw, tools.NewRegistry())

	first, err := r.Run(context.Background(), "th-13", "helper", "meaning of life?", nil)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, first.Status)

	second, err := r.Run(context.Background(), "th-13", "helper", "are you sure?", nil)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, second.Status)

	// GraphStep keeps counting across turns so checkpoints of the thread
	// stay totally ordered; only the per-turn counter restarts.
	assert.Greater(t, second.State.GraphStep, first.State.GraphStep)
	assert.Equal(t, first.State.TurnStep, second.State.TurnStep)
}

func TestRunPlannerFaultFailsThread(t *testing.T) {
	gw := &scriptGateway{responses: []func(context.Context, []model.PromptMessage) (*model.Response, error){
		fail(fmt.Errorf("provider unreachable")),
	}}

	r, cps := testRunner(t, gw, tools.NewRegistry())
	res, err := r.Run(context.Background(), "th-14", "helper", "do something", nil)
	require.NoError(t, err)

	assert.Equal(t, checkpoint.StatusFailed, res.Status)
	assert.Contains(t, res.Answer, "planning failed")
	require.Len(t, res.State.Plan.Steps, 1)
	assert.Equal(t, StepFailed, res.State.Plan.Steps[0].Status)
	assert.Empty(t, gw.responses, "validator never consulted after a planner fault")

	latest, err := cps.Latest(context.Background(), "th-14")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusFailed, latest.Status)
}

func TestRunExecutorTokenLimitIsTerminal(t *testing.T) {
	gw := &scriptGateway{responses: []func(context.Context, []model.PromptMessage) (*model.Response, error){
		say(planJSON("summarize everything")),
		say(acceptPlan),
		fail(fmt.Errorf("%w: prompt exceeds the model maximum", model.ErrTokenLimit)),
	}}

	r, _ := testRunner(t, gw, tools.NewRegistry())
	res, err := r.Run(context.Background(), "th-15", "helper", "summarize", nil)
	require.NoError(t, err)

	assert.Equal(t, checkpoint.StatusFailed, res.Status)
	assert.Contains(t, res.Answer, "context window is exhausted")
	assert.Empty(t, gw.responses)
}

func TestRunExecutorModelFaultIsTerminal(t *testing.T) {
	gw := &scriptGateway{responses: []func(context.Context, []model.PromptMessage) (*model.Response, error){
		say(planJSON("answer")),
		say(acceptPlan),
		fail(fmt.Errorf("upstream returned 500")),
	}}

	r, _ := testRunner(t, gw, tools.NewRegistry())
	res, err := r.Run(context.Background(), "th-16", "helper", "go", nil)
	require.NoError(t, err)

	assert.Equal(t, checkpoint.StatusFailed, res.Status)
	assert.Contains(t, res.Answer, "model invocation failed")
}

func TestRunVerifierFaultMarksStepFailed(t *testing.T) {
	gw := &scriptGateway{responses: []func(context.Context, []model.PromptMessage) (*model.Response, error){
		say(planJSON("do the thing")),
		say(acceptPlan),
		say("did the thing"),
		fail(fmt.Errorf("judge unavailable")),
	}}

	r, cps := testRunner(t, gw, tools.NewRegistry())
	res, err := r.Run(context.Background(), "th-17", "helper", "go", nil)
	require.NoError(t, err)

	assert.Equal(t, checkpoint.StatusFailed, res.Status)
	assert.Contains(t, res.Answer, "step verification error")
	require.Len(t, res.State.Plan.Steps, 1)
	assert.Equal(t, StepFailed, res.State.Plan.Steps[0].Status)
	assert.Contains(t, res.State.Plan.Steps[0].Result, "verification error")

	latest, err := cps.Latest(context.Background(), "th-17")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusFailed, latest.Status)
}

// streamGateway drives the streaming option the way a live provider
// would, emitting chunks before returning the executor content.
type streamGateway struct {
	mu sync.Mutex
	n  int
}

func (g *streamGateway) Invoke(ctx context.Context, _ []model.PromptMessage, opts ...model.CallOption) (*model.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	switch g.n {
	case 1:
		return &model.Response{Content: planJSON("answer the question")}, nil
	case 2:
		return &model.Response{Content: acceptPlan}, nil
	case 3:
		o := model.NewOptions(opts...)
		if o.Stream != nil {
			for _, chunk := range []string{"The answer ", "is 42."} {
				if err := o.Stream(ctx, []byte(chunk)); err != nil {
					return nil, err
				}
			}
		}
		return &model.Response{Content: "The answer is 42."}, nil
	case 4:
		return &model.Response{Content: acceptStep}, nil
	default:
		return nil, fmt.Errorf("unexpected invocation %d", g.n)
	}
}

func TestRunStreamedTokensCarryIteration(t *testing.T) {
	r, _ := testRunner(t, &streamGateway{}, tools.NewRegistry())
	em := NewEmitter(256)

	res, err := r.Run(context.Background(), "th-18", "helper", "meaning of life?", em)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, res.Status)

	var chunks []string
	for _, ev := range drain(em) {
		if ev.Type != EventToken {
			continue
		}
		chunks = append(chunks, ev.Payload)
		assert.Equal(t, 1, ev.Iteration)
		assert.Equal(t, RoleExecutor, ev.NodeRole)
	}
	require.Len(t, chunks, 2)
	assert.Equal(t, "The answer is 42.", strings.Join(chunks, ""))
}

func TestRunToolFailureTerminates(t *testing.T) {
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(tools.Tool{
		Name:        "flaky",
		Description: "always fails",
		Schema:      map[string]any{"type": "object"},
		Handler: func(context.Context, map[string]any) (string, error) {
			return "", fmt.Errorf("backend unavailable")
		},
	}))

	gw := &scriptGateway{responses: []func(context.Context, []model.PromptMessage) (*model.Response, error){
		say(planJSON("use the flaky tool")),
		say(acceptPlan),
		callTool("c1", "flaky", `{}`),
	}}

	r, cps := testRunner(t, gw, reg)
	_, err := r.Run(context.Background(), "th-10", "helper", "go", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend unavailable")

	latest, err := cps.Latest(context.Background(), "th-10")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusFailed, latest.Status)
}
