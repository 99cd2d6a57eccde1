package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/model"
)

const executorPrompt = `You are executing one step of an agreed plan.
Current step %d of %d, %q: %s
Use the available tools when the step requires external information or actions.
When the step's work is genuinely done, state the outcome plainly.
If you cannot proceed without input from the human, reply with the single line %s.`

const retryAddendum = `
A previous attempt at this step was judged insufficient (attempt %d). Address the gap instead of repeating the same output.`

// Execute drives the current plan step: it builds the iteration-bounded
// context window, invokes the model bound with the tool registry, and
// classifies the response. Terminal conditions and invocation faults
// become final messages; only cancellation and interrupts propagate as
// errors.
func (n *Nodes) Execute(ctx context.Context, s State) (Delta, error) {
	step := s.CurrentStep()
	if step == nil {
		msg := newMessage(model.RoleAI, RoleExecutor, "executor invoked without a current step")
		msg.Final = true
		return Delta{From: RoleExecutor, Messages: []Message{msg}}, nil
	}

	system := n.persona + "\n\n" + fmt.Sprintf(executorPrompt,
		step.Number, len(s.Plan.Steps), step.Name, step.Description, interruptMarker)
	if s.Retry > 0 {
		system += fmt.Sprintf(retryAddendum, s.Retry)
	}

	prompt := append(
		[]model.PromptMessage{{Role: model.RoleSystem, Content: system}},
		toPrompt(contextWindow(s.Messages, n.cfg.MaxIterations))...,
	)

	opts := []model.CallOption{model.WithTools(n.registry.Schemas())}
	if n.stream != nil {
		opts = append(opts, model.WithStream(n.stream))
	}

	resp, err := n.gateway.Invoke(ctx, prompt, opts...)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return Delta{}, err
		}
		return n.terminalError(s, err), nil
	}

	iteration := s.NextIteration()

	if strings.Contains(resp.Content, interruptMarker) {
		msg := newMessage(model.RoleAI, RoleExecutor, resp.Content)
		msg.Iteration = iteration
		return Delta{From: RoleExecutor, Messages: []Message{msg}}, ErrInterrupt
	}

	msg := newMessage(model.RoleAI, RoleExecutor, resp.Content)
	msg.Iteration = iteration
	msg.ToolCalls = resp.ToolCalls
	if resp.Usage != (model.Usage{}) {
		usage := resp.Usage
		msg.Usage = &usage
	}

	if len(resp.ToolCalls) == 0 && containsTerminalMarker(resp.Content) {
		msg.Final = true
	}

	n.logger.Debug("executor turn",
		zap.String("thread_id", s.ThreadID),
		zap.Int("step", step.Number),
		zap.Int("iteration", iteration),
		zap.Int("tool_calls", len(resp.ToolCalls)),
		zap.Bool("final", msg.Final),
	)

	return Delta{From: RoleExecutor, Messages: []Message{msg}}, nil
}

// terminalError converts an invocation fault into a final message so
// the router cannot loop on a broken executor call. Token-limit
// exhaustion gets its own wording.
func (n *Nodes) terminalError(s State, cause error) Delta {
	var content string
	if model.IsTokenLimit(cause) {
		content = fmt.Sprintf("execution halted: the model context window is exhausted (%v)", cause)
	} else {
		content = fmt.Sprintf("execution halted: model invocation failed (%v)", cause)
	}

	n.logger.Error("executor fault",
		zap.String("thread_id", s.ThreadID),
		zap.Bool("token_limit", model.IsTokenLimit(cause)),
		zap.Error(cause),
	)

	msg := newMessage(model.RoleAI, RoleExecutor, content)
	msg.Final = true
	return Delta{From: RoleExecutor, Messages: []Message{msg}}
}
