package graph

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/model"
)

const verifierPrompt = `You are the step verifier of a task agent.
Judge whether the most recent executor output actually completed the current step.
Respond as a JSON object: {"validated": boolean, "reason": string}.
Validate only real completion. Partial progress, hedging, or a promise to act later is not completion.`

// verifierJudgment is the structured step-level judgment.
type verifierJudgment struct {
	Validated bool   `json:"validated"`
	Reason    string `json:"reason"`
}

// Verify judges the current step. Acceptance marks it completed and
// advances StepIndex with a fresh retry budget; acceptance of the last
// step concludes the thread. Rejection increments the retry counter and
// marks the step failed once the budget is exhausted. Infrastructure
// faults mark the step failed and terminate; only cancellation
// propagates as an error.
func (n *Nodes) Verify(ctx context.Context, s State) (Delta, error) {
	step := s.CurrentStep()
	if step == nil {
		msg := newMessage(model.RoleAI, RoleVerifier, "verifier invoked without a current step")
		msg.Final = true
		return Delta{From: RoleVerifier, Messages: []Message{msg}}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Current step %d of %d, %q: %s\n\n", step.Number, len(s.Plan.Steps), step.Name, step.Description)
	b.WriteString("Recent execution transcript:\n")
	b.WriteString(renderHistory(contextWindow(s.Messages, n.cfg.MaxIterations)))

	prompt := []model.PromptMessage{
		{Role: model.RoleSystem, Content: verifierPrompt},
		{Role: model.RoleHuman, Content: b.String()},
	}

	var judgment verifierJudgment
	if err := model.Structured(ctx, n.gateway, prompt, &judgment); err != nil {
		if ctx.Err() != nil {
			return Delta{}, err
		}
		return n.verifierFault(s, *step, err), nil
	}

	last := s.LastMessage()
	outcome := ""
	if last != nil {
		outcome = last.Content
	}

	if judgment.Validated {
		return n.acceptStep(s, *step, outcome, judgment.Reason), nil
	}
	return n.rejectStep(s, *step, judgment.Reason), nil
}

// acceptStep records the step result and advances. Completing the final
// step ends the thread.
func (n *Nodes) acceptStep(s State, step Step, outcome, reason string) Delta {
	plan := clonePlan(s.Plan)
	plan.Steps[s.StepIndex].Status = StepCompleted
	plan.Steps[s.StepIndex].Result = outcome

	lastStep := s.StepIndex == len(plan.Steps)-1

	msg := newMessage(model.RoleAI, RoleVerifier, reason)
	msg.Verdict = &Verdict{Validated: true, Reason: reason, IsFinal: lastStep}
	if lastStep {
		msg.Final = true
	}

	n.logger.Debug("step verified",
		zap.String("thread_id", s.ThreadID),
		zap.Int("step", step.Number),
		zap.Bool("final", lastStep),
	)

	return Delta{
		From:      RoleVerifier,
		Plan:      &plan,
		StepIndex: intPtr(s.StepIndex + 1),
		Retry:     intPtr(0),
		Messages:  []Message{msg},
	}
}

// rejectStep either schedules a retry of the same step or, once the
// retry budget is spent, marks the step failed and ends the thread.
func (n *Nodes) rejectStep(s State, step Step, reason string) Delta {
	retry := s.Retry + 1

	if retry >= n.cfg.Caps.MaxStepRetries {
		plan := clonePlan(s.Plan)
		plan.Steps[s.StepIndex].Status = StepFailed
		plan.Steps[s.StepIndex].Result = reason

		content := fmt.Sprintf("step %d failed after %d attempts: %s", step.Number, retry, reason)
		msg := newMessage(model.RoleAI, RoleVerifier, content)
		msg.Verdict = &Verdict{Validated: false, Reason: reason, IsFinal: true}
		msg.Final = true

		n.logger.Warn("step retry budget exhausted",
			zap.String("thread_id", s.ThreadID),
			zap.Int("step", step.Number),
			zap.Int("attempts", retry),
		)

		return Delta{
			From:     RoleVerifier,
			Plan:     &plan,
			Retry:    intPtr(retry),
			Messages: []Message{msg},
		}
	}

	msg := newMessage(model.RoleAI, RoleVerifier, reason)
	msg.Verdict = &Verdict{Validated: false, Reason: reason}

	n.logger.Debug("step rejected",
		zap.String("thread_id", s.ThreadID),
		zap.Int("step", step.Number),
		zap.Int("retry", retry),
	)

	return Delta{
		From:     RoleVerifier,
		Retry:    intPtr(retry),
		Messages: []Message{msg},
	}
}

// verifierFault marks the current step failed on an infrastructure
// error and terminates.
func (n *Nodes) verifierFault(s State, step Step, cause error) Delta {
	n.logger.Error("step verification failed",
		zap.String("thread_id", s.ThreadID),
		zap.Int("step", step.Number),
		zap.Error(cause),
	)

	plan := clonePlan(s.Plan)
	plan.Steps[s.StepIndex].Status = StepFailed
	plan.Steps[s.StepIndex].Result = fmt.Sprintf("verification error: %v", cause)

	msg := newMessage(model.RoleAI, RoleVerifier, fmt.Sprintf("step verification error: %v", cause))
	msg.Final = true

	return Delta{
		From:     RoleVerifier,
		Plan:     &plan,
		Messages: []Message{msg},
	}
}

// clonePlan deep-copies a plan so verifier mutations never touch the
// previous snapshot.
func clonePlan(p Plan) Plan {
	out := p
	out.Steps = append([]Step(nil), p.Steps...)
	return out
}
