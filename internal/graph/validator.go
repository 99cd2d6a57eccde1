package graph

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/model"
)

const validatorPrompt = `You are the plan validator of a task agent.
Judge whether the proposed plan is feasible and would satisfy the user's request.
Respond as a JSON object: {"is_validated": boolean, "reason": string}.`

// validatorJudgment is the structured plan-level judgment.
type validatorJudgment struct {
	IsValidated bool   `json:"is_validated"`
	Reason      string `json:"reason"`
}

// ValidatePlan runs plan-level validation. Acceptance resets the retry
// counter and hands off to the executor; rejection increments it and
// the router decides between re-plan and termination. Infrastructure
// faults terminate: only semantic rejection is retried. Only
// cancellation propagates as an error.
func (n *Nodes) ValidatePlan(ctx context.Context, s State) (Delta, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "User request and history:\n%s\n", renderHistory(s.Messages))
	fmt.Fprintf(&b, "Proposed plan: %s\n", s.Plan.Summary)
	for _, st := range s.Plan.Steps {
		fmt.Fprintf(&b, "%d. %s: %s\n", st.Number, st.Name, st.Description)
	}
	if mem := renderMemories(s.Retrieved); mem != "" {
		b.WriteString("\n")
		b.WriteString(mem)
	}

	prompt := []model.PromptMessage{
		{Role: model.RoleSystem, Content: validatorPrompt},
		{Role: model.RoleHuman, Content: b.String()},
	}

	var judgment validatorJudgment
	if err := model.Structured(ctx, n.gateway, prompt, &judgment); err != nil {
		if ctx.Err() != nil {
			return Delta{}, err
		}
		n.logger.Error("plan validation failed", zap.String("thread_id", s.ThreadID), zap.Error(err))
		msg := newMessage(model.RoleAI, RoleValidator, fmt.Sprintf("plan validation error: %v", err))
		msg.Final = true
		return Delta{From: RoleValidator, Messages: []Message{msg}}, nil
	}

	msg := newMessage(model.RoleAI, RoleValidator, judgment.Reason)
	msg.Verdict = &Verdict{Validated: judgment.IsValidated, Reason: judgment.Reason}

	delta := Delta{From: RoleValidator, Messages: []Message{msg}}
	if judgment.IsValidated {
		// Execution starts with a clean step-retry budget.
		delta.Retry = intPtr(0)
	} else {
		delta.Retry = intPtr(s.Retry + 1)
	}

	n.logger.Debug("plan validated",
		zap.String("thread_id", s.ThreadID),
		zap.Bool("validated", judgment.IsValidated),
		zap.Int("retry", *delta.Retry),
	)
	return delta, nil
}
