package graph

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/model"
)

const plannerPrompt = `You are the planning component of a task agent.
Produce an ordered plan of concrete, verifiable steps for the user's request.
Respond as a JSON object: {"summary": string, "steps": [{"name": string, "description": string}]}.
Use between 1 and %d steps. Each step must be completable by a single focused action.`

// planDraft is the structured planner output.
type planDraft struct {
	Summary string `json:"summary"`
	Steps   []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	} `json:"steps"`
}

// Plan produces a new plan from the conversation history and, on
// re-plan, the validator's rejection reasoning. Re-planning fully
// replaces the previous plan. Internal failures never crash the
// thread: they poison the plan with a one-step failed entry and a
// terminal diagnostic so the router ends gracefully. Only cancellation
// propagates as an error.
func (n *Nodes) Plan(ctx context.Context, s State) (Delta, error) {
	var b strings.Builder
	b.WriteString("Conversation so far:\n")
	b.WriteString(renderHistory(s.Messages))

	if mem := renderMemories(s.Retrieved); mem != "" {
		b.WriteString("\n")
		b.WriteString(mem)
	}

	if s.LastRole == RoleValidator {
		if last := s.LastMessage(); last != nil && last.Verdict != nil && !last.Verdict.Validated {
			fmt.Fprintf(&b, "\nThe previous plan was rejected: %s\nProduce a corrected plan.\n", last.Verdict.Reason)
		}
	}

	prompt := []model.PromptMessage{
		{Role: model.RoleSystem, Content: n.persona + "\n\n" + fmt.Sprintf(plannerPrompt, n.cfg.MaxPlanSteps)},
		{Role: model.RoleHuman, Content: b.String()},
	}

	var draft planDraft
	if err := model.Structured(ctx, n.gateway, prompt, &draft); err != nil {
		if ctx.Err() != nil {
			return Delta{}, err
		}
		return n.poisonedPlan(s, err), nil
	}
	if len(draft.Steps) == 0 {
		return n.poisonedPlan(s, fmt.Errorf("planner produced no steps")), nil
	}
	if len(draft.Steps) > n.cfg.MaxPlanSteps {
		draft.Steps = draft.Steps[:n.cfg.MaxPlanSteps]
	}

	plan := Plan{Summary: draft.Summary}
	for i, st := range draft.Steps {
		plan.Steps = append(plan.Steps, Step{
			Number:      i + 1,
			Name:        st.Name,
			Description: st.Description,
			Status:      StepPending,
		})
	}

	var summary strings.Builder
	fmt.Fprintf(&summary, "Plan: %s\n", plan.Summary)
	for _, st := range plan.Steps {
		fmt.Fprintf(&summary, "%d. %s: %s\n", st.Number, st.Name, st.Description)
	}

	n.logger.Debug("plan produced",
		zap.String("thread_id", s.ThreadID),
		zap.Int("steps", len(plan.Steps)),
	)

	return Delta{
		From:      RolePlanner,
		Plan:      &plan,
		StepIndex: intPtr(0),
		Messages:  []Message{newMessage(model.RoleAI, RolePlanner, summary.String())},
	}, nil
}

// poisonedPlan converts a planner fault into a one-step failed plan
// plus a terminal diagnostic message.
func (n *Nodes) poisonedPlan(s State, cause error) Delta {
	n.logger.Error("planning failed", zap.String("thread_id", s.ThreadID), zap.Error(cause))

	diagnostic := fmt.Sprintf("planning failed: %v", cause)
	plan := Plan{
		Summary: diagnostic,
		Steps: []Step{{
			Number:      1,
			Name:        "plan",
			Description: "produce a plan for the request",
			Status:      StepFailed,
			Result:      diagnostic,
		}},
	}

	msg := newMessage(model.RoleAI, RolePlanner, diagnostic)
	msg.Final = true

	return Delta{
		From:      RolePlanner,
		Plan:      &plan,
		StepIndex: intPtr(0),
		Messages:  []Message{msg},
	}
}
