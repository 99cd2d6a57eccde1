package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/agentd/internal/model"
)

func TestApplyAppendsMessages(t *testing.T) {
	s := State{ThreadID: "t1"}

	s1 := Apply(s, Delta{
		From:     RoleUser,
		Messages: []Message{newMessage(model.RoleHuman, RoleUser, "hello")},
	})
	s2 := Apply(s1, Delta{
		From:     RolePlanner,
		Messages: []Message{newMessage(model.RoleAI, RolePlanner, "plan")},
	})

	require.Len(t, s2.Messages, 2)
	assert.Equal(t, RolePlanner, s2.LastRole)
	assert.Equal(t, 2, s2.GraphStep)
	assert.Equal(t, 2, s2.TurnStep)

	// Earlier snapshots are untouched.
	assert.Empty(t, s.Messages)
	assert.Len(t, s1.Messages, 1)
	assert.Equal(t, 1, s1.GraphStep)
}

func TestApplySnapshotIsolation(t *testing.T) {
	s := Apply(State{}, Delta{
		From: RolePlanner,
		Plan: &Plan{Summary: "p", Steps: []Step{{Number: 1, Status: StepPending}}},
	})

	s2 := Apply(s, Delta{
		From: RoleVerifier,
		Plan: &Plan{Summary: "p", Steps: []Step{{Number: 1, Status: StepCompleted}}},
	})

	assert.Equal(t, StepPending, s.Plan.Steps[0].Status)
	assert.Equal(t, StepCompleted, s2.Plan.Steps[0].Status)
}

func TestApplyLastWriteWins(t *testing.T) {
	s := State{StepIndex: 1, Retry: 2}

	s2 := Apply(s, Delta{From: RoleVerifier, StepIndex: intPtr(2), Retry: intPtr(0)})
	assert.Equal(t, 2, s2.StepIndex)
	assert.Equal(t, 0, s2.Retry)

	// Unset fields keep their value.
	s3 := Apply(s2, Delta{From: RoleExecutor})
	assert.Equal(t, 2, s3.StepIndex)
	assert.Equal(t, 0, s3.Retry)
}

func TestNextIteration(t *testing.T) {
	s := State{}
	assert.Equal(t, 1, s.NextIteration())

	s.Messages = []Message{
		{Iteration: 1},
		{Iteration: 3},
		{Iteration: 2},
	}
	assert.Equal(t, 4, s.NextIteration())
}

func TestCurrentStep(t *testing.T) {
	s := State{Plan: Plan{Steps: []Step{{Number: 1}, {Number: 2}}}}

	require.NotNil(t, s.CurrentStep())
	assert.Equal(t, 1, s.CurrentStep().Number)

	s.StepIndex = 2
	assert.Nil(t, s.CurrentStep())
}

func TestCheckInvariants(t *testing.T) {
	ok := State{Plan: Plan{Steps: []Step{{Number: 1}}}, StepIndex: 1}
	assert.NoError(t, ok.CheckInvariants())

	bad := State{StepIndex: 5}
	assert.Error(t, bad.CheckInvariants())

	neg := State{Retry: -1}
	assert.Error(t, neg.CheckInvariants())
}
