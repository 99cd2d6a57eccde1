package graph

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/agentd/internal/model"
)

func TestContextWindowBoundsIterations(t *testing.T) {
	var msgs []Message
	msgs = append(msgs, newMessage(model.RoleHuman, RoleUser, "request"))
	for i := 1; i <= 5; i++ {
		m := newMessage(model.RoleAI, RoleExecutor, fmt.Sprintf("turn %d", i))
		m.Iteration = i
		msgs = append(msgs, m)

		r := newMessage(model.RoleTool, RoleTools, fmt.Sprintf("result %d", i))
		r.Iteration = i
		msgs = append(msgs, r)
	}

	window := contextWindow(msgs, 2)

	// Only the two newest iterations survive, in chronological order.
	require.Len(t, window, 4)
	assert.Equal(t, "turn 4", window[0].Content)
	assert.Equal(t, "result 4", window[1].Content)
	assert.Equal(t, "turn 5", window[2].Content)
	assert.Equal(t, "result 5", window[3].Content)
}

func TestContextWindowKeepsUniterated(t *testing.T) {
	msgs := []Message{
		newMessage(model.RoleHuman, RoleUser, "request"),
		newMessage(model.RoleAI, RolePlanner, "plan"),
	}
	turn := newMessage(model.RoleAI, RoleExecutor, "turn 1")
	turn.Iteration = 1
	msgs = append(msgs, turn)

	window := contextWindow(msgs, 3)
	require.Len(t, window, 3)
	assert.Equal(t, "request", window[0].Content)
}

func TestContextWindowSkipsSelector(t *testing.T) {
	msgs := []Message{
		newMessage(model.RoleHuman, RoleUser, "request"),
		newMessage(model.RoleAI, RoleSelector, "picked gpt"),
		newMessage(model.RoleAI, RoleExecutor, "turn"),
	}

	window := contextWindow(msgs, 5)
	require.Len(t, window, 2)
	for _, m := range window {
		assert.NotEqual(t, RoleSelector, m.From)
	}
}

func TestToPromptCarriesToolPlumbing(t *testing.T) {
	call := newMessage(model.RoleAI, RoleExecutor, "")
	call.ToolCalls = []model.ToolCall{{ID: "c1", Name: "search", Arguments: "{}"}}

	result := newMessage(model.RoleTool, RoleTools, "42")
	result.ToolCallID = "c1"
	result.ToolName = "search"

	prompt := toPrompt([]Message{call, result})
	require.Len(t, prompt, 2)
	require.Len(t, prompt[0].ToolCalls, 1)
	assert.Equal(t, "c1", prompt[0].ToolCalls[0].ID)
	assert.Equal(t, "c1", prompt[1].ToolCallID)
	assert.Equal(t, "search", prompt[1].ToolName)
}

func TestContainsTerminalMarker(t *testing.T) {
	assert.True(t, containsTerminalMarker("Here is the FINAL ANSWER: 42"))
	assert.True(t, containsTerminalMarker("task complete, nothing left"))
	assert.True(t, containsTerminalMarker("TASK_COMPLETE"))
	assert.False(t, containsTerminalMarker("still working on it"))
	assert.False(t, containsTerminalMarker("the final step remains"))
}
