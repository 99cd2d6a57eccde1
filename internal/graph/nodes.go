package graph

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/memory"
	"github.com/fyrsmithlabs/agentd/internal/model"
	"github.com/fyrsmithlabs/agentd/internal/tools"
)

// ErrInterrupt signals a human-in-the-loop suspension request. The
// runner persists a checkpoint and suspends the thread until an
// external resume command arrives.
var ErrInterrupt = errors.New("thread suspended for human input")

// Terminal markers recognized in executor output.
var terminalMarkers = []string{
	"FINAL ANSWER",
	"TASK COMPLETE",
	"TASK_COMPLETE",
}

// interruptMarker requests a human-in-the-loop suspension.
const interruptMarker = "HUMAN_INPUT_REQUIRED"

// Config bounds node behavior.
type Config struct {
	Caps Caps

	// MaxIterations bounds the executor context window in iterations.
	MaxIterations int

	// ToolResultBudget is the aggregate character budget for tool output.
	ToolResultBudget int

	// MaxPlanSteps caps the plan length.
	MaxPlanSteps int
}

// Nodes holds the transition functions of the state machine. Each
// method inspects a state snapshot and returns a delta; none of them
// mutate the snapshot.
type Nodes struct {
	gateway  model.Gateway
	registry *tools.Registry
	cfg      Config
	persona  string
	stream   model.StreamFunc
	logger   *zap.Logger
}

// NewNodes creates the node set for one invocation. stream may be nil;
// when set, executor content chunks are forwarded through it.
func NewNodes(gateway model.Gateway, registry *tools.Registry, cfg Config, persona string, stream model.StreamFunc, logger *zap.Logger) *Nodes {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Nodes{
		gateway:  gateway,
		registry: registry,
		cfg:      cfg,
		persona:  persona,
		stream:   stream,
		logger:   logger,
	}
}

// contextWindow walks messages newest-first, skips model-selector
// helper messages, and stops once maxIterations distinct iterations of
// short-term context have been collected. The result is chronological.
func contextWindow(messages []Message, maxIterations int) []Message {
	seen := make(map[int]bool)
	var collected []Message

	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.From == RoleSelector {
			continue
		}
		if m.Iteration > 0 {
			if !seen[m.Iteration] && len(seen) >= maxIterations {
				break
			}
			seen[m.Iteration] = true
		}
		collected = append(collected, m)
	}

	// Reverse back to chronological order.
	for i, j := 0, len(collected)-1; i < j; i, j = i+1, j-1 {
		collected[i], collected[j] = collected[j], collected[i]
	}
	return collected
}

// toPrompt converts window messages to gateway prompt messages.
func toPrompt(window []Message) []model.PromptMessage {
	out := make([]model.PromptMessage, 0, len(window))
	for _, m := range window {
		pm := model.PromptMessage{Role: m.Role, Content: m.Content}
		if m.Role == model.RoleAI {
			pm.ToolCalls = m.ToolCalls
		}
		if m.Role == model.RoleTool {
			pm.ToolCallID = m.ToolCallID
			pm.ToolName = m.ToolName
		}
		out = append(out, pm)
	}
	return out
}

// renderHistory flattens the message history for judgment prompts.
func renderHistory(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		if m.From == RoleSelector {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s\n", m.From, m.Content)
	}
	return b.String()
}

// renderMemories formats retrieved long-term memories as read-only context.
func renderMemories(items []memory.Item) string {
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant past experience:\n")
	for _, it := range items {
		fmt.Fprintf(&b, "- %s\n", it.Content)
	}
	return b.String()
}

// newMessage stamps a message with the current time.
func newMessage(role string, from Role, content string) Message {
	return Message{Role: role, From: from, Content: content, CreatedAt: time.Now()}
}

// containsTerminalMarker reports whether content carries an explicit
// terminal marker.
func containsTerminalMarker(content string) bool {
	upper := strings.ToUpper(content)
	for _, marker := range terminalMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}
