package graph

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/model"
	"github.com/fyrsmithlabs/agentd/internal/tools"
)

// RunTools executes every tool call requested by the last executor
// message, in order, and appends one tool result message per call. The
// aggregate output shares a single character budget; a handler error
// aborts the thread because a half-applied tool batch is not a state
// the executor can reason about.
func (n *Nodes) RunTools(ctx context.Context, s State) (Delta, error) {
	last := s.LastMessage()
	if last == nil || len(last.ToolCalls) == 0 {
		return Delta{}, fmt.Errorf("tool node invoked without pending tool calls")
	}

	remaining := n.cfg.ToolResultBudget
	results := make([]Message, 0, len(last.ToolCalls))

	for _, call := range last.ToolCalls {
		var args map[string]any
		if call.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
				return Delta{}, fmt.Errorf("tool %s: decode arguments: %w", call.Name, err)
			}
		}

		n.logger.Debug("invoking tool",
			zap.String("thread_id", s.ThreadID),
			zap.String("tool", call.Name),
			zap.String("args", tools.Truncate(call.Arguments, 200)),
		)

		out, err := n.registry.Invoke(ctx, call.Name, args)
		if err != nil {
			return Delta{}, fmt.Errorf("tool %s: %w", call.Name, err)
		}

		if len(out) > remaining {
			out = tools.Truncate(out, remaining)
		}
		remaining -= len(out)

		msg := newMessage(model.RoleTool, RoleTools, out)
		msg.ToolCallID = call.ID
		msg.ToolName = call.Name
		msg.Iteration = last.Iteration
		results = append(results, msg)
	}

	return Delta{From: RoleTools, Messages: results}, nil
}
