package graph

// Caps are the hard safety valves consulted by the router. They force
// termination regardless of semantic state.
type Caps struct {
	// MaxGraphSteps is the global node-transition ceiling.
	MaxGraphSteps int

	// MaxPlanRetries bounds validator-rejected re-planning. The bound
	// is inclusive: retry <= MaxPlanRetries routes back to the planner,
	// the next rejection ends the thread.
	MaxPlanRetries int

	// MaxStepRetries bounds verifier-rejected step re-execution. The
	// bound is exclusive: the verifier marks the step failed once
	// retry reaches MaxStepRetries.
	MaxStepRetries int
}

// Route is the central decision function: given the current state it
// returns the next node. It is pure, never mutates state, and resolves
// every branch to exactly one node. Unknown roles fail closed to End.
func Route(s State, caps Caps) Role {
	// Global ceiling first: a runaway invocation terminates no matter
	// what the last node produced.
	if s.TurnStep >= caps.MaxGraphSteps {
		return RoleEnd
	}

	last := s.LastMessage()

	// A terminal message ends the thread regardless of which node
	// emitted it (poisoned plan, executor error, verifier conclusion).
	if last != nil && last.Final {
		return RoleEnd
	}

	switch s.LastRole {
	case RoleUser, Role(""):
		// User input while a step is still pending is a human answer to
		// an interrupt: execution resumes mid-plan. Anything else starts
		// a fresh plan.
		if step := s.CurrentStep(); step != nil && step.Status == StepPending {
			return RoleExecutor
		}
		return RolePlanner

	case RolePlanner:
		return RoleValidator

	case RoleValidator:
		if last == nil || last.Verdict == nil {
			return RoleEnd
		}
		if last.Verdict.Validated {
			return RoleExecutor
		}
		if s.Retry <= caps.MaxPlanRetries {
			return RolePlanner
		}
		return RoleEnd

	case RoleExecutor:
		if last != nil && len(last.ToolCalls) > 0 {
			return RoleTools
		}
		return RoleVerifier

	case RoleTools:
		return RoleVerifier

	case RoleVerifier:
		if last == nil || last.Verdict == nil {
			return RoleEnd
		}
		if last.Verdict.IsFinal {
			return RoleEnd
		}
		// Validated: advance to the next step. Rejected under the
		// bound: retry the same step. Both continue at the executor;
		// the verifier already adjusted StepIndex and Retry.
		return RoleExecutor

	default:
		// Fail closed: an unspecified role must never loop.
		return RoleEnd
	}
}
