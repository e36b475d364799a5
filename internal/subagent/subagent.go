// Package subagent implements the Sub-Agent Gateway (C9): the script-side
// entry point `aip.agent.run(name, {inputs?, options?})` reaches, posting a
// sub-run request onto the Action Executor's (C8) queue and blocking on its
// one-shot reply: read the parent run's identity, build the request, post
// it, and block for the reply, tracking the child run against its parent.
package subagent

import (
	"context"
	"fmt"
)

// Params is what a sub-agent run request carries across the C8 queue.
type Params struct {
	// AgentRef is the callee: a bare agent name or a pack reference
	// ("ns@pack[/subpath]"), resolved the same way a top-level CmdRun
	// resolves its target.
	AgentRef string
	Inputs   []any
	Options  map[string]any

	// ParentRunUID links the spawned Run back to the run that requested
	// it; this is the only path that ever sets Run.parent_id.
	ParentRunUID string
}

// Result is what a sub-agent run hands back to the calling script.
type Result struct {
	Outputs  []any
	AfterAll any
}

// Poster is implemented by the Action Executor (C8): it accepts a sub-run
// request, schedules it onto the same queue a top-level CmdRun goes
// through, and blocks the caller until the spawned run's Outcome is ready.
type Poster interface {
	PostRunSubAgent(ctx context.Context, p Params) (Result, error)
}

// Run is the gateway itself, called from the `agent.run` script binding
// with the current run's own identity already resolved by the caller (the
// stage orchestrator or task dispatcher, whichever evaluated the script).
// A sub-agent run always needs a parent.
func Run(ctx context.Context, poster Poster, parentRunUID string, agentRef string, inputs []any, options map[string]any) (Result, error) {
	if parentRunUID == "" {
		return Result{}, fmt.Errorf("agent.run: no parent run uid in context; sub-agent runs require a parent")
	}
	if poster == nil {
		return Result{}, fmt.Errorf("agent.run: no sub-agent gateway wired into this runtime")
	}
	if agentRef == "" {
		return Result{}, fmt.Errorf("agent.run: missing agent name")
	}
	return poster.PostRunSubAgent(ctx, Params{
		AgentRef:     agentRef,
		Inputs:       inputs,
		Options:      options,
		ParentRunUID: parentRunUID,
	})
}
