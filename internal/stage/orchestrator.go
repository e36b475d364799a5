// Package stage implements the run-level half of the Stage Orchestrator
// (C5): Before-All, handing off to the Task Dispatcher (C6) for the
// per-task Data/AI/Output pipeline, and After-All.
package stage

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/agentrun/internal/config"
	"github.com/basket/agentrun/internal/dispatch"
	"github.com/basket/agentrun/internal/runtime"
	"github.com/basket/agentrun/internal/scripthost"
	"github.com/basket/agentrun/internal/stagesignal"
	"github.com/basket/agentrun/internal/store"
	"github.com/basket/agentrun/internal/subagent"
	"github.com/basket/agentrun/internal/telemetry"
)

// runScope builds the run-level Scope (no current task) shared by
// Before-All and After-All evaluation, and attaches it to ctx so the
// flow/task/run/agent host modules can reach the store and the sub-agent
// gateway for this run.
func runScope(ctx context.Context, rt *runtime.Runtime) context.Context {
	scope := &scripthost.Scope{
		RunID:  rt.RunID,
		RunUID: rt.RunUID,
		Pin: func(ctx context.Context, taskID *int64, name *string, priority float64, content string) error {
			_, err := rt.Store.AddPin(ctx, rt.RunID, taskID, name, priority, content)
			return err
		},
		Print: func(ctx context.Context, taskID *int64, message string) {
			_, _ = rt.Store.AppendLog(ctx, rt.RunID, taskID, store.LogAgentPrint, nil, nil, message)
		},
	}
	scope.RunSubAgent = func(ctx context.Context, name string, opts map[string]any) (map[string]any, error) {
		inputs, _ := opts["inputs"].([]any)
		options, _ := opts["options"].(map[string]any)
		res, err := subagent.Run(ctx, rt.SubAgent, rt.RunUID, name, inputs, options)
		if err != nil {
			return nil, err
		}
		return map[string]any{"outputs": res.Outputs, "after_all": res.AfterAll}, nil
	}
	return scripthost.WithScope(ctx, scope)
}

// Outcome is the final result of running one agent.
type Outcome struct {
	EndState store.EndState
	AfterAll any
	Outputs  []any
}

// Run drives a single agent invocation through Before-All, the task
// pipeline, and After-All, recording every stage boundary against the
// store as it goes.
func Run(ctx context.Context, rt *runtime.Runtime, agent *config.AgentDef, inputs []any, literals map[string]any) (Outcome, error) {
	ctx, span := telemetry.StartSpan(ctx, rt.Tracer, "agentrun.run",
		telemetry.AttrRunID.String(rt.RunUID), telemetry.AttrAgent.String(agent.Name))
	defer span.End()
	start := time.Now()
	rt.Metrics.ActiveRuns.Add(ctx, 1)
	defer rt.Metrics.ActiveRuns.Add(ctx, -1)

	outcome, err := runInner(ctx, rt, agent, inputs, literals)

	rt.Metrics.RunDuration.Record(ctx, time.Since(start).Seconds())
	rt.Metrics.RunEndsTotal.Add(ctx, 1, telemetry.RunEndAttr(string(outcome.EndState)))
	return outcome, err
}

func runInner(ctx context.Context, rt *runtime.Runtime, agent *config.AgentDef, inputs []any, literals map[string]any) (Outcome, error) {
	ctx = runScope(ctx, rt)
	_ = rt.Store.RecRunStart(ctx, rt.RunID)

	options := agent.Options
	beforeAll := any(nil)

	if len(agent.BeforeAllScript) > 0 {
		_ = rt.Store.RecRunBaStart(ctx, rt.RunID)
		scope := map[string]any{"inputs": inputs, "options": options, "CTX": literals}
		raw, err := rt.Host.Eval(ctx, agent.BeforeAllScript, "before_all", scope, nil)
		_ = rt.Store.RecRunBaEnd(ctx, rt.RunID)
		if err != nil {
			return endRunErr(ctx, rt, "before_all", err)
		}
		sig := stagesignal.ParseSignal(raw)
		if sig.Skip != nil {
			if err := rt.Store.SetRunEnd(ctx, rt.RunID, store.EndSkip, sig.Skip.Reason, nil); err != nil {
				return Outcome{}, err
			}
			return Outcome{EndState: store.EndSkip}, nil
		}
		if sig.BeforeAll != nil {
			if sig.BeforeAll.Inputs != nil {
				inputs = sig.BeforeAll.Inputs
			}
			beforeAll = sig.BeforeAll.BeforeAll
			options = stagesignal.MergeOptions(options, sig.BeforeAll.Options)
		}
	} else {
		_ = rt.Store.RecRunBaStart(ctx, rt.RunID)
		_ = rt.Store.RecRunBaEnd(ctx, rt.RunID)
	}

	if rt.Token.Cancelled() {
		_ = rt.Store.SetRunEnd(ctx, rt.RunID, store.EndCancel, nil, nil)
		return Outcome{EndState: store.EndCancel}, nil
	}

	// A run that declares task stages but received no inputs still runs
	// once, against a Null input, so a one-task-per-run agent behaves the
	// same whether or not the caller supplied an explicit input list.
	if len(inputs) == 0 && agent.HasTaskStages {
		inputs = []any{nil}
	}

	hasAfterAll := len(agent.AfterAllScript) > 0
	returnOutputs := hasAfterAll

	_ = rt.Store.RecRunTasksStart(ctx, rt.RunID)
	var outcome Outcome
	if len(inputs) > 0 && agent.HasTaskStages {
		result, err := dispatch.Run(ctx, rt, agent, literals, inputs, beforeAll, options, returnOutputs)
		if err != nil {
			_ = rt.Store.RecRunTasksEnd(ctx, rt.RunID)
			return endRunErr(ctx, rt, "tasks", err)
		}
		outcome.Outputs = result.Outputs
		if result.Canceled {
			_ = rt.Store.RecRunTasksEnd(ctx, rt.RunID)
			_ = rt.Store.SetRunEnd(ctx, rt.RunID, store.EndCancel, nil, nil)
			return Outcome{EndState: store.EndCancel}, nil
		}
	}
	_ = rt.Store.RecRunTasksEnd(ctx, rt.RunID)

	// After-All runs whenever the agent declares an after_all script, full
	// stop -- independent of task stages, inputs, or whether every task
	// ended up skipped. An agent with no task stages and no inputs still
	// gets its Before-All/After-All pass.
	if hasAfterAll {
		_ = rt.Store.RecRunAaStart(ctx, rt.RunID)
		scope := map[string]any{"inputs": inputs, "outputs": outcome.Outputs, "before_all": beforeAll, "options": options, "CTX": literals}
		raw, err := rt.Host.Eval(ctx, agent.AfterAllScript, "after_all", scope, nil)
		_ = rt.Store.RecRunAaEnd(ctx, rt.RunID)
		if err != nil {
			return endRunErr(ctx, rt, "after_all", err)
		}
		sig := stagesignal.ParseSignal(raw)
		if sig.Skip != nil {
			if err := rt.Store.SetRunEnd(ctx, rt.RunID, store.EndSkip, sig.Skip.Reason, nil); err != nil {
				return Outcome{}, err
			}
			return Outcome{EndState: store.EndSkip, Outputs: outcome.Outputs}, nil
		}
		outcome.AfterAll = sig.Plain
	} else {
		_ = rt.Store.RecRunAaStart(ctx, rt.RunID)
		_ = rt.Store.RecRunAaEnd(ctx, rt.RunID)
	}

	if err := rt.Store.RecomputeRunCost(ctx, rt.RunID); err != nil {
		return Outcome{}, fmt.Errorf("recompute run cost: %w", err)
	}
	if err := rt.Store.SetRunEnd(ctx, rt.RunID, store.EndOk, nil, nil); err != nil {
		return Outcome{}, err
	}
	outcome.EndState = store.EndOk
	return outcome, nil
}

func endRunErr(ctx context.Context, rt *runtime.Runtime, stageName string, cause error) (Outcome, error) {
	e, _ := rt.Store.CreateErr(ctx, &stageName, &rt.RunID, nil, nil, cause.Error())
	var errID *int64
	if e != nil {
		errID = &e.ID
	}
	_ = rt.Store.SetRunEnd(ctx, rt.RunID, store.EndErr, nil, errID)
	return Outcome{EndState: store.EndErr}, nil
}
