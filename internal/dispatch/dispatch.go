// Package dispatch implements the Task Dispatcher (C6): it creates one
// Task row per input up front, then runs each input's Data -> AI -> Output
// pipeline with a bounded-concurrency cooperative worker pool, restoring
// input order at the end regardless of completion order.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/basket/agentrun/internal/chatclient"
	"github.com/basket/agentrun/internal/config"
	"github.com/basket/agentrun/internal/pricing"
	"github.com/basket/agentrun/internal/promptbuild"
	"github.com/basket/agentrun/internal/runtime"
	"github.com/basket/agentrun/internal/scripthost"
	"github.com/basket/agentrun/internal/stagesignal"
	"github.com/basket/agentrun/internal/store"
	"github.com/basket/agentrun/internal/subagent"
	"github.com/basket/agentrun/internal/telemetry"
	"github.com/basket/agentrun/internal/tokenutil"
)

// taskScope narrows the run-level Scope already on ctx (attached by the
// Stage Orchestrator before it invoked this package) to one task, so
// task.set_label/task.pin resolve against this task specifically and
// aip.agent.run sub-runs still link back to the same parent run.
func taskScope(ctx context.Context, rt *runtime.Runtime, taskID int64) context.Context {
	scope := &scripthost.Scope{
		RunID:  rt.RunID,
		RunUID: rt.RunUID,
		TaskID: &taskID,
		Pin: func(ctx context.Context, tid *int64, name *string, priority float64, content string) error {
			_, err := rt.Store.AddPin(ctx, rt.RunID, tid, name, priority, content)
			return err
		},
		SetLabel: func(ctx context.Context, tid int64, label string) error {
			return rt.Store.SetTaskLabel(ctx, tid, label)
		},
		Print: func(ctx context.Context, tid *int64, message string) {
			_, _ = rt.Store.AppendLog(ctx, rt.RunID, tid, store.LogAgentPrint, nil, nil, message)
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

// Result is the outcome of dispatching one run's tasks.
type Result struct {
	// Outputs holds one entry per task, in input order, only when
	// returnOutputs was requested (or an After-All exists upstream).
	Outputs  []any
	AnyError bool
	Canceled bool
}

// Run creates a Task row for every input (preserving idx) and schedules
// each one's pipeline at concurrency cap max(1, agent.InputConcurrency).
func Run(ctx context.Context, rt *runtime.Runtime, agent *config.AgentDef, literals map[string]any, inputs []any, beforeAll any, runOptions map[string]any, returnOutputs bool) (Result, error) {
	if len(inputs) == 0 {
		inputs = []any{nil}
	}

	type taskUnit struct {
		idx  int
		id   int64
		uid  string
		in   any
	}
	units := make([]taskUnit, len(inputs))
	for i, in := range inputs {
		label := deriveLabel(in, i)
		t, err := rt.Store.CreateTask(ctx, rt.RunID, i, label)
		if err != nil {
			return Result{}, fmt.Errorf("create task idx=%d: %w", i, err)
		}
		units[i] = taskUnit{idx: i, id: t.ID, uid: t.UID, in: in}
	}

	concurrency := agent.InputConcurrency
	if concurrency < 1 {
		concurrency = 1
	}

	outputs := make([]any, len(units))
	var anyError, canceled bool
	var mu sync.Mutex
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for _, u := range units {
		select {
		case <-rt.Token.Done():
			mu.Lock()
			canceled = true
			mu.Unlock()
		default:
		}
		mu.Lock()
		stop := canceled
		mu.Unlock()
		if stop {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(u taskUnit) {
			defer wg.Done()
			defer func() { <-sem }()

			out, failed, skippedOrCanceled := runTaskPipeline(ctx, rt, agent, literals, u.id, u.idx, u.in, beforeAll, runOptions)

			mu.Lock()
			if failed {
				anyError = true
			}
			if skippedOrCanceled && rt.Token.Cancelled() {
				canceled = true
			}
			outputs[u.idx] = out
			mu.Unlock()
		}(u)
	}
	wg.Wait()

	result := Result{AnyError: anyError, Canceled: canceled && !anyError}
	if returnOutputs {
		result.Outputs = outputs
	}
	return result, nil
}

func deriveLabel(in any, idx int) *string {
	obj, ok := in.(map[string]any)
	if ok {
		for _, key := range []string{"path", "name", "label", "_label"} {
			if v, ok := obj[key].(string); ok && v != "" {
				return &v
			}
		}
	}
	fallback := fmt.Sprintf("%d", idx)
	return &fallback
}

// runTaskPipeline runs Data -> AI -> Output for one task, recording every
// stage timestamp and terminal state against the store as it goes. It
// returns the task's output (nil if skipped), whether it ended in error,
// and whether it was skipped or canceled.
func runTaskPipeline(ctx context.Context, rt *runtime.Runtime, agent *config.AgentDef, literals map[string]any, taskID int64, idx int, input, beforeAll any, runOptions map[string]any) (output any, failed bool, skippedOrCanceled bool) {
	ctx = taskScope(ctx, rt, taskID)
	stage := "data"
	fail := func(err error) {
		e, _ := rt.Store.CreateErr(ctx, &stage, nil, &taskID, nil, err.Error())
		var errID *int64
		if e != nil {
			errID = &e.ID
		}
		_ = rt.Store.SetTaskEnd(ctx, taskID, store.EndErr, nil, errID)
		failed = true
	}
	skip := func(reason *string) {
		_ = rt.Store.SetTaskEnd(ctx, taskID, store.EndSkip, reason, nil)
		skippedOrCanceled = true
	}
	cancelOut := func() {
		_ = rt.Store.SetTaskEnd(ctx, taskID, store.EndCancel, nil, nil)
		skippedOrCanceled = true
	}

	if rt.Token.Cancelled() {
		cancelOut()
		return nil, false, true
	}
	_ = rt.Store.RecTaskStart(ctx, taskID)

	data := input
	options := runOptions
	if len(agent.DataScript) > 0 {
		_ = rt.Store.RecTaskDataStart(ctx, taskID)
		scope := map[string]any{"input": input, "before_all": beforeAll, "options": options, "CTX": literals}
		raw, err := rt.Host.Eval(ctx, agent.DataScript, "data", scope, nil)
		_ = rt.Store.RecTaskDataEnd(ctx, taskID)
		if err != nil {
			fail(fmt.Errorf("data stage: %w", err))
			return nil, true, false
		}
		sig := stagesignal.ParseSignal(raw)
		if sig.Skip != nil {
			skip(sig.Skip.Reason)
			return nil, false, true
		}
		if sig.Data != nil {
			if sig.Data.Input != nil {
				input = sig.Data.Input
			}
			data = sig.Data.Data
			options = stagesignal.MergeOptions(options, sig.Data.Options)
		}
	} else {
		_ = rt.Store.RecTaskDataStart(ctx, taskID)
		_ = rt.Store.RecTaskDataEnd(ctx, taskID)
	}

	if rt.Token.Cancelled() {
		cancelOut()
		return nil, false, true
	}

	model := agent.Model
	provider := agent.Provider
	if options != nil {
		if m, ok := options["model"].(string); ok && m != "" && m != model {
			if err := rt.Store.SetModelOv(ctx, taskID, m); err != nil {
				fail(fmt.Errorf("record model override: %w", err))
				return nil, true, false
			}
			model = m
		}
		if p, ok := options["provider"].(string); ok && p != "" {
			provider = p
		}
	}

	stage = "ai"
	_ = rt.Store.RecTaskAiStart(ctx, taskID)

	messages, err := promptbuild.Build(agent.PromptParts, map[string]any{"input": input, "data": data, "before_all": beforeAll})
	if err != nil {
		fail(fmt.Errorf("ai stage: build prompt: %w", err))
		return nil, true, false
	}

	dryReq, _ := options["dry_mode"].(string)
	if dryReq == "" {
		dryReq = agent.DryMode
	}

	// dry_mode=="req" suppresses only the ChatClient call itself: the task
	// still records an estimated cost and proceeds through Output with a
	// nil AI response. dry_mode=="res" does place the real call, then halts
	// right after recording it -- Output never runs.
	var aiResponse chatclient.Response
	_ = rt.Store.RecTaskAiGenStart(ctx, taskID)
	if dryReq == "req" {
		estimated := 0
		for _, m := range messages {
			estimated += tokenutil.EstimateTokens(m.Content)
		}
		usage := pricing.Usage{PromptTotal: estimated}
		cost := pricing.EstimateCost(provider, model, usage)
		usageJSON, _ := json.Marshal(usage)
		if err := rt.Store.UpdateTaskUsage(ctx, taskID, string(usageJSON), estimated, 0, 0, 0, 0, &cost); err != nil {
			fail(fmt.Errorf("ai stage: record estimated usage: %w", err))
			return nil, true, false
		}
		_ = rt.Store.RecomputeRunCost(ctx, rt.RunID)
	} else {
		spanCtx, span := telemetry.StartClientSpan(ctx, rt.Tracer, "agentrun.ai_call",
			telemetry.AttrModel.String(model), telemetry.AttrTaskID.Int64(taskID))
		callStart := time.Now()
		resp, err := rt.ChatClient.Chat(spanCtx, provider, model, messages)
		rt.Metrics.AIDuration.Record(ctx, time.Since(callStart).Seconds())
		span.End()
		if err != nil {
			_ = rt.Store.RecTaskAiGenEnd(ctx, taskID)
			fail(fmt.Errorf("ai stage: %w", err))
			return nil, true, false
		}
		aiResponse = resp
		rt.Metrics.TokensUsed.Add(ctx, int64(resp.Usage.PromptTotal+resp.Usage.CompletionTotal))

		usage := pricing.Usage{
			PromptTotal: resp.Usage.PromptTotal, PromptCached: resp.Usage.PromptCached,
			PromptCacheCreation: resp.Usage.PromptCacheCreation, CompletionTotal: resp.Usage.CompletionTotal,
			CompletionReasoning: resp.Usage.CompletionReasoning,
		}
		cost := pricing.EstimateCost(provider, model, usage)
		usageJSON, _ := json.Marshal(resp.Usage)
		if err := rt.Store.UpdateTaskUsage(ctx, taskID, string(usageJSON), usage.PromptTotal, usage.PromptCached, usage.PromptCacheCreation, usage.CompletionTotal, usage.CompletionReasoning, &cost); err != nil {
			fail(fmt.Errorf("ai stage: record usage: %w", err))
			return nil, true, false
		}
		_ = rt.Store.RecomputeRunCost(ctx, rt.RunID)
	}
	_ = rt.Store.RecTaskAiGenEnd(ctx, taskID)
	_ = rt.Store.RecTaskAiEnd(ctx, taskID)

	if dryReq == "res" {
		skip(nil)
		return nil, false, true
	}

	if rt.Token.Cancelled() {
		cancelOut()
		return nil, false, true
	}

	stage = "output"
	_ = rt.Store.RecTaskOutputStart(ctx, taskID)
	var result any = aiResponse.Content
	if len(agent.OutputScript) > 0 {
		scope := map[string]any{"input": input, "data": data, "before_all": beforeAll, "ai_response": aiResponse.Content, "options": options, "CTX": literals}
		raw, err := rt.Host.Eval(ctx, agent.OutputScript, "output", scope, nil)
		if err != nil {
			_ = rt.Store.RecTaskOutputEnd(ctx, taskID)
			fail(fmt.Errorf("output stage: %w", err))
			return nil, true, false
		}
		sig := stagesignal.ParseSignal(raw)
		switch {
		case sig.Skip != nil:
			_ = rt.Store.RecTaskOutputEnd(ctx, taskID)
			skip(sig.Skip.Reason)
			return nil, false, true
		case sig.IsPlain:
			result = sig.Plain
		default:
			_ = rt.Store.RecTaskOutputEnd(ctx, taskID)
			fail(fmt.Errorf("output stage: unsupported custom return shape"))
			return nil, true, false
		}
	}
	_ = rt.Store.RecTaskOutputEnd(ctx, taskID)

	if s, ok := result.(string); ok {
		if _, err := rt.Store.AddContent(ctx, taskID, "output", store.ContentText, s); err != nil {
			fail(fmt.Errorf("store output content: %w", err))
			return nil, true, false
		}
	} else if b, err := json.Marshal(result); err == nil && string(b) != "null" {
		if _, err := rt.Store.AddContent(ctx, taskID, "output", store.ContentJSON, string(b)); err != nil {
			fail(fmt.Errorf("store output content: %w", err))
			return nil, true, false
		}
	}
	// result == nil (or any value marshaling to JSON null) stores no
	// content row, per the round-trip law: no row for null.

	if err := rt.Store.SetTaskEnd(ctx, taskID, store.EndOk, nil, nil); err != nil {
		failed = true
	}
	return result, failed, false
}
