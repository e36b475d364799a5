// Package actionexec implements the Action Executor (C8): the single
// queue receiving top-level run requests, interactive redo/cancel
// commands, and sub-agent run requests posted by the Sub-Agent Gateway
// (C9), dispatching each onto its own cooperative worker so multiple runs
// stay in flight together: one FIFO queue, fully concurrent spawns, and a
// cached redo context for replaying the last request.
package actionexec

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/agentrun/internal/cancel"
	"github.com/basket/agentrun/internal/chatclient"
	"github.com/basket/agentrun/internal/config"
	"github.com/basket/agentrun/internal/eventbus"
	"github.com/basket/agentrun/internal/pathctx"
	"github.com/basket/agentrun/internal/policy"
	"github.com/basket/agentrun/internal/runtime"
	"github.com/basket/agentrun/internal/scripthost"
	"github.com/basket/agentrun/internal/stage"
	"github.com/basket/agentrun/internal/stagesignal"
	"github.com/basket/agentrun/internal/store"
	"github.com/basket/agentrun/internal/subagent"
	"github.com/basket/agentrun/internal/telemetry"
)

// Resolver turns an agent reference (bare name or "ns@pack[/subpath]" pack
// reference) into a parsed AgentDef. Concrete agent-file lookup/parsing
// lives outside this package; CLI argument parsing and pack installation
// are explicit non-goals of the engine this package belongs to.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (*config.AgentDef, error)
}

// Collaborators bundles the shared, long-lived pieces every run's Runtime
// is assembled from.
type Collaborators struct {
	Store      *store.Store
	Host       scripthost.ScriptHost
	ChatClient chatclient.ChatClient
	Policy     policy.Checker
	Bus        *eventbus.Bus

	// Tracer/Metrics are optional; New fills in a no-op provider when nil
	// so every run gets a Runtime with non-nil instrumentation handles.
	Tracer  trace.Tracer
	Metrics *telemetry.Metrics
}

// RunResult is what a completed (or skipped/canceled/errored) run hands
// back to whoever queued it.
type RunResult struct {
	RunID   int64
	RunUID  string
	Outcome stage.Outcome
}

// redoCtx caches the last CmdRun's resolved reference and options so Redo
// can re-resolve and re-run (picking up file edits) without the caller
// needing to remember what it last asked for.
type redoCtx struct {
	agentRef string
	options  map[string]any
}

// Executor is the Action Executor (C8).
type Executor struct {
	collab   Collaborators
	resolver Resolver

	queue chan any

	mu      sync.Mutex
	redo    *redoCtx
	rootRun int64 // most recent top-level (non-sub-agent) run id, target of an unscoped CancelRun

	cancelMu  sync.Mutex
	cancelers map[int64]*cancel.Canceler

	inFlight atomic.Int64
}

// New builds an Executor. Call Start to begin draining its queue.
func New(resolver Resolver, collab Collaborators) *Executor {
	if collab.Tracer == nil {
		collab.Tracer = nooptrace.NewTracerProvider().Tracer(telemetry.TracerName)
	}
	if collab.Metrics == nil {
		m, err := telemetry.NewMetrics(noopmetric.NewMeterProvider().Meter(telemetry.MeterName))
		if err == nil {
			collab.Metrics = m
		}
	}
	return &Executor{
		collab:    collab,
		resolver:  resolver,
		queue:     make(chan any, 64),
		cancelers: make(map[int64]*cancel.Canceler),
	}
}

// Start launches the dispatch loop: every event pulled off the queue is
// handed to its own goroutine immediately, so a long-running run never
// blocks the next event from being accepted.
func (e *Executor) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-e.queue:
				go e.handle(ctx, ev)
			}
		}
	}()
}

// InFlight reports the number of actions currently executing.
func (e *Executor) InFlight() int64 { return e.inFlight.Load() }

type cmdRunEvent struct {
	agentRef string
	inputs   []any
	options  map[string]any
	reply    *eventbus.Reply[RunResult]
}

type redoEvent struct {
	reply *eventbus.Reply[RunResult]
}

type cancelEvent struct {
	runID int64 // 0 means "the current root run"
}

type runSubAgentEvent struct {
	params subagent.Params
	reply  *eventbus.Reply[subagent.Result]
}

// SubmitCmdRun queues a top-level run request and blocks until it
// completes (or fails to start).
func (e *Executor) SubmitCmdRun(ctx context.Context, agentRef string, inputs []any, options map[string]any) (RunResult, error) {
	reply := eventbus.NewReply[RunResult]()
	ev := &cmdRunEvent{agentRef: agentRef, inputs: inputs, options: options, reply: reply}
	select {
	case e.queue <- ev:
	case <-ctx.Done():
		return RunResult{}, ctx.Err()
	}
	return reply.Wait()
}

// SubmitRedo re-resolves and re-runs the last CmdRun's agent.
func (e *Executor) SubmitRedo(ctx context.Context) (RunResult, error) {
	reply := eventbus.NewReply[RunResult]()
	ev := &redoEvent{reply: reply}
	select {
	case e.queue <- ev:
	case <-ctx.Done():
		return RunResult{}, ctx.Err()
	}
	return reply.Wait()
}

// SubmitCancelRun triggers cancellation. runID == 0 targets the most
// recently started top-level run.
func (e *Executor) SubmitCancelRun(runID int64) {
	e.queue <- &cancelEvent{runID: runID}
}

// PostRunSubAgent implements subagent.Poster: it queues the sub-run onto
// this same FIFO so a script-initiated run shares the in-flight counter
// and queue discipline of every other action, then blocks the calling
// goroutine (the script evaluation's own worker) until the reply arrives.
func (e *Executor) PostRunSubAgent(ctx context.Context, p subagent.Params) (subagent.Result, error) {
	reply := eventbus.NewReply[subagent.Result]()
	ev := &runSubAgentEvent{params: p, reply: reply}
	select {
	case e.queue <- ev:
	case <-ctx.Done():
		return subagent.Result{}, ctx.Err()
	}
	return reply.Wait()
}

func (e *Executor) handle(ctx context.Context, ev any) {
	e.enter()
	defer e.leave()

	switch v := ev.(type) {
	case *cmdRunEvent:
		res, err := e.runTopLevel(ctx, v.agentRef, v.inputs, v.options, nil)
		if err == nil {
			e.mu.Lock()
			e.redo = &redoCtx{agentRef: v.agentRef, options: v.options}
			e.mu.Unlock()
		}
		v.reply.Send(res, err)
	case *redoEvent:
		e.mu.Lock()
		cached := e.redo
		e.mu.Unlock()
		if cached == nil {
			v.reply.Send(RunResult{}, fmt.Errorf("redo: no prior run to repeat"))
			return
		}
		res, err := e.runTopLevel(ctx, cached.agentRef, nil, cached.options, nil)
		v.reply.Send(res, err)
	case *runSubAgentEvent:
		res, err := e.runSubAgent(ctx, v.params)
		v.reply.Send(res, err)
	case *cancelEvent:
		e.cancelRun(v.runID)
	}
}

// enter/leave track the in-flight action count, publishing the 0->1 and
// 1->0 edges so an external observer (status printer, TUI) can gate on
// "is anything running" without polling.
func (e *Executor) enter() {
	if e.inFlight.Add(1) == 1 && e.collab.Bus != nil {
		e.collab.Bus.Publish(eventbus.TopicActionStarted, nil)
	}
}

func (e *Executor) leave() {
	if e.inFlight.Add(-1) == 0 && e.collab.Bus != nil {
		e.collab.Bus.Publish(eventbus.TopicActionIdle, nil)
	}
}

// runTopLevel resolves agentRef, builds a fresh Runtime with its own
// cancellation token, and drives it through the Stage Orchestrator.
// parentID is nil for a CmdRun/Redo; runSubAgent passes the parent run's
// internal id instead of going through this path directly so it can also
// merge the sub-run's own options overlay in before starting.
func (e *Executor) runTopLevel(ctx context.Context, agentRef string, inputs []any, options map[string]any, parentID *int64) (RunResult, error) {
	agentDef, err := e.resolver.Resolve(ctx, agentRef)
	if err != nil {
		// No Run row exists yet (resolution happens before CreateRun), so
		// there is nothing to set an end-state on; a resolution failure
		// scoped to an existing parent (a sub-agent request) is logged
		// against it without touching the parent's own end-state, since
		// the parent run is still legitimately in progress.
		if parentID != nil && e.collab.Store != nil {
			stg := "resolve"
			_, _ = e.collab.Store.CreateErr(ctx, &stg, parentID, nil, nil, err.Error())
		}
		return RunResult{}, fmt.Errorf("resolve agent %q: %w", agentRef, err)
	}
	merged := stagesignal.MergeOptions(agentDef.Options, options)
	agentDef.Options = merged

	rt, runID, runUID, literals, err := e.newRun(ctx, parentID, agentDef)
	if err != nil {
		return RunResult{}, err
	}
	defer e.forgetCanceler(runID)

	if parentID == nil {
		e.mu.Lock()
		e.rootRun = runID
		e.mu.Unlock()
	}

	outcome, err := stage.Run(ctx, rt, agentDef, inputs, literals)
	if err != nil {
		return RunResult{RunID: runID, RunUID: runUID}, e.recordErr(ctx, &runID, "run", err)
	}
	return RunResult{RunID: runID, RunUID: runUID, Outcome: outcome}, nil
}

func (e *Executor) runSubAgent(ctx context.Context, p subagent.Params) (subagent.Result, error) {
	parent, err := e.collab.Store.GetRunByUID(ctx, p.ParentRunUID)
	if err != nil {
		return subagent.Result{}, fmt.Errorf("run sub-agent: resolve parent run: %w", err)
	}
	res, err := e.runTopLevel(ctx, p.AgentRef, p.Inputs, p.Options, &parent.ID)
	if err != nil {
		return subagent.Result{}, err
	}
	return subagent.Result{Outputs: res.Outcome.Outputs, AfterAll: res.Outcome.AfterAll}, nil
}

// newRun creates the Run row and assembles the Runtime a single invocation
// of the Stage Orchestrator needs: its own PathContext (workspace derived
// from the agent file's directory, a run-scoped tmp dir) and its own
// cancellation token, registered so a later CancelRun can find it.
func (e *Executor) newRun(ctx context.Context, parentID *int64, agentDef *config.AgentDef) (rt *runtime.Runtime, runID int64, runUID string, literals map[string]any, err error) {
	run, err := e.collab.Store.CreateRun(ctx, parentID, agentDef.Name, agentDef.Path, agentDef.Model, agentDef.InputConcurrency, agentDef.HasTaskStages, agentDef.HasPromptParts, "")
	if err != nil {
		return nil, 0, "", nil, fmt.Errorf("create run: %w", err)
	}

	workspace := filepath.Dir(agentDef.Path)
	tmp := filepath.Join(os.TempDir(), "agentrun", run.UID)
	pc, perr := pathctx.New(workspace, tmp, nil)
	if perr != nil {
		return nil, 0, "", nil, fmt.Errorf("build path context: %w", perr)
	}

	literals = map[string]any{
		"WORKSPACE":   workspace,
		"TMP":         tmp,
		"AGENT_NAME":  agentDef.Name,
		"AGENT_PATH":  agentDef.Path,
		"RUN_UID":     run.UID,
		"SESSION_UID": run.UID,
	}

	canceler, token := cancel.New()
	e.cancelMu.Lock()
	e.cancelers[run.ID] = canceler
	e.cancelMu.Unlock()

	rt = &runtime.Runtime{
		Bus:        e.collab.Bus,
		Token:      token,
		Host:       e.collab.Host,
		Store:      e.collab.Store,
		PathCtx:    pc,
		Policy:     e.collab.Policy,
		ChatClient: e.collab.ChatClient,
		SubAgent:   e,
		Tracer:     e.collab.Tracer,
		Metrics:    e.collab.Metrics,
		RunID:      run.ID,
		RunUID:     run.UID,
	}
	if parentID != nil {
		if parentRun, gerr := e.collab.Store.GetRun(ctx, *parentID); gerr == nil {
			rt.ParentRunUID = parentRun.UID
		}
	}
	return rt, run.ID, run.UID, literals, nil
}

func (e *Executor) forgetCanceler(runID int64) {
	e.cancelMu.Lock()
	delete(e.cancelers, runID)
	e.cancelMu.Unlock()
}

// cancelRun triggers the cancellation token for runID, or for the current
// root run when runID is 0.
func (e *Executor) cancelRun(runID int64) {
	if runID == 0 {
		e.mu.Lock()
		runID = e.rootRun
		e.mu.Unlock()
	}
	e.cancelMu.Lock()
	c := e.cancelers[runID]
	e.cancelMu.Unlock()
	if c != nil {
		c.Cancel()
	}
}

// recordErr binds a top-of-pipeline failure (agent resolution, Runtime
// setup) to an Err row scoped to the run when one already exists, or just
// returns it unrecorded when the failure happened before a Run row could
// be created.
func (e *Executor) recordErr(ctx context.Context, runID *int64, stageName string, cause error) error {
	if runID == nil || e.collab.Store == nil {
		return cause
	}
	stg := stageName
	errRec, _ := e.collab.Store.CreateErr(ctx, &stg, runID, nil, nil, cause.Error())
	var errID *int64
	if errRec != nil {
		errID = &errRec.ID
	}
	_ = e.collab.Store.SetRunEnd(ctx, *runID, store.EndErr, nil, errID)
	return cause
}
