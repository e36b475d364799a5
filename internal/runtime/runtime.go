// Package runtime defines the Runtime handle (C10): the bundle of
// per-run collaborators every component needs a handle to. Every field is
// already a pointer or interface, so a Runtime is cheap to copy by value
// and safe to pass across goroutine boundaries.
package runtime

import (
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/agentrun/internal/cancel"
	"github.com/basket/agentrun/internal/chatclient"
	"github.com/basket/agentrun/internal/eventbus"
	"github.com/basket/agentrun/internal/pathctx"
	"github.com/basket/agentrun/internal/policy"
	"github.com/basket/agentrun/internal/scripthost"
	"github.com/basket/agentrun/internal/store"
	"github.com/basket/agentrun/internal/subagent"
	"github.com/basket/agentrun/internal/telemetry"
)

// Runtime bundles everything one run's execution needs.
type Runtime struct {
	Bus        *eventbus.Bus
	Token      *cancel.Token
	Host       scripthost.ScriptHost
	Store      *store.Store
	PathCtx    pathctx.PathContext
	Policy     policy.Checker
	ChatClient chatclient.ChatClient

	// Tracer/Metrics are never nil: callers get a no-op provider when
	// tracing is disabled (see telemetry.InitTracing), so every
	// instrumentation call site stays unconditional.
	Tracer  trace.Tracer
	Metrics *telemetry.Metrics

	// SubAgent is the Action Executor (C8), reached through the narrow
	// Poster interface so this package never imports C8 directly. nil in
	// contexts that never call aip.agent.run (e.g. unit tests of C5/C6
	// alone).
	SubAgent subagent.Poster

	// RunID/RunUID identify the run this Runtime was built for; ParentRunUID
	// is non-empty only for a sub-agent run's Runtime (C9 sets it).
	RunID        int64
	RunUID       string
	ParentRunUID string
}

// Child returns a Runtime for a sub-agent run spawned from this one, plus
// the Canceler that controls it. A sub-run gets its own cancellation token
// rather than inheriting the parent's: canceling the parent must not abort
// an in-flight sub-run, and canceling a sub-run must not affect its parent.
func (rt *Runtime) Child(runID int64, runUID string) (*Runtime, *cancel.Canceler) {
	canceler, token := cancel.Child()
	child := *rt
	child.Token = token
	child.RunID = runID
	child.RunUID = runUID
	child.ParentRunUID = rt.RunUID
	return &child, canceler
}
