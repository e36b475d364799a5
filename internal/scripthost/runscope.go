package scripthost

import (
	"context"
	"encoding/json"
	"fmt"
)

// Scope carries the per-call state the run/task/flow/agent/shape modules
// need but that this package has no business knowing the shape of: the
// current run and task identity, and the callbacks the stage orchestrator
// (C5) or task dispatcher (C6) closed over their *runtime.Runtime to
// implement. It travels on the context passed into Eval, not in the scope
// table, because host functions only ever receive (ctx, args) -- see
// hostCall in host.go.
type Scope struct {
	RunID  int64
	RunUID string
	// TaskID is nil for a Before-All/After-All evaluation; task.* calls
	// reject with an error when it's absent.
	TaskID *int64

	// Pin records a run- or task-scoped marker. taskID is nil for a
	// run-level pin.
	Pin func(ctx context.Context, taskID *int64, name *string, priority float64, content string) error
	// SetLabel overwrites the current task's label. Errors if TaskID is nil.
	SetLabel func(ctx context.Context, taskID int64, label string) error
	// Print routes aip.log/print calls to the Log store, tagged by the
	// current run and (if set) task.
	Print func(ctx context.Context, taskID *int64, message string)
	// RunSubAgent implements the Sub-Agent Gateway (C9) call; nil means no
	// gateway is wired (e.g. a component test running C5/C6 in isolation).
	RunSubAgent func(ctx context.Context, name string, opts map[string]any) (map[string]any, error)
}

type scopeKey struct{}

// WithScope attaches s to ctx so the run/task/flow/agent modules registered
// by RegisterRunModules can reach it from inside a HostFunc.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFromContext returns the Scope attached by WithScope, or nil.
func ScopeFromContext(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}

// RegisterRunModules wires the aip.flow, aip.task, aip.run, aip.agent, and
// aip.shape namespaces. Call once per Host (these read their run/task
// context from ctx via Scope, not from a closure, so the same registration
// serves every run and every sub-agent run sharing this Host).
func RegisterRunModules(h *Host) {
	h.RegisterModule("flow", flowModule())
	h.RegisterModule("task", taskModule())
	h.RegisterModule("run", runModule())
	h.RegisterModule("agent", agentModule())
	h.RegisterModule("shape", shapeModule())
}

// flowModule builds the sentinel envelopes the Stage Orchestrator (C5) and
// Task Dispatcher (C6) decode via stagesignal.ParseSignal. These are pure
// constructors; flow.skip et al. never touch the store directly; the
// engine records the skip when it sees the returned envelope.
func flowModule() map[string]HostFunc {
	return map[string]HostFunc{
		"skip": func(_ context.Context, raw json.RawMessage) (Value, error) {
			args, err := decodeArgs[struct{ Reason *string }](raw)
			if err != nil {
				return nil, err
			}
			env := map[string]any{"_aipack": "skip"}
			if args.Reason != nil {
				env["reason"] = *args.Reason
			}
			return env, nil
		},
		"before_all_response": func(_ context.Context, raw json.RawMessage) (Value, error) {
			args, err := decodeArgs[struct {
				Inputs    []any
				BeforeAll any            `json:"before_all"`
				Options   map[string]any `json:"options"`
			}](raw)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"_aipack":    "before_all_response",
				"inputs":     args.Inputs,
				"before_all": args.BeforeAll,
				"options":    args.Options,
			}, nil
		},
		"data_response": func(_ context.Context, raw json.RawMessage) (Value, error) {
			args, err := decodeArgs[struct {
				Input   any
				Data    any
				Options map[string]any `json:"options"`
			}](raw)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"_aipack": "data_response",
				"input":   args.Input,
				"data":    args.Data,
				"options": args.Options,
			}, nil
		},
	}
}

func taskModule() map[string]HostFunc {
	return map[string]HostFunc{
		"set_label": func(ctx context.Context, raw json.RawMessage) (Value, error) {
			scope := ScopeFromContext(ctx)
			if scope == nil || scope.TaskID == nil || scope.SetLabel == nil {
				return nil, fmt.Errorf("task.set_label: no current task in scope")
			}
			args, err := decodeArgs[struct{ Label string }](raw)
			if err != nil {
				return nil, err
			}
			if err := scope.SetLabel(ctx, *scope.TaskID, args.Label); err != nil {
				return nil, fmt.Errorf("task.set_label: %w", err)
			}
			return nil, nil
		},
		"pin": func(ctx context.Context, raw json.RawMessage) (Value, error) {
			scope := ScopeFromContext(ctx)
			if scope == nil || scope.TaskID == nil || scope.Pin == nil {
				return nil, fmt.Errorf("task.pin: no current task in scope")
			}
			args, err := decodeArgs[pinArgs](raw)
			if err != nil {
				return nil, err
			}
			if err := scope.Pin(ctx, scope.TaskID, args.Name, args.Priority, args.Content); err != nil {
				return nil, fmt.Errorf("task.pin: %w", err)
			}
			return nil, nil
		},
	}
}

func runModule() map[string]HostFunc {
	return map[string]HostFunc{
		"pin": func(ctx context.Context, raw json.RawMessage) (Value, error) {
			scope := ScopeFromContext(ctx)
			if scope == nil || scope.Pin == nil {
				return nil, fmt.Errorf("run.pin: no current run in scope")
			}
			args, err := decodeArgs[pinArgs](raw)
			if err != nil {
				return nil, err
			}
			if err := scope.Pin(ctx, nil, args.Name, args.Priority, args.Content); err != nil {
				return nil, fmt.Errorf("run.pin: %w", err)
			}
			return nil, nil
		},
	}
}

type pinArgs struct {
	Name     *string
	Priority float64
	Content  string
}

func agentModule() map[string]HostFunc {
	return map[string]HostFunc{
		"run": func(ctx context.Context, raw json.RawMessage) (Value, error) {
			scope := ScopeFromContext(ctx)
			if scope == nil || scope.RunSubAgent == nil {
				return nil, fmt.Errorf("agent.run: no sub-agent gateway in scope")
			}
			args, err := decodeArgs[struct {
				Name    string
				Inputs  []any
				Options map[string]any `json:"options"`
			}](raw)
			if err != nil {
				return nil, err
			}
			return scope.RunSubAgent(ctx, args.Name, map[string]any{"inputs": args.Inputs, "options": args.Options})
		},
	}
}

// shapeModule builds column-labeled records, truncating any value over
// maxFieldLen characters so a rendered table cell never blows up in size.
const maxFieldLen = 200

func shapeModule() map[string]HostFunc {
	return map[string]HostFunc{
		"to_record": func(_ context.Context, raw json.RawMessage) (Value, error) {
			args, err := decodeArgs[struct {
				Names  []string
				Values []any
			}](raw)
			if err != nil {
				return nil, err
			}
			return toRecord(args.Names, args.Values), nil
		},
		"to_records": func(_ context.Context, raw json.RawMessage) (Value, error) {
			args, err := decodeArgs[struct {
				Names []string
				Rows  [][]any
			}](raw)
			if err != nil {
				return nil, err
			}
			out := make([]map[string]any, 0, len(args.Rows))
			for _, row := range args.Rows {
				out = append(out, toRecord(args.Names, row))
			}
			return out, nil
		},
	}
}

func toRecord(names []string, values []any) map[string]any {
	rec := make(map[string]any, len(names))
	for i, name := range names {
		if i >= len(values) {
			rec[name] = nil
			continue
		}
		rec[name] = truncateField(values[i])
	}
	return rec
}

func truncateField(v any) any {
	s, ok := v.(string)
	if !ok || len(s) <= maxFieldLen {
		return v
	}
	return s[:maxFieldLen] + "..."
}
