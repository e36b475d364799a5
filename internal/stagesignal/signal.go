// Package stagesignal interprets a stage script's return value into the
// sentinel shapes the Stage Orchestrator (C5) and Task Dispatcher (C6) both
// need to recognize, kept separate from either so neither has to import the
// other just to share this one parsing step.
package stagesignal

// Signal is the parsed form of a stage's script return value. A script
// returning a plain value produces a Plain signal; one returning the
// {_aipack: "..."} envelope produces the matching typed signal instead.
type Signal struct {
	Skip       *SkipSignal
	BeforeAll  *BeforeAllResponse
	Data       *DataResponse
	Plain      any
	IsPlain    bool
}

// SkipSignal marks the current stage/task/run as skipped.
type SkipSignal struct {
	Reason *string
}

// BeforeAllResponse overrides Before-All's inputs/before_all/options.
type BeforeAllResponse struct {
	Inputs    []any
	BeforeAll any
	Options   map[string]any
}

// DataResponse overrides a task's input/data/options.
type DataResponse struct {
	Input   any
	Data    any
	Options map[string]any
}

// ParseSignal interprets a stage script's raw return value.
func ParseSignal(raw any) Signal {
	obj, ok := raw.(map[string]any)
	if !ok {
		return Signal{Plain: raw, IsPlain: true}
	}
	kind, _ := obj["_aipack"].(string)
	switch kind {
	case "skip":
		var reason *string
		if r, ok := obj["reason"].(string); ok {
			reason = &r
		}
		return Signal{Skip: &SkipSignal{Reason: reason}}
	case "before_all_response":
		resp := &BeforeAllResponse{}
		if inputs, ok := obj["inputs"].([]any); ok {
			resp.Inputs = inputs
		}
		resp.BeforeAll = obj["before_all"]
		if opts, ok := obj["options"].(map[string]any); ok {
			resp.Options = opts
		}
		return Signal{BeforeAll: resp}
	case "data_response":
		resp := &DataResponse{Input: obj["input"], Data: obj["data"]}
		if opts, ok := obj["options"].(map[string]any); ok {
			resp.Options = opts
		}
		return Signal{Data: resp}
	default:
		return Signal{Plain: raw, IsPlain: true}
	}
}

// MergeOptions overlays override on top of base, returning a new map. A nil
// override leaves base untouched.
func MergeOptions(base, override map[string]any) map[string]any {
	if override == nil {
		return base
	}
	merged := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}
