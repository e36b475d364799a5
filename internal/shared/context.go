package shared

import "context"

type runIDKey struct{}
type taskIDKey struct{}
type agentNameKey struct{}

// WithRunID attaches a run id to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID extracts the run id from context. Returns "-" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// WithTaskID attaches a task id to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts the task id from context. Returns "-" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// WithAgentName attaches the running agent's name to the context.
func WithAgentName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, agentNameKey{}, name)
}

// AgentName extracts the agent name from context. Returns "-" if absent.
func AgentName(ctx context.Context) string {
	if v, ok := ctx.Value(agentNameKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}
