package stage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/agentrun/internal/cancel"
	"github.com/basket/agentrun/internal/chatclient"
	"github.com/basket/agentrun/internal/config"
	"github.com/basket/agentrun/internal/promptbuild"
	"github.com/basket/agentrun/internal/runtime"
	"github.com/basket/agentrun/internal/scripthost"
	"github.com/basket/agentrun/internal/store"
	"github.com/basket/agentrun/internal/telemetry"
)

// fakeHost stubs the Script Bridge (C4) for orchestrator tests: Eval
// returns a canned value keyed by entry name, so a test can script
// before_all/after_all behavior without a real WASM guest.
type fakeHost struct {
	responses map[string]scripthost.Value
	errs      map[string]error
	calls     []string
}

func (f *fakeHost) Eval(_ context.Context, _ []byte, entry string, _ map[string]any, _ []string) (scripthost.Value, error) {
	f.calls = append(f.calls, entry)
	if f.errs != nil {
		if err, ok := f.errs[entry]; ok {
			return nil, err
		}
	}
	return f.responses[entry], nil
}

func (f *fakeHost) RegisterModule(string, map[string]scripthost.HostFunc) {}
func (f *fakeHost) Close(context.Context) error                           { return nil }

type fakeChatClient struct{ calls int }

func (f *fakeChatClient) Chat(_ context.Context, provider, model string, _ []promptbuild.Message) (chatclient.Response, error) {
	f.calls++
	return chatclient.Response{Content: "ok", Provider: provider, Model: model}, nil
}

func newTestRuntime(t *testing.T, host scripthost.ScriptHost) (*runtime.Runtime, int64) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	run, err := s.CreateRun(context.Background(), nil, "demo", "./demo.aip", "gpt-5", 1, true, true, "")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	_, token := cancel.New()
	tracing := telemetry.NoopProvider()
	metrics, err := telemetry.NewMetrics(tracing.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	rt := &runtime.Runtime{
		Store: s, Token: token, Host: host, ChatClient: &fakeChatClient{},
		RunID: run.ID, RunUID: run.UID, Tracer: tracing.Tracer, Metrics: metrics,
	}
	return rt, run.ID
}

func TestRun_AfterAllRunsWhenEveryTaskSkipped(t *testing.T) {
	host := &fakeHost{responses: map[string]scripthost.Value{
		"data":      map[string]any{"_aipack": "skip"},
		"after_all": "finished",
	}}
	rt, _ := newTestRuntime(t, host)

	agent := &config.AgentDef{
		Name: "demo", Model: "gpt-5", Provider: "openai", InputConcurrency: 1,
		HasTaskStages: true,
		DataScript:    []byte("return {_aipack=\"skip\"}"),
		AfterAllScript: []byte("return \"finished\""),
	}

	outcome, err := Run(context.Background(), rt, agent, []any{"a", "b"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.EndState != store.EndOk {
		t.Fatalf("expected EndOk, got %v", outcome.EndState)
	}
	if outcome.AfterAll != "finished" {
		t.Fatalf("expected after_all to have run, got %v", outcome.AfterAll)
	}
	found := false
	for _, c := range host.calls {
		if c == "after_all" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected after_all to be evaluated even though every task was skipped, calls=%v", host.calls)
	}
}

func TestRun_SkipAtBeforeAllEndsRunWithoutTasksOrAfterAll(t *testing.T) {
	host := &fakeHost{responses: map[string]scripthost.Value{
		"before_all": map[string]any{"_aipack": "skip", "reason": "nothing to do"},
	}}
	rt, runID := newTestRuntime(t, host)

	agent := &config.AgentDef{
		Name: "demo", Model: "gpt-5", Provider: "openai", InputConcurrency: 1,
		HasTaskStages:   true,
		BeforeAllScript: []byte("return {_aipack=\"skip\", reason=\"nothing to do\"}"),
		AfterAllScript:  []byte("return 1"),
	}

	outcome, err := Run(context.Background(), rt, agent, []any{"a"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.EndState != store.EndSkip {
		t.Fatalf("expected EndSkip, got %v", outcome.EndState)
	}
	for _, c := range host.calls {
		if c == "after_all" || c == "data" {
			t.Fatalf("expected no further stage evaluation after a before_all skip, calls=%v", host.calls)
		}
	}

	got, err := rt.Store.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.EndState == nil || *got.EndState != store.EndSkip {
		t.Fatalf("expected persisted EndSkip, got %v", got.EndState)
	}
	if got.EndSkipReason == nil || *got.EndSkipReason != "nothing to do" {
		t.Fatalf("expected persisted skip reason, got %v", got.EndSkipReason)
	}
}

func TestRun_SkipAtAfterAllOverridesOkOutcome(t *testing.T) {
	host := &fakeHost{responses: map[string]scripthost.Value{
		"data":      map[string]any{"_aipack": "skip"},
		"after_all": map[string]any{"_aipack": "skip", "reason": "post-check failed"},
	}}
	rt, _ := newTestRuntime(t, host)

	agent := &config.AgentDef{
		Name: "demo", Model: "gpt-5", Provider: "openai", InputConcurrency: 1,
		HasTaskStages:  true,
		DataScript:     []byte("return {_aipack=\"skip\"}"),
		AfterAllScript: []byte("return {_aipack=\"skip\", reason=\"post-check failed\"}"),
	}

	outcome, err := Run(context.Background(), rt, agent, []any{"a"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.EndState != store.EndSkip {
		t.Fatalf("expected after_all skip to override the run's end state, got %v", outcome.EndState)
	}
}

func TestRun_DataResponseModelOverrideScopesToTask(t *testing.T) {
	chat := &fakeChatClient{}
	host := &fakeHost{responses: map[string]scripthost.Value{
		"data": map[string]any{
			"_aipack": "data_response",
			"data":    "scoped",
			"options": map[string]any{"model": "task-only-model"},
		},
	}}
	rt, runID := newTestRuntime(t, host)
	rt.ChatClient = chat

	agent := &config.AgentDef{
		Name: "demo", Model: "run-default-model", Provider: "openai", InputConcurrency: 1,
		HasTaskStages: true,
		DataScript:    []byte("return {_aipack=\"data_response\", data=\"scoped\", options={model=\"task-only-model\"}}"),
		PromptParts:   []config.PromptPart{{Kind: config.PromptInstruction, Content: "hi"}},
	}

	outcome, err := Run(context.Background(), rt, agent, []any{"a"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.EndState != store.EndOk {
		t.Fatalf("expected EndOk, got %v", outcome.EndState)
	}
	if agent.Model != "run-default-model" {
		t.Fatalf("run's own default model must not be mutated by a task override, got %q", agent.Model)
	}

	tasks, err := rt.Store.ListTasks(context.Background(), runID)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	if tasks[0].ModelOv == nil || *tasks[0].ModelOv != "task-only-model" {
		t.Fatalf("expected task model override to be recorded, got %v", tasks[0].ModelOv)
	}
}
