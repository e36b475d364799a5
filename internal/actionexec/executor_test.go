package actionexec

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/agentrun/internal/chatclient"
	"github.com/basket/agentrun/internal/config"
	"github.com/basket/agentrun/internal/promptbuild"
	"github.com/basket/agentrun/internal/store"
	"github.com/basket/agentrun/internal/subagent"
)

type fakeResolver struct {
	defs map[string]*config.AgentDef
}

func (r *fakeResolver) Resolve(_ context.Context, ref string) (*config.AgentDef, error) {
	def, ok := r.defs[ref]
	if !ok {
		return nil, fmt.Errorf("agent not found: %s", ref)
	}
	return def, nil
}

type fakeChatClient struct{}

func (f *fakeChatClient) Chat(_ context.Context, provider, model string, _ []promptbuild.Message) (chatclient.Response, error) {
	return chatclient.Response{Content: "ok", Provider: provider, Model: model}, nil
}

// blockingChatClient lets a test observe that an AI call is in flight before
// cancelling the run, then release it to let the call complete normally
// (token cancellation never touches ctx, only Token.Cancelled()).
type blockingChatClient struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (f *blockingChatClient) Chat(ctx context.Context, provider, model string, _ []promptbuild.Message) (chatclient.Response, error) {
	f.once.Do(func() { close(f.started) })
	select {
	case <-f.release:
	case <-ctx.Done():
		return chatclient.Response{}, ctx.Err()
	}
	return chatclient.Response{Content: "ok", Provider: provider, Model: model}, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func greetDef(t *testing.T, name string) *config.AgentDef {
	t.Helper()
	return &config.AgentDef{
		Name:             name,
		Path:             filepath.Join(t.TempDir(), name+".md"),
		Model:            "gpt-5",
		Provider:         "openai",
		InputConcurrency: 1,
		HasTaskStages:    true,
		HasPromptParts:   true,
		PromptParts:      []config.PromptPart{{Kind: config.PromptInstruction, Content: "Say hi to {{input}}"}},
	}
}

func TestSubmitCmdRun_SimpleAgentEndsOk(t *testing.T) {
	s := newTestStore(t)
	def := greetDef(t, "greet")
	e := New(&fakeResolver{defs: map[string]*config.AgentDef{"greet": def}}, Collaborators{Store: s, ChatClient: &fakeChatClient{}})
	e.Start(context.Background())

	res, err := e.SubmitCmdRun(context.Background(), "greet", []any{"World"}, nil)
	if err != nil {
		t.Fatalf("SubmitCmdRun: %v", err)
	}
	if res.Outcome.EndState != store.EndOk {
		t.Fatalf("expected EndOk, got %v", res.Outcome.EndState)
	}

	run, err := s.GetRun(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.EndState == nil || *run.EndState != store.EndOk {
		t.Fatalf("persisted run end state = %v, want Ok", run.EndState)
	}
}

func TestSubmitCmdRun_UnknownAgentReturnsError(t *testing.T) {
	s := newTestStore(t)
	e := New(&fakeResolver{defs: map[string]*config.AgentDef{}}, Collaborators{Store: s, ChatClient: &fakeChatClient{}})
	e.Start(context.Background())

	if _, err := e.SubmitCmdRun(context.Background(), "missing", nil, nil); err == nil {
		t.Fatalf("expected resolution error")
	}
}

func TestSubmitRedo_RepeatsLastCmdRun(t *testing.T) {
	s := newTestStore(t)
	def := greetDef(t, "greet")
	e := New(&fakeResolver{defs: map[string]*config.AgentDef{"greet": def}}, Collaborators{Store: s, ChatClient: &fakeChatClient{}})
	e.Start(context.Background())

	first, err := e.SubmitCmdRun(context.Background(), "greet", []any{"World"}, nil)
	if err != nil {
		t.Fatalf("SubmitCmdRun: %v", err)
	}

	second, err := e.SubmitRedo(context.Background())
	if err != nil {
		t.Fatalf("SubmitRedo: %v", err)
	}
	if second.RunID == first.RunID {
		t.Fatalf("expected redo to create a new run")
	}
	if second.Outcome.EndState != store.EndOk {
		t.Fatalf("expected EndOk, got %v", second.Outcome.EndState)
	}
}

func TestSubmitRedo_WithoutPriorRunErrors(t *testing.T) {
	s := newTestStore(t)
	e := New(&fakeResolver{defs: map[string]*config.AgentDef{}}, Collaborators{Store: s, ChatClient: &fakeChatClient{}})
	e.Start(context.Background())

	if _, err := e.SubmitRedo(context.Background()); err == nil {
		t.Fatalf("expected error when no prior run exists")
	}
}

func TestSubmitCancelRun_CancelsInFlightRun(t *testing.T) {
	s := newTestStore(t)
	chat := &blockingChatClient{started: make(chan struct{}), release: make(chan struct{})}
	def := greetDef(t, "slow")
	e := New(&fakeResolver{defs: map[string]*config.AgentDef{"slow": def}}, Collaborators{Store: s, ChatClient: chat})
	e.Start(context.Background())

	type outcome struct {
		res RunResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := e.SubmitCmdRun(context.Background(), "slow", []any{"World"}, nil)
		done <- outcome{res, err}
	}()

	select {
	case <-chat.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("chat call never started")
	}

	e.SubmitCancelRun(0)
	close(chat.release)

	select {
	case o := <-done:
		if o.err != nil {
			t.Fatalf("SubmitCmdRun: %v", o.err)
		}
		if o.res.Outcome.EndState != store.EndCancel {
			t.Fatalf("expected EndCancel, got %v", o.res.Outcome.EndState)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not complete after cancellation")
	}
}

func TestPostRunSubAgent_CreatesChildRunLinkedToParent(t *testing.T) {
	s := newTestStore(t)
	parentDef := greetDef(t, "parent")
	childDef := greetDef(t, "child")
	e := New(&fakeResolver{defs: map[string]*config.AgentDef{"parent": parentDef, "child": childDef}}, Collaborators{Store: s, ChatClient: &fakeChatClient{}})
	e.Start(context.Background())

	parentRes, err := e.SubmitCmdRun(context.Background(), "parent", []any{"World"}, nil)
	if err != nil {
		t.Fatalf("SubmitCmdRun: %v", err)
	}

	childRes, err := subagent.Run(context.Background(), e, parentRes.RunUID, "child", []any{"x"}, nil)
	if err != nil {
		t.Fatalf("subagent.Run: %v", err)
	}
	if len(childRes.Outputs) != 1 {
		t.Fatalf("expected 1 child output, got %d", len(childRes.Outputs))
	}

	runs, err := s.ListRunsByParent(context.Background(), parentRes.RunID)
	if err != nil {
		t.Fatalf("ListRunsByParent: %v", err)
	}
	if len(runs) != 1 || runs[0].ParentID == nil || *runs[0].ParentID != parentRes.RunID {
		t.Fatalf("expected one child run with parent_id=%d, got %+v", parentRes.RunID, runs)
	}
}
