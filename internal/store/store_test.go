package store

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRun_CreateAndLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, nil, "demo", "./demo.aip", "gpt-5", 2, true, false, "")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.UID == "" {
		t.Fatalf("expected a uid to be assigned")
	}
	if run.EndState != nil {
		t.Fatalf("new run should have no end_state")
	}

	if err := s.RecRunStart(ctx, run.ID); err != nil {
		t.Fatalf("RecRunStart: %v", err)
	}
	if err := s.RecRunBaStart(ctx, run.ID); err != nil {
		t.Fatalf("RecRunBaStart: %v", err)
	}
	if err := s.RecRunBaEnd(ctx, run.ID); err != nil {
		t.Fatalf("RecRunBaEnd: %v", err)
	}

	if err := s.SetRunEnd(ctx, run.ID, EndOk, nil, nil); err != nil {
		t.Fatalf("SetRunEnd: %v", err)
	}
	if err := s.SetRunEnd(ctx, run.ID, EndOk, nil, nil); err == nil {
		t.Fatalf("expected second SetRunEnd to fail: end_state is set at most once")
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.EndState == nil || *got.EndState != EndOk {
		t.Fatalf("expected end_state=Ok, got %v", got.EndState)
	}
}

func TestRun_TimestampsMustBeNonDecreasing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, nil, "demo", "./demo.aip", "gpt-5", 1, false, false, "")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	if err := s.RecRunBaStart(ctx, run.ID); err != nil {
		t.Fatalf("RecRunBaStart: %v", err)
	}
	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	first := *got.BaStart

	if err := s.RecRunBaStart(ctx, run.ID); err != nil {
		t.Fatalf("second RecRunBaStart should still succeed (monotonic no-op): %v", err)
	}
	got2, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if *got2.BaStart < first {
		t.Fatalf("ba_start went backwards: %d -> %d", first, *got2.BaStart)
	}
}

func TestTask_UniqueIdxPerRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, nil, "demo", "./demo.aip", "gpt-5", 1, false, false, "")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	if _, err := s.CreateTask(ctx, run.ID, 0, nil); err != nil {
		t.Fatalf("CreateTask idx=0: %v", err)
	}
	if _, err := s.CreateTask(ctx, run.ID, 0, nil); err == nil {
		t.Fatalf("expected duplicate (run_id, idx) to fail")
	}
}

func TestRun_TotalCostIsRecomputedNotAccumulated(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, nil, "demo", "./demo.aip", "gpt-5", 2, false, false, "")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	t0, err := s.CreateTask(ctx, run.ID, 0, nil)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	t1, err := s.CreateTask(ctx, run.ID, 1, nil)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	c0, c1 := 0.0012, 0.0034
	if err := s.UpdateTaskUsage(ctx, t0.ID, "{}", 100, 0, 0, 50, 0, &c0); err != nil {
		t.Fatalf("UpdateTaskUsage: %v", err)
	}
	if err := s.UpdateTaskUsage(ctx, t1.ID, "{}", 100, 0, 0, 50, 0, &c1); err != nil {
		t.Fatalf("UpdateTaskUsage: %v", err)
	}
	if err := s.RecomputeRunCost(ctx, run.ID); err != nil {
		t.Fatalf("RecomputeRunCost: %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	want := roundCost(c0 + c1)
	if got.TotalCost != want {
		t.Fatalf("total_cost = %v, want %v", got.TotalCost, want)
	}
}

func TestContent_EmptyIsNotStored(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, nil, "demo", "./demo.aip", "gpt-5", 1, false, false, "")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	task, err := s.CreateTask(ctx, run.ID, 0, nil)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	c, err := s.AddContent(ctx, task.ID, "output", ContentText, "")
	if err != nil {
		t.Fatalf("AddContent: %v", err)
	}
	if c != nil {
		t.Fatalf("expected nil content row for empty content, got %+v", c)
	}
}

func TestPin_ListOrderedByPriority(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, nil, "demo", "./demo.aip", "gpt-5", 1, false, false, "")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	low, high := 1.0, 5.0
	if _, err := s.AddPin(ctx, run.ID, nil, nil, low, "low"); err != nil {
		t.Fatalf("AddPin: %v", err)
	}
	if _, err := s.AddPin(ctx, run.ID, nil, nil, high, "high"); err != nil {
		t.Fatalf("AddPin: %v", err)
	}

	pins, err := s.ListPins(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListPins: %v", err)
	}
	if len(pins) != 2 || pins[0].Content != "high" || pins[1].Content != "low" {
		t.Fatalf("expected pins ordered high then low, got %+v", pins)
	}
}
