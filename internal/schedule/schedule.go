// Package schedule implements the supplementary periodic-run feature: a
// cron expression paired with an agent reference and fixed inputs, ticked
// on an interval and posted to the Action Executor's CmdRun queue when due.
// Entries live in memory rather than the store, since this engine's runs
// are single-process, cooperative work rather than a durable multi-worker
// queue (see DESIGN.md) -- there is no crash-recovery requirement that
// would justify persisting schedules to the store.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/agentrun/internal/actionexec"
)

var parser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Runner is the subset of actionexec.Executor a fired schedule calls into.
type Runner interface {
	SubmitCmdRun(ctx context.Context, agentRef string, inputs []any, options map[string]any) (actionexec.RunResult, error)
}

type entry struct {
	id       int64
	agentRef string
	inputs   []any
	options  map[string]any
	sched    cronlib.Schedule
	next     time.Time
}

// Config holds a Scheduler's dependencies.
type Config struct {
	Runner   Runner
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically checks its registered entries and fires each one
// whose next run time has passed.
type Scheduler struct {
	runner   Runner
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	entries map[int64]*entry
	nextID  int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler builds a Scheduler. Call Start to begin ticking.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:   cfg.Runner,
		logger:   logger,
		interval: interval,
		entries:  map[int64]*entry{},
	}
}

// Add registers a periodic run and returns an id Remove can later cancel.
func (s *Scheduler) Add(cronExpr, agentRef string, inputs []any, options map[string]any) (int64, error) {
	sched, err := parser.Parse(cronExpr)
	if err != nil {
		return 0, fmt.Errorf("schedule: parse cron expression %q: %w", cronExpr, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.entries[id] = &entry{
		id:       id,
		agentRef: agentRef,
		inputs:   inputs,
		options:  options,
		sched:    sched,
		next:     sched.Next(time.Now()),
	}
	return id, nil
}

// Remove cancels a previously registered schedule; a no-op if id is unknown.
func (s *Scheduler) Remove(id int64) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// Start begins the tick loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("schedule: scheduler started", "interval", s.interval)
}

// Stop cancels the tick loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("schedule: scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every entry whose next run time has passed, each on its own
// goroutine so a slow run never delays the next entry's check.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	var due []*entry
	s.mu.Lock()
	for _, e := range s.entries {
		if !e.next.After(now) {
			due = append(due, e)
			e.next = e.sched.Next(now)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		go s.fire(ctx, e)
	}
}

func (s *Scheduler) fire(ctx context.Context, e *entry) {
	res, err := s.runner.SubmitCmdRun(ctx, e.agentRef, e.inputs, e.options)
	if err != nil {
		s.logger.Error("schedule: run failed", "schedule_id", e.id, "agent", e.agentRef, "error", err)
		return
	}
	s.logger.Info("schedule: run fired", "schedule_id", e.id, "agent", e.agentRef, "run_uid", res.RunUID)
}
