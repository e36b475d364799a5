// Package eventbus implements the Event Channels component (C1): an
// in-process, topic-prefixed pub/sub bus that every run, stage, and task
// publishes progress onto, plus a one-shot Reply channel used by the Sub-
// Agent Gateway's blocking request/response handshake.
//
// Adapted from the topic-prefix bus pattern: non-blocking publish into a
// per-subscriber buffered channel, with dropped events counted and warned
// about at exponentially spaced thresholds rather than once per drop.
package eventbus

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 256

// Run event topics.
const (
	TopicRunStarted   = "run.started"
	TopicRunEnded      = "run.ended"
	TopicRunStage      = "run.stage"
	TopicTaskStarted   = "run.task.started"
	TopicTaskEnded     = "run.task.ended"
	TopicTaskSkipped   = "run.task.skipped"
	TopicLog           = "run.log"
	TopicActionStarted = "run.action.started" // in-flight edge 0 -> 1
	TopicActionIdle    = "run.action.idle"    // in-flight edge 1 -> 0
)

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// StageEvent reports a stage transition for a run or task.
type StageEvent struct {
	RunID  string
	TaskID string // empty for run-level stages (BeforeAll/AfterAll)
	Stage  string
	Status string // started | succeeded | failed | skipped
}

// LogEvent mirrors a persisted Log row at publish time.
type LogEvent struct {
	RunID   string
	TaskID  string
	Level   string
	Message string
}

// Subscription is an active subscription on the Bus.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event { return s.ch }

// Bus is the in-process pub/sub hub backing C1.
type Bus struct {
	mu              sync.RWMutex
	subs            map[int]*Subscription
	nextID          int
	logger          *slog.Logger
	droppedEvents   atomic.Int64
	lastDropWarning atomic.Int64
}

// New creates a Bus with no logger.
func New() *Bus { return NewWithLogger(nil) }

// NewWithLogger creates a Bus that warns through logger when delivery starts
// dropping events.
func NewWithLogger(logger *slog.Logger) *Bus {
	return &Bus{subs: make(map[int]*Subscription), logger: logger}
}

// Subscribe returns a subscription for all topics with the given prefix. An
// empty prefix matches everything.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, prefix: topicPrefix, ch: make(chan Event, defaultBufferSize)}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers an event to every matching subscriber without blocking
// the producer. A subscriber with a full buffer misses the event.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
				b.maybeLogDropWarning(b.droppedEvents.Add(1), topic)
			}
		}
	}
}

// DroppedEventCount returns how many events have been dropped for full
// subscriber buffers since the bus was created.
func (b *Bus) DroppedEventCount() int64 { return b.droppedEvents.Load() }

func dropThreshold(count int64) int64 {
	threshold := int64(1)
	for threshold*10 <= count {
		threshold *= 10
	}
	return threshold
}

func (b *Bus) maybeLogDropWarning(newCount int64, topic string) {
	if b.logger == nil {
		return
	}
	threshold := dropThreshold(newCount)
	if newCount != threshold {
		return
	}
	lastWarned := b.lastDropWarning.Load()
	if threshold <= lastWarned {
		return
	}
	if b.lastDropWarning.CompareAndSwap(lastWarned, threshold) {
		b.logger.Warn("eventbus_dropped_events_reached_threshold",
			slog.Int64("count", newCount),
			slog.String("topic", topic),
		)
	}
}
