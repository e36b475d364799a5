package eventbus

// Reply is a one-shot, single-value channel used by the Action Executor to
// hand a result back to whichever goroutine is blocked waiting on an action
// it queued (sub-agent run, Redo, CmdRun). Exactly one Send call is expected
// per Reply; callers that never Send leave the waiter blocked forever, so
// every producer path (including error paths) must Send.
type Reply[T any] struct {
	ch chan result[T]
}

type result[T any] struct {
	val T
	err error
}

// NewReply creates a Reply with capacity 1 so Send never blocks its sender.
func NewReply[T any]() *Reply[T] {
	return &Reply[T]{ch: make(chan result[T], 1)}
}

// Send delivers the outcome. Safe to call exactly once.
func (r *Reply[T]) Send(val T, err error) {
	r.ch <- result[T]{val: val, err: err}
}

// Wait blocks until Send has been called and returns its outcome.
func (r *Reply[T]) Wait() (T, error) {
	res := <-r.ch
	return res.val, res.err
}
