// Package cancel implements the run-scoped cancellation primitive (C2).
//
// A Token is a broadcast once-closed channel, the same shape the engine
// package already used per-task (a cancel map keyed by task id) but lifted
// to a single value every stage and every task of one run shares. Each run
// gets its own Token; sub-agent runs are given a brand new one rather than
// inheriting their parent's, so canceling a parent does not reach into an
// in-flight child run.
package cancel

import "sync"

// Token is a read-only cancellation handle.
type Token struct {
	done chan struct{}
}

// Canceler is the write side of a Token pair.
type Canceler struct {
	once  sync.Once
	token Token
}

// New creates a linked Canceler/Token pair for one run.
func New() (*Canceler, *Token) {
	c := &Canceler{token: Token{done: make(chan struct{})}}
	return c, &c.token
}

// Cancel closes the token. Safe to call more than once or from multiple
// goroutines; only the first call has effect.
func (c *Canceler) Cancel() {
	c.once.Do(func() { close(c.token.done) })
}

// Done returns a channel that is closed once Cancel has been called.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Cancelled reports whether the token has already been canceled, without
// blocking.
func (t *Token) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Child returns a new, independent token. Sub-agent runs use this instead of
// reusing the parent's token: canceling the parent run must not abort an
// in-flight sub-run, and canceling a sub-run must not affect its parent.
func Child() (*Canceler, *Token) {
	return New()
}
