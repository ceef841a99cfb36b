package events

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of a confirmation request.
type Decision int

const (
	DecisionApproved Decision = iota
	DecisionRejected
	DecisionTimedOut
)

// String returns the human-readable decision name.
func (d Decision) String() string {
	switch d {
	case DecisionApproved:
		return "approved"
	case DecisionRejected:
		return "rejected"
	case DecisionTimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}

// Confirmer brokers confirmation gates: a run blocks in Await until an
// operator resolves the request or the timeout elapses.
type Confirmer struct {
	mu      sync.Mutex
	pending map[string]chan Decision
}

// NewConfirmer creates an empty confirmation broker.
func NewConfirmer() *Confirmer {
	return &Confirmer{pending: make(map[string]chan Decision)}
}

// Await blocks until the request is resolved, the timeout elapses, or ctx is
// cancelled. Timeout and cancellation both yield DecisionTimedOut. Awaiting an
// already-pending request id returns DecisionRejected immediately.
func (c *Confirmer) Await(ctx context.Context, requestID string, timeout time.Duration) Decision {
	ch := make(chan Decision, 1)

	c.mu.Lock()
	if _, exists := c.pending[requestID]; exists {
		c.mu.Unlock()
		return DecisionRejected
	}
	c.pending[requestID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-ch:
		return d
	case <-timer.C:
		return DecisionTimedOut
	case <-ctx.Done():
		return DecisionTimedOut
	}
}

// Resolve delivers a decision for a pending request. It reports whether a
// request was waiting; a second resolution of the same request returns false.
func (c *Confirmer) Resolve(requestID string, approved bool) bool {
	c.mu.Lock()
	ch, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	if approved {
		ch <- DecisionApproved
	} else {
		ch <- DecisionRejected
	}
	return true
}

// Pending returns the ids of requests currently awaiting a decision.
func (c *Confirmer) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	return ids
}
