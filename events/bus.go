// Package events provides the ordered run event stream: an in-process pub/sub
// bus with bounded replay history, a confirmation broker for gated runs, and a
// WebSocket fan-out for external observers.
package events

import (
	"sync"
	"time"

	"swarmq/log"
)

// Type identifies a run lifecycle event.
type Type string

const (
	TypeRunAccepted            Type = "run.accepted"
	TypeProviderAttemptStarted Type = "provider.attempt.started"
	TypeOutputChunk            Type = "run.output.chunk"
	TypeFailover               Type = "provider.failover"
	TypeConfirmationRequested  Type = "confirmation.requested"
	TypeConfirmationResolved   Type = "confirmation.resolved"
	TypeRunResult              Type = "run.result"
	TypeRunError               Type = "run.error"
)

// Event is a single entry in a run's event stream. Seq is assigned by the bus
// at publish time and is globally monotonic, so per-run order follows publish
// order.
type Event struct {
	Seq       uint64                 `json:"seq"`
	Type      Type                   `json:"type"`
	SessionID string                 `json:"sessionId"`
	RunID     string                 `json:"runId"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Subscription is a live feed of events. C is closed on Unsubscribe or when
// the bus closes.
type Subscription struct {
	C  <-chan Event
	id int
	ch chan Event
}

// Bus is an in-process event bus with a fixed-size replay history. Slow
// subscribers never block publishers: when a subscriber's buffer fills, the
// oldest buffered event is dropped to make room.
type Bus struct {
	mu      sync.Mutex
	seq     uint64
	history []Event
	head    int
	count   int
	subs    map[int]*Subscription
	nextSub int
	dropped uint64
	closed  bool
}

// NewBus creates a bus retaining up to historySize events for replay.
func NewBus(historySize int) *Bus {
	if historySize <= 0 {
		historySize = 1000
	}
	return &Bus{
		history: make([]Event, historySize),
		subs:    make(map[int]*Subscription),
	}
}

// Publish stamps the event with a sequence number and timestamp, records it in
// the replay history and fans it out to all subscribers. The stamped event is
// returned.
func (b *Bus) Publish(ev Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ev
	}

	b.seq++
	ev.Seq = b.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	if log.IsDebugEnabled() {
		log.DebugLog.Printf("event %d %s session=%s run=%s", ev.Seq, ev.Type, ev.SessionID, ev.RunID)
	}

	tail := (b.head + b.count) % len(b.history)
	b.history[tail] = ev
	if b.count < len(b.history) {
		b.count++
	} else {
		b.head = (b.head + 1) % len(b.history)
	}

	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			// Buffer full. Evict the oldest buffered event and retry once.
			select {
			case <-sub.ch:
				b.dropped++
			default:
			}
			select {
			case sub.ch <- ev:
			default:
				b.dropped++
			}
		}
	}
	return ev
}

// Subscribe registers a new subscriber with the given buffer size.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, id: b.nextSub, ch: ch}
	b.nextSub++
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// ReplaySince returns retained events with Seq strictly greater than since,
// in publish order. Events older than the history window are gone.
func (b *Bus) ReplaySince(since uint64) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Event
	for i := 0; i < b.count; i++ {
		ev := b.history[(b.head+i)%len(b.history)]
		if ev.Seq > since {
			out = append(out, ev)
		}
	}
	return out
}

// History returns all retained events in publish order.
func (b *Bus) History() []Event {
	return b.ReplaySince(0)
}

// Dropped returns the number of events discarded due to slow subscribers.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close shuts the bus down and closes all subscriber channels. Publishing
// after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
