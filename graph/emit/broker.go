package emit

import (
	"sync"
	"sync/atomic"
)

// DefaultSubscriberBuffer is the per-subscriber event buffer size.
const DefaultSubscriberBuffer = 64

// Subscription is one subscriber's view of a run's event stream. Events
// arrive on the channel returned by Events in publication order; the channel
// is closed after the terminal event (or on unsubscribe).
//
// If the subscriber falls behind and the broker has to drop events, the
// subscription is flagged lossy. A lossy subscriber should fall back to
// polling the repository, whose execution log is the canonical record.
type Subscription struct {
	runID string
	ch    chan Event
	lossy atomic.Bool
	once  sync.Once
}

// Events returns the subscriber's event channel.
func (s *Subscription) Events() <-chan Event { return s.ch }

// RunID returns the run this subscription is attached to.
func (s *Subscription) RunID() string { return s.runID }

// Lossy reports whether any event was dropped for this subscriber.
func (s *Subscription) Lossy() bool { return s.lossy.Load() }

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// Broker is the in-memory per-run publish/subscribe fan-out. Publishing to
// a run with no subscribers is a no-op: events are not buffered beyond live
// subscriber queues, because replay is served from the execution log.
//
// Backpressure: a slow subscriber never blocks the publisher. When a
// subscriber's buffer is full the broker drops that subscriber's oldest
// pending event, marks the subscription lossy, and delivers the new event.
//
// Broker implements Emitter, so it can be wired directly into the engine's
// emitter chain.
type Broker struct {
	mu     sync.RWMutex
	buffer int
	subs   map[string]map[*Subscription]struct{}
}

// NewBroker creates a broker with DefaultSubscriberBuffer-sized queues.
func NewBroker() *Broker {
	return NewBrokerBuffer(DefaultSubscriberBuffer)
}

// NewBrokerBuffer creates a broker with the given per-subscriber buffer
// size. Sizes below 1 are raised to 1.
func NewBrokerBuffer(buffer int) *Broker {
	if buffer < 1 {
		buffer = 1
	}
	return &Broker{
		buffer: buffer,
		subs:   make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe attaches a new subscriber to runID's stream. The caller must
// either drain the subscription until the channel closes or call
// Unsubscribe.
func (b *Broker) Subscribe(runID string) *Subscription {
	sub := &Subscription{runID: runID, ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[runID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[runID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Unsubscribe detaches sub and closes its channel. Safe to call twice.
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sub.runID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.runID)
		}
	}
	sub.close()
}

// Publish fans the event out to every current subscriber of runID.
//
// Sends are non-blocking and run under the read lock, which excludes
// Close/Unsubscribe; a send can therefore never hit a closed channel.
func (b *Broker) Publish(runID string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[runID] {
		select {
		case sub.ch <- event:
		default:
			// Buffer full: drop the oldest pending event and flag the
			// subscriber, then retry once.
			select {
			case <-sub.ch:
			default:
			}
			sub.lossy.Store(true)
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}

// Emit implements Emitter by publishing to the event's run.
func (b *Broker) Emit(event Event) {
	b.Publish(event.RunID, event)
}

// Close ends runID's stream: every subscriber's channel is closed and the
// run entry is removed. Called by the coordinator after it publishes the
// terminal event.
func (b *Broker) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[runID] {
		sub.close()
	}
	delete(b.subs, runID)
}

// NewClosedSubscription returns a detached subscription that yields the
// given events and then end-of-stream. Used for late joiners of runs that
// already finished: the coordinator synthesizes the terminal event from the
// persisted run row.
func NewClosedSubscription(runID string, events ...Event) *Subscription {
	sub := &Subscription{runID: runID, ch: make(chan Event, len(events))}
	for _, ev := range events {
		sub.ch <- ev
	}
	sub.close()
	return sub
}

// SubscriberCount returns the number of live subscribers for runID.
func (b *Broker) SubscriberCount(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[runID])
}
