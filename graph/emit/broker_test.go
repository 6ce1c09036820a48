package emit

import (
	"fmt"
	"testing"
	"time"
)

func drain(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("channel closed after %d events, want %d", i, n)
			}
			out = append(out, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d events, want %d", i, n)
		}
	}
	return out
}

func assertClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected end of stream, got an event")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestBrokerFanOut(t *testing.T) {
	b := NewBroker()
	s1 := b.Subscribe("run_1")
	s2 := b.Subscribe("run_1")
	other := b.Subscribe("run_2")

	b.Publish("run_1", NewStatusUpdate("run_1", "running", "a", 0))

	for _, sub := range []*Subscription{s1, s2} {
		ev := drain(t, sub, 1)[0]
		if ev.Type != TypeStatusUpdate || ev.CurrentNode != "a" {
			t.Errorf("event = %+v", ev)
		}
	}

	select {
	case ev := <-other.Events():
		t.Errorf("subscriber of run_2 received %+v", ev)
	default:
	}

	if n := b.SubscriberCount("run_1"); n != 2 {
		t.Errorf("SubscriberCount = %d, want 2", n)
	}
}

func TestBrokerPublishWithoutSubscribers(t *testing.T) {
	b := NewBroker()
	// Must not block or panic; events for unwatched runs are discarded.
	b.Publish("ghost", NewPong())
}

func TestBrokerDropOldest(t *testing.T) {
	b := NewBrokerBuffer(2)
	sub := b.Subscribe("run_1")

	for i := 0; i < 5; i++ {
		b.Publish("run_1", NewStatusUpdate("run_1", "running", fmt.Sprintf("n%d", i), i))
	}

	if !sub.Lossy() {
		t.Error("subscription not flagged lossy after overflow")
	}

	got := drain(t, sub, 2)
	// Oldest events were dropped; the newest must survive.
	if got[1].CurrentNode != "n4" {
		t.Errorf("newest surviving event = %+v, want n4", got[1])
	}
}

func TestBrokerSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBrokerBuffer(1)
	slow := b.Subscribe("run_1")
	fast := b.Subscribe("run_1")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish("run_1", NewStatusUpdate("run_1", "running", "a", i))
		}
		close(done)
	}()

	// Only the fast subscriber drains.
	received := 0
	for received < 100 {
		select {
		case <-fast.Events():
			received++
		case <-time.After(time.Second):
			t.Fatalf("fast subscriber stalled at %d events", received)
		}
	}
	<-done

	if !slow.Lossy() {
		t.Error("slow subscriber not flagged lossy")
	}
}

func TestBrokerClose(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe("run_1")

	b.Publish("run_1", NewWorkflowCompleted("run_1", "completed", nil, time.Second, 3, ""))
	b.Close("run_1")

	ev := drain(t, sub, 1)[0]
	if !ev.Terminal() {
		t.Errorf("event = %+v, want terminal", ev)
	}
	assertClosed(t, sub)

	if n := b.SubscriberCount("run_1"); n != 0 {
		t.Errorf("SubscriberCount after close = %d", n)
	}
	// Publishing after close must be harmless.
	b.Publish("run_1", NewPong())
}

func TestBrokerUnsubscribe(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe("run_1")

	b.Unsubscribe(sub)
	assertClosed(t, sub)

	// Double unsubscribe is safe.
	b.Unsubscribe(sub)

	if n := b.SubscriberCount("run_1"); n != 0 {
		t.Errorf("SubscriberCount = %d", n)
	}
}

func TestBrokerEmitRoutesByRunID(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe("run_9")

	b.Emit(NewNodeCompleted("run_9", "a", 0, 5*time.Millisecond))

	ev := drain(t, sub, 1)[0]
	if ev.Type != TypeNodeCompleted || ev.NodeName != "a" {
		t.Errorf("event = %+v", ev)
	}
}

func TestNewClosedSubscription(t *testing.T) {
	terminal := NewWorkflowCompleted("run_1", "failed", nil, time.Second, 2, "boom")
	sub := NewClosedSubscription("run_1", terminal)

	if sub.RunID() != "run_1" {
		t.Errorf("RunID = %q", sub.RunID())
	}
	ev := drain(t, sub, 1)[0]
	if ev.Status != "failed" || ev.Error != "boom" {
		t.Errorf("event = %+v", ev)
	}
	assertClosed(t, sub)
}
