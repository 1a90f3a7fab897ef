package bus_test

import (
	"testing"
	"time"

	"github.com/basket/hopper/internal/bus"
)

func recvOne(t *testing.T, sub *bus.Subscription) bus.Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return bus.Event{}
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicTaskStateChanged)
	defer b.Unsubscribe(sub)

	b.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:    "t1",
		OldStatus: "pending",
		NewStatus: "claimed",
	})

	ev := recvOne(t, sub)
	if ev.Topic != bus.TopicTaskStateChanged {
		t.Fatalf("topic = %q, want %q", ev.Topic, bus.TopicTaskStateChanged)
	}
	payload, ok := ev.Payload.(bus.TaskStateChangedEvent)
	if !ok {
		t.Fatalf("payload type = %T", ev.Payload)
	}
	if payload.TaskID != "t1" || payload.NewStatus != "claimed" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestPrefixMatching(t *testing.T) {
	b := bus.New()
	all := b.Subscribe("")
	delOnly := b.Subscribe("delegation.")
	defer b.Unsubscribe(all)
	defer b.Unsubscribe(delOnly)

	b.Publish(bus.TopicDelegationCreated, bus.DelegationEvent{DelegationID: "d1"})
	b.Publish(bus.TopicRoutingDecision, bus.RoutingDecisionEvent{TaskID: "t1"})

	first := recvOne(t, delOnly)
	if first.Topic != bus.TopicDelegationCreated {
		t.Fatalf("delegation sub got %q", first.Topic)
	}
	select {
	case ev := <-delOnly.Ch():
		t.Fatalf("delegation sub got unexpected event %q", ev.Topic)
	case <-time.After(50 * time.Millisecond):
	}

	// The catch-all subscription sees both.
	if ev := recvOne(t, all); ev.Topic != bus.TopicDelegationCreated {
		t.Fatalf("all sub first = %q", ev.Topic)
	}
	if ev := recvOne(t, all); ev.Topic != bus.TopicRoutingDecision {
		t.Fatalf("all sub second = %q", ev.Topic)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, open := <-sub.Ch(); open {
		t.Fatal("channel still open after unsubscribe")
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Fatalf("subscriber count = %d, want 0", n)
	}

	// Double unsubscribe must not panic.
	b.Unsubscribe(sub)
}

func TestSlowConsumerDropsEvents(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	// Overflow the buffer; Publish must never block.
	for i := 0; i < 500; i++ {
		b.Publish(bus.TopicTaskCreated, nil)
	}

	drained := 0
	for {
		select {
		case <-sub.Ch():
			drained++
		default:
			if drained == 0 || drained > 100 {
				t.Fatalf("drained %d events, want 1..100", drained)
			}
			return
		}
	}
}
