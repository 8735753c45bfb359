package bus

import (
	"sync"
	"testing"
	"time"
)

func drain(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-sub.Ch():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicMessageSent)
	defer b.Unsubscribe(sub)

	if n := b.Publish(TopicMessageSent, MessageEvent{MessageID: "m1", From: "admin", To: "writer"}); n != 1 {
		t.Fatalf("delivered to %d subscribers, want 1", n)
	}

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicMessageSent {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicMessageSent)
		}
		if me, ok := event.Payload.(MessageEvent); !ok || me.MessageID != "m1" {
			t.Fatalf("payload = %#v", event.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()
	lockSub := b.Subscribe("lock:")
	allSub := b.Subscribe()
	emptySub := b.Subscribe("")
	defer b.Unsubscribe(lockSub)
	defer b.Unsubscribe(allSub)
	defer b.Unsubscribe(emptySub)

	b.Publish(TopicLockAcquired, LockEvent{SessionID: "s1"})
	b.Publish(TopicScheduleAdded, nil)

	got := drain(lockSub)
	if len(got) != 1 || got[0].Topic != TopicLockAcquired {
		t.Fatalf("lock subscription got %+v", got)
	}
	if n := len(drain(allSub)); n != 2 {
		t.Fatalf("catch-all subscription got %d events, want 2", n)
	}
	if n := len(drain(emptySub)); n != 2 {
		t.Fatalf("empty-prefix subscription got %d events, want 2", n)
	}
}

func TestBus_MultiplePrefixes(t *testing.T) {
	b := New()
	sub := b.Subscribe("turn:", "memory:")
	defer b.Unsubscribe(sub)

	b.Publish(TopicTurnCompleted, nil)
	b.Publish(TopicCompacted, nil)
	b.Publish(TopicMessageSent, nil)

	got := drain(sub)
	if len(got) != 2 || got[0].Topic != TopicTurnCompleted || got[1].Topic != TopicCompacted {
		t.Fatalf("unexpected events %+v", got)
	}
}

func TestBus_FullBufferDropsAndCounts(t *testing.T) {
	b := New(WithBufferSize(4))
	sub := b.Subscribe("run:")
	defer b.Unsubscribe(sub)

	delivered := 0
	for i := 0; i < 10; i++ {
		delivered += b.Publish(TopicRunStart, i)
	}
	if delivered != 4 {
		t.Fatalf("delivered %d, want 4", delivered)
	}
	if sub.Dropped() != 6 {
		t.Fatalf("dropped = %d, want 6", sub.Dropped())
	}
	got := drain(sub)
	if len(got) != 4 || got[0].Payload != 0 || got[3].Payload != 3 {
		t.Fatalf("expected the first four events in order, got %+v", got)
	}
}

func TestBus_DefaultBufferSize(t *testing.T) {
	b := New(WithBufferSize(0))
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)
	for i := 0; i < DefaultBufferSize+10; i++ {
		b.Publish(TopicTurnStage, i)
	}
	if n := len(drain(sub)); n != DefaultBufferSize {
		t.Fatalf("received %d events, expected %d", n, DefaultBufferSize)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicAgentRegistered)

	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)

	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
	if n := b.Publish(TopicAgentRegistered, nil); n != 0 {
		t.Fatalf("delivered %d after unsubscribe", n)
	}
}

func TestBus_Close(t *testing.T) {
	b := New()
	a := b.Subscribe("lock:")
	c := b.Subscribe()

	b.Close()
	b.Close()

	for _, sub := range []*Subscription{a, c} {
		if _, ok := <-sub.Ch(); ok {
			t.Fatal("subscription should be closed")
		}
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d after close", b.SubscriberCount())
	}
	if n := b.Publish(TopicLockReleased, nil); n != 0 {
		t.Fatalf("publish after close delivered %d", n)
	}
	late := b.Subscribe()
	if _, ok := <-late.Ch(); ok {
		t.Fatal("subscription on a closed bus should start closed")
	}
	b.Unsubscribe(late)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("message:")
	defer b.Unsubscribe(sub)

	const goroutines = 10
	const perGoroutine = 5

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish(TopicMessageSent, id*100+i)
			}
		}(g)
	}
	wg.Wait()

	if n := len(drain(sub)); n != goroutines*perGoroutine {
		t.Fatalf("received %d events, want %d", n, goroutines*perGoroutine)
	}
}
