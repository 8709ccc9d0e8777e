package bus

import (
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicMessageStateChanged)
	defer b.Unsubscribe(sub)

	b.Publish(TopicMessageStateChanged, MessageStateChangedEvent{RequestID: "r1", NewState: "accepted"})

	ev := recv(t, sub)
	if ev.Topic != TopicMessageStateChanged {
		t.Fatalf("topic = %q", ev.Topic)
	}
	payload, ok := ev.Payload.(MessageStateChangedEvent)
	if !ok || payload.RequestID != "r1" {
		t.Fatalf("payload = %#v", ev.Payload)
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()
	deadLetters := b.Subscribe("deadletter.")
	defer b.Unsubscribe(deadLetters)
	all := b.Subscribe("")
	defer b.Unsubscribe(all)

	b.Publish(TopicDeadLetterCaptured, DeadLetterEvent{DeadLetterID: "d1"})
	b.Publish(TopicOperatorAction, OperatorActionEvent{Action: "abort_request"})

	if ev := recv(t, deadLetters); ev.Topic != TopicDeadLetterCaptured {
		t.Fatalf("topic = %q, want %q", ev.Topic, TopicDeadLetterCaptured)
	}
	select {
	case ev := <-deadLetters.Ch():
		t.Fatalf("unexpected event on deadletter subscription: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	recv(t, all)
	recv(t, all)
}

func TestBus_NonBlockingCountsDrops(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	for i := 0; i < SubscriberBuffer+10; i++ {
		b.Publish(TopicFanoutCompleted, i)
	}
	if got := len(sub.Ch()); got != SubscriberBuffer {
		t.Fatalf("buffered = %d, want %d", got, SubscriberBuffer)
	}
	if b.Dropped() != 10 || sub.Dropped() != 10 {
		t.Fatalf("dropped = %d/%d, want 10", b.Dropped(), sub.Dropped())
	}
}

func TestBus_SequenceRevealsGaps(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	b.Publish(TopicButlerRegistered, nil)
	b.Publish(TopicButlerRegistered, nil)
	first, second := recv(t, sub), recv(t, sub)
	if first.Seq == 0 || second.Seq != first.Seq+1 {
		t.Fatalf("seq = %d, %d; want consecutive", first.Seq, second.Seq)
	}
	if first.PublishedAt.IsZero() {
		t.Fatal("PublishedAt not set")
	}
	if b.LastSeq() != second.Seq {
		t.Fatalf("LastSeq = %d, want %d", b.LastSeq(), second.Seq)
	}
}

func TestBus_MultiplePrefixes(t *testing.T) {
	b := New()
	sub := b.Subscribe("deadletter.", "operator.")
	defer b.Unsubscribe(sub)
	if got := sub.Prefixes(); len(got) != 2 {
		t.Fatalf("prefixes = %v", got)
	}

	b.Publish(TopicButlerRegistered, nil)
	b.Publish(TopicOperatorAction, nil)
	b.Publish(TopicDeadLetterCaptured, nil)

	if ev := recv(t, sub); ev.Topic != TopicOperatorAction {
		t.Fatalf("topic = %q", ev.Topic)
	}
	if ev := recv(t, sub); ev.Topic != TopicDeadLetterCaptured {
		t.Fatalf("topic = %q", ev.Topic)
	}
	if len(sub.Ch()) != 0 {
		t.Fatal("butler event should not match")
	}
}

func TestBus_EmptyPrefixMatchesAll(t *testing.T) {
	b := New()
	sub := b.Subscribe("butler.", "")
	defer b.Unsubscribe(sub)
	if sub.Prefixes() != nil {
		t.Fatalf("prefixes = %v, want nil", sub.Prefixes())
	}
	b.Publish(TopicFanoutCompleted, nil)
	recv(t, sub)
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("butler.")
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
}

func TestBus_NilPublishIsNoop(t *testing.T) {
	var b *Bus
	b.Publish(TopicButlerRegistered, nil)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const goroutines = 10
	const perGoroutine = 5

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish(TopicButlerEligibilityChanged, id*100+i)
			}
		}(g)
	}
	wg.Wait()

	if got := len(sub.Ch()); got != goroutines*perGoroutine {
		t.Fatalf("received %d events, want %d", got, goroutines*perGoroutine)
	}
}
