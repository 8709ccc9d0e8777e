// Package bus fans control-plane events (lifecycle transitions, eligibility
// changes, dead letters, operator actions) out to in-process listeners such
// as the websocket event stream.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// SubscriberBuffer is the per-subscription channel capacity.
const SubscriberBuffer = 128

type Event struct {
	// Seq increases by one per Publish across all topics, so a listener can
	// tell it missed events from a gap.
	Seq         uint64    `json:"seq"`
	Topic       string    `json:"topic"`
	PublishedAt time.Time `json:"published_at"`
	Payload     any       `json:"payload"`
}

type Subscription struct {
	id       uint64
	prefixes []string
	ch       chan Event
	dropped  atomic.Int64
}

func (s *Subscription) Ch() <-chan Event { return s.ch }

// Prefixes returns the topic prefixes this subscription matches. Empty means all.
func (s *Subscription) Prefixes() []string { return s.prefixes }

// Dropped counts events this subscriber missed because its buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) matches(topic string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

// Bus is an in-process pub/sub bus. Publish never blocks: a subscriber that
// falls behind loses events and its Dropped count grows.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64

	seq     atomic.Uint64
	dropped atomic.Int64
	now     func() time.Time
}

func New() *Bus {
	return &Bus{
		subs: make(map[uint64]*Subscription),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe returns a subscription for topics starting with any of prefixes.
// No prefixes, or an empty one, matches every topic.
func (b *Bus) Subscribe(prefixes ...string) *Subscription {
	var kept []string
	for _, p := range prefixes {
		if p == "" {
			kept = nil
			break
		}
		kept = append(kept, p)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, prefixes: kept, ch: make(chan Event, SubscriberBuffer)}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes sub and closes its channel. It is safe to call twice.
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

// Publish delivers payload to every matching subscriber. A nil Bus discards it.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	// Sequence assignment and delivery share the write lock so every
	// subscriber sees events in Seq order.
	b.mu.Lock()
	defer b.mu.Unlock()
	ev := Event{Seq: b.seq.Add(1), Topic: topic, PublishedAt: b.now(), Payload: payload}
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped is the total of missed deliveries across all subscribers.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// LastSeq is the sequence number of the most recent event, 0 before any.
func (b *Bus) LastSeq() uint64 { return b.seq.Load() }
