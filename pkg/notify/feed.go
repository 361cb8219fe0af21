package notify

import (
	"sync"
	"sync/atomic"
	"time"
)

// Outcome is one published occurrence result.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers receive on buffered channels; slow subscribers may drop
//     values (bounded backpressure).
//   - Completion is signaled by closing the subscriber channel. It is always
//     delivered, even to subscribers that missed values.
type Outcome struct {
	At       time.Time
	Value    any
	Err      error
	Attempts int
}

// Failed reports whether the occurrence ended in an error.
func (o Outcome) Failed() bool { return o.Err != nil }

type subscriber struct {
	ch   chan Outcome
	once sync.Once
}

func (s *subscriber) send(o Outcome) {
	// Non-blocking delivery. If the subscriber is slow, we drop.
	// The channel may be closed concurrently by cancel/Close; recover from
	// the send panic in that window instead of coordinating with a lock.
	defer func() { _ = recover() }()
	select {
	case s.ch <- o:
	default:
	}
}

func (s *subscriber) complete() {
	s.once.Do(func() { close(s.ch) })
}

// feedState is an immutable snapshot. Mutations always allocate a new state
// and install it with CompareAndSwap.
type feedState struct {
	closed bool
	subs   []*subscriber
}

var closedState = &feedState{closed: true}

// Feed is a multicast outcome channel for repeating or scheduled work.
// The zero value is not usable; construct with NewFeed.
type Feed struct {
	state atomic.Pointer[feedState]
}

func NewFeed() *Feed {
	f := &Feed{}
	f.state.Store(&feedState{})
	return f
}

// Subscribe registers a new observer channel.
//
// If the feed is already closed, the returned channel is delivered its
// completion signal immediately and is never attached to the feed.
// The cancel func detaches the observer and completes its channel; it is
// idempotent and safe to call concurrently with Close.
func (f *Feed) Subscribe(buffer int) (<-chan Outcome, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	sub := &subscriber{ch: make(chan Outcome, buffer)}

	for {
		cur := f.state.Load()
		if cur.closed {
			sub.complete()
			return sub.ch, func() {}
		}
		next := &feedState{subs: append(append([]*subscriber(nil), cur.subs...), sub)}
		if f.state.CompareAndSwap(cur, next) {
			break
		}
	}

	cancel := func() {
		f.detach(sub)
		sub.complete()
	}
	return sub.ch, cancel
}

func (f *Feed) detach(sub *subscriber) {
	for {
		cur := f.state.Load()
		if cur.closed {
			return
		}
		idx := -1
		for i, s := range cur.subs {
			if s == sub {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		subs := make([]*subscriber, 0, len(cur.subs)-1)
		subs = append(subs, cur.subs[:idx]...)
		subs = append(subs, cur.subs[idx+1:]...)
		if f.state.CompareAndSwap(cur, &feedState{subs: subs}) {
			return
		}
	}
}

// Publish fans the outcome out to every subscriber in the current snapshot.
// Publishing to a closed feed is a no-op.
func (f *Feed) Publish(o Outcome) {
	if o.At.IsZero() {
		o.At = time.Now()
	}
	cur := f.state.Load()
	if cur.closed {
		return
	}
	for _, s := range cur.subs {
		s.send(o)
	}
}

// Close completes every subscriber present at the instant of the swap and
// marks the feed closed. Idempotent.
func (f *Feed) Close() {
	for {
		cur := f.state.Load()
		if cur.closed {
			return
		}
		if f.state.CompareAndSwap(cur, closedState) {
			for _, s := range cur.subs {
				s.complete()
			}
			return
		}
	}
}

// Closed reports whether Close has been called.
func (f *Feed) Closed() bool { return f.state.Load().closed }

// Subscribers returns the current subscriber count (diagnostics only).
func (f *Feed) Subscribers() int { return len(f.state.Load().subs) }
