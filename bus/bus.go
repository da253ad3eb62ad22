// Package bus implements the per-Process Event Bus: a bounded FIFO with a
// sole active consumer, strict sequence ordering, and coalescing of
// non-critical STEP-PROGRESS events under back-pressure.
package bus

import (
	"sync"
	"time"

	"github.com/fctr-id/queryengine/events"
)

// DefaultCapacity is the default bounded channel size per Process
// (config key event_bus_capacity).
const DefaultCapacity = 256

// DefaultBlockWindow is how long Publish blocks a full buffer before
// coalescing or growth kicks in: a small bounded time, default 100 ms.
// Config has no named key for this.
const DefaultBlockWindow = 100 * time.Millisecond

// Bus is the bounded, ordered event channel for one Process. A dedicated
// pump goroutine owns all delivery to the active Subscription; Publish
// itself never touches a subscriber channel, so a producer can never
// block on a slow or absent consumer -- it only ever waits on its own
// lock and, briefly, on room in buf. The zero value is not usable;
// construct with New.
type Bus struct {
	mu   sync.Mutex
	cond *sync.Cond
	cap  int
	next uint64 // next sequence number to assign

	buf      []events.Event // ring of buffered-but-undelivered events
	coalesce map[int]int    // step index -> position in buf holding its pending STEP-PROGRESS

	// changed is closed and replaced on every mutation of buf so the pump
	// goroutine, parked mid-send of a stale buf[0] snapshot, can abandon
	// it and retry with the current value instead of delivering data
	// that coalescing has since overwritten or eviction removed.
	changed chan struct{}

	sub    *subscription
	closed bool

	blockWindow time.Duration

	// taps are best-effort secondary listeners (e.g. an external event
	// sink mirror) that never compete with the sole Subscribe consumer
	// for delivery: a full tap channel just drops the event rather than
	// blocking Publish or displacing the primary subscriber.
	taps []chan events.Event
}

// New constructs a Bus with the given capacity. A capacity <= 0 uses
// DefaultCapacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Bus{
		cap:         capacity,
		coalesce:    make(map[int]int),
		changed:     make(chan struct{}),
		blockWindow: DefaultBlockWindow,
	}
	b.cond = sync.NewCond(&b.mu)
	go b.pump()
	return b
}

// Publish assigns the next sequence number to e and enqueues it. A
// STEP-PROGRESS whose step already has an unconsumed progress event in
// the buffer overwrites that event in place, at any buffer level.
// Otherwise, if the buffer is full, Publish blocks up to the configured
// window waiting for the pump to drain room, then evicts the oldest
// buffered STEP-PROGRESS events (of any step) until there is room. If no
// progress event can be evicted, the buffer grows past capacity: critical
// events are never dropped.
func (b *Bus) Publish(e events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	e = e.WithSeq(b.next)
	b.next++

	if sp, ok := e.(events.StepProgress); ok {
		if pos, exists := b.coalesce[sp.CoalesceKey()]; exists && pos < len(b.buf) {
			b.buf[pos] = e
			b.bumpChangedLocked()
			b.cond.Broadcast()
			b.tapLocked(e)
			return
		}
	}

	b.waitForRoomLocked()
	for len(b.buf) >= b.cap {
		// Buffer is still full after waiting. A critical event must
		// still be admitted; drop the oldest buffered progress event to
		// make room, otherwise grow past capacity rather than lose
		// correctness signals: step-lifecycle events are never dropped.
		if !b.evictOneProgressLocked() {
			break
		}
	}
	b.buf = append(b.buf, e)
	if sp, ok := e.(events.StepProgress); ok {
		b.coalesce[sp.CoalesceKey()] = len(b.buf) - 1
	}
	b.bumpChangedLocked()
	b.cond.Broadcast()
	b.tapLocked(e)
}

// waitForRoomLocked blocks, releasing b.mu between polls, until buf has
// room or blockWindow has elapsed. Called with b.mu held.
func (b *Bus) waitForRoomLocked() {
	if len(b.buf) < b.cap {
		return
	}
	deadline := time.Now().Add(b.blockWindow)
	for len(b.buf) >= b.cap && time.Now().Before(deadline) {
		b.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		b.mu.Lock()
	}
}

// bumpChangedLocked signals any pump goroutine mid-send of a now-stale
// buf[0] snapshot. Called with b.mu held.
func (b *Bus) bumpChangedLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// tapLocked mirrors e to every registered tap, dropping it for a tap
// whose buffer is currently full instead of blocking the producer.
func (b *Bus) tapLocked(e events.Event) {
	for _, ch := range b.taps {
		select {
		case ch <- e:
		default:
		}
	}
}

// Tap registers a secondary best-effort listener and returns the channel
// to range over. Unlike Subscribe, multiple taps may be active at once
// and registering one never displaces the primary subscriber or another
// tap.
func (b *Bus) Tap(bufferSize int) <-chan events.Event {
	if bufferSize <= 0 {
		bufferSize = b.cap
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan events.Event, bufferSize)
	b.taps = append(b.taps, ch)
	return ch
}

// evictOneProgressLocked removes the oldest buffered STEP-PROGRESS event
// to make room for an incoming critical event. Reports whether it found
// one to remove.
func (b *Bus) evictOneProgressLocked() bool {
	for i, e := range b.buf {
		if e.Type() == events.TypeStepProgress {
			b.buf = append(b.buf[:i], b.buf[i+1:]...)
			b.reindexCoalesceLocked()
			return true
		}
	}
	return false
}

func (b *Bus) reindexCoalesceLocked() {
	b.coalesce = make(map[int]int)
	for i, e := range b.buf {
		if sp, ok := e.(events.StepProgress); ok {
			b.coalesce[sp.CoalesceKey()] = i
		}
	}
}

// pump is the sole goroutine that ever sends to or closes a subscriber's
// channel. It owns one subscription at a time (owned), reconciling it
// against the bus's current b.sub on every iteration so a subscription
// replaced or closed while pump was idle still gets its channel closed
// promptly.
func (b *Bus) pump() {
	b.mu.Lock()
	var owned *subscription
	for {
		if owned != b.sub {
			if owned != nil {
				close(owned.ch)
			}
			owned = b.sub
		}
		if b.closed {
			if owned != nil {
				close(owned.ch)
				owned = nil
				b.sub = nil
			}
			b.mu.Unlock()
			return
		}
		if owned == nil || len(b.buf) == 0 {
			b.cond.Wait()
			continue
		}

		sub := owned
		e := b.buf[0]
		changed := b.changed
		b.mu.Unlock()

		delivered := false
		select {
		case sub.ch <- e:
			delivered = true
		case <-sub.detached:
		case <-changed:
		}

		b.mu.Lock()
		if delivered && len(b.buf) > 0 {
			b.buf = b.buf[1:]
			b.reindexCoalesceLocked()
			b.bumpChangedLocked()
		}
	}
}

// Close shuts down the bus: no further events are accepted and the
// active subscriber's channel is closed by the pump goroutine.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.taps {
		close(ch)
	}
	b.taps = nil
	// Wake a pump goroutine that is parked mid-delivery-attempt (blocked
	// in select, not cond.Wait) as well as one that is idle.
	b.bumpChangedLocked()
	b.cond.Broadcast()
}

// Subscription is a pull handle over delivered events. Exactly one
// Subscription is active per Bus at a time; a new Subscribe call detaches
// the previous one.
type Subscription struct {
	bus *Bus
	sub *subscription
}

type subscription struct {
	ch       chan events.Event
	detached chan struct{}
	once     sync.Once
}

func newSubscription() *subscription {
	return &subscription{ch: make(chan events.Event), detached: make(chan struct{})}
}

func (s *subscription) detach() { s.once.Do(func() { close(s.detached) }) }

// Events returns the channel to range over for delivered events. The
// channel closes when the subscription is detached or the bus closes.
func (s *Subscription) Events() <-chan events.Event { return s.sub.ch }

// Close detaches this subscription early (e.g., the HTTP client
// disconnected). Idempotent.
func (s *Subscription) Close() {
	s.sub.detach()
	s.bus.mu.Lock()
	if s.bus.sub == s.sub {
		s.bus.sub = nil
	}
	s.bus.cond.Broadcast()
	s.bus.mu.Unlock()
}

// Subscribe attaches a new sole consumer to the bus, detaching any
// previous subscriber first; the pump goroutine closes its channel.
// Delivery resumes from the earliest still-buffered event -- no
// already-delivered event is replayed.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sub != nil {
		b.sub.detach()
	}
	sub := newSubscription()
	b.sub = sub
	b.cond.Broadcast()
	return &Subscription{bus: b, sub: sub}
}
