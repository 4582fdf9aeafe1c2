// Package events carries security events from the components that observe them
// to the append-only event log and to in-process subscribers.
package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/good-yellow-bee/alarmvault/internal/metrics"
	"github.com/good-yellow-bee/alarmvault/internal/models"
	"github.com/good-yellow-bee/alarmvault/internal/storage"
)

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("event bus closed")

// Emitter records security events. Every component reports through one.
type Emitter interface {
	Emit(ctx context.Context, event *models.SecurityEvent) error
}

// Bus persists each event to the event log, then fans it out to subscribers.
// Emitters never block on a subscriber. A buffered subscriber that falls
// behind loses events; a queued subscriber only loses them past its backlog cap.
type Bus struct {
	repo storage.EventRepository
	now  func() time.Time

	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int

	emitted atomic.Uint64
	dropped atomic.Uint64
	closed  atomic.Bool
}

// DefaultMaxBacklog caps a queued subscription.
const DefaultMaxBacklog = 1 << 16

// Subscription receives events in log order.
type Subscription struct {
	id    int
	ch    chan *models.SecurityEvent
	bus   *Bus
	queue *eventQueue

	dropped atomic.Uint64
}

// Dropped returns how many events this subscriber has lost.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) deliver(e *models.SecurityEvent) bool {
	if s.queue != nil {
		return s.queue.push(e)
	}
	select {
	case s.ch <- e:
		return true
	default:
		return false
	}
}

// end stops delivery. A queued subscription still hands over its backlog
// when drain is set.
func (s *Subscription) end(drain bool) {
	if s.queue == nil {
		close(s.ch)
		return
	}
	s.queue.close(drain)
}

// C returns the receive channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan *models.SecurityEvent {
	return s.ch
}

// Close ends the subscription and discards anything still queued for it.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
	if s.queue != nil {
		s.queue.close(false)
	}
}

// BusStats reports bus counters.
type BusStats struct {
	Emitted     uint64 `json:"emitted"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
}

// NewBus creates a bus writing to repo.
func NewBus(repo storage.EventRepository) *Bus {
	return &Bus{
		repo: repo,
		now:  time.Now,
		subs: make(map[int]*Subscription),
	}
}

// Emit stamps, persists and publishes an event. The event's ID is set on return.
func (b *Bus) Emit(ctx context.Context, event *models.SecurityEvent) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now().UTC()
	}
	if event.Severity == "" {
		event.Severity = models.SeverityLow
	}

	// Holding the lock across append and fan-out keeps subscriber order equal to id order.
	b.mu.Lock()
	defer b.mu.Unlock()

	// Audit writes outlive the caller's cancellation.
	if err := b.repo.Append(context.WithoutCancel(ctx), event); err != nil {
		return err
	}
	b.emitted.Add(1)
	metrics.EventsEmitted.WithLabelValues(string(event.Type)).Inc()

	for _, sub := range b.subs {
		if !sub.deliver(copyEvent(event)) {
			sub.dropped.Add(1)
			b.dropped.Add(1)
			metrics.EventsDropped.Inc()
		}
	}
	return nil
}

// Subscribe registers a subscriber with the given channel buffer.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 256
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{id: b.nextID, ch: make(chan *models.SecurityEvent, buffer), bus: b}
	if b.closed.Load() {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// SubscribeQueue registers a subscriber backed by a growable queue. Events
// are dropped only while maxBacklog of them are waiting.
func (b *Bus) SubscribeQueue(maxBacklog int) *Subscription {
	if maxBacklog <= 0 {
		maxBacklog = DefaultMaxBacklog
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{id: b.nextID, ch: make(chan *models.SecurityEvent), bus: b}
	if b.closed.Load() {
		close(sub.ch)
		return sub
	}
	sub.queue = newEventQueue(maxBacklog, sub.ch)
	go sub.queue.pump()
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		sub.end(false)
	}
}

// Stats returns bus counters.
func (b *Bus) Stats() BusStats {
	b.mu.Lock()
	n := len(b.subs)
	b.mu.Unlock()
	return BusStats{
		Emitted:     b.emitted.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: n,
	}
}

// Close stops accepting events and closes all subscriptions.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.end(true)
	}
}

func copyEvent(e *models.SecurityEvent) *models.SecurityEvent {
	cp := *e
	if e.Details != nil {
		cp.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			cp.Details[k] = v
		}
	}
	return &cp
}
