package events

import (
	"sync"

	"github.com/good-yellow-bee/alarmvault/internal/models"
)

// eventQueue decouples a queued subscriber from emitters. push never blocks;
// pump moves events to the subscriber channel in order.
type eventQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []*models.SecurityEvent
	limit   int
	closed  bool
	out     chan<- *models.SecurityEvent
	abandon chan struct{}
	once    sync.Once
}

func newEventQueue(limit int, out chan<- *models.SecurityEvent) *eventQueue {
	q := &eventQueue{limit: limit, out: out, abandon: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *eventQueue) push(e *models.SecurityEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.items) >= q.limit {
		return false
	}
	q.items = append(q.items, e)
	q.cond.Signal()
	return true
}

// close stops further pushes. Without drain the backlog is discarded and
// a blocked pump gives up.
func (q *eventQueue) close(drain bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	if !drain {
		q.items = nil
		q.once.Do(func() { close(q.abandon) })
	}
	q.cond.Broadcast()
}

func (q *eventQueue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		e := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- e:
		case <-q.abandon:
			return
		}
	}
}
