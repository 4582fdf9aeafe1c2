package events

import (
	"context"
	"sync"

	"github.com/good-yellow-bee/alarmvault/internal/models"
)

// Recorder is an in-memory Emitter for tests and tools that do not need persistence.
type Recorder struct {
	mu     sync.Mutex
	nextID int64
	events []*models.SecurityEvent
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit records a copy of the event.
func (r *Recorder) Emit(_ context.Context, event *models.SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	event.ID = r.nextID
	if event.Severity == "" {
		event.Severity = models.SeverityLow
	}
	r.events = append(r.events, copyEvent(event))
	return nil
}

// Events returns all recorded events in order.
func (r *Recorder) Events() []*models.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.SecurityEvent, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns recorded events of the given type.
func (r *Recorder) OfType(t models.EventType) []*models.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.SecurityEvent
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many events of type t were recorded.
func (r *Recorder) Count(t models.EventType) int {
	return len(r.OfType(t))
}

// Last returns the most recent event, or nil.
func (r *Recorder) Last() *models.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

// Reset discards recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
