// Package notifier forwards security alerts to external channels.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/good-yellow-bee/alarmvault/internal/metrics"
	"github.com/good-yellow-bee/alarmvault/internal/models"
)

// sendTimeout bounds one alert delivery across all notifiers.
const sendTimeout = 30 * time.Second

// Notifier is the interface for all notification channels.
type Notifier interface {
	// Name returns the notifier name (e.g., "slack", "teams").
	Name() string
	// Send delivers an alert notification.
	Send(ctx context.Context, alert *models.Alert) error
	// Close releases any resources.
	Close() error
}

// ErrRateLimited is returned when a notification is dropped due to rate limiting.
var ErrRateLimited = errors.New("notification rate limited")

// ErrBelowThreshold is returned when an alert is less severe than the dispatcher minimum.
var ErrBelowThreshold = errors.New("alert below notification severity")

// Dispatcher routes alerts at or above a minimum severity to every registered notifier.
type Dispatcher struct {
	mu          sync.RWMutex
	notifiers   map[string]Notifier
	rateLimiter *RateLimiter
	minSeverity models.Severity
}

// NewDispatcher creates a dispatcher. An empty minSeverity forwards everything.
func NewDispatcher(minSeverity models.Severity, config RateLimitConfig) *Dispatcher {
	if minSeverity == "" {
		minSeverity = models.SeverityLow
	}
	return &Dispatcher{
		notifiers:   make(map[string]Notifier),
		rateLimiter: NewRateLimiter(config),
		minSeverity: minSeverity,
	}
}

// Register adds a notifier to the dispatcher.
func (d *Dispatcher) Register(n Notifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifiers[n.Name()] = n
}

// Unregister removes a notifier from the dispatcher.
func (d *Dispatcher) Unregister(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.notifiers, name)
}

// Get returns a notifier by name.
func (d *Dispatcher) Get(name string) (Notifier, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.notifiers[name]
	return n, ok
}

// Len returns the number of registered notifiers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.notifiers)
}

// MinSeverity returns the forwarding threshold.
func (d *Dispatcher) MinSeverity() models.Severity {
	return d.minSeverity
}

// Dispatch sends an alert to all registered notifiers. When every notifier
// fails, or none is registered, the rate-limit token is refunded.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *models.Alert) error {
	if !alert.Severity.AtLeast(d.minSeverity) {
		return ErrBelowThreshold
	}
	if !d.rateLimiter.Allow() {
		metrics.NotificationsSent.WithLabelValues("all", "rate_limited").Inc()
		return ErrRateLimited
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	var errs []error
	sent := 0
	for name, n := range d.notifiers {
		if err := n.Send(ctx, alert); err != nil {
			metrics.NotificationsSent.WithLabelValues(name, "error").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		metrics.NotificationsSent.WithLabelValues(name, "ok").Inc()
		sent++
	}
	if sent == 0 {
		d.rateLimiter.Release()
	}
	return errors.Join(errs...)
}

// Run dispatches alerts from in until ctx is done or in is closed.
func (d *Dispatcher) Run(ctx context.Context, in <-chan *models.Alert) {
	for {
		select {
		case <-ctx.Done():
			return
		case alert, ok := <-in:
			if !ok {
				return
			}
			sctx, cancel := context.WithTimeout(ctx, sendTimeout)
			err := d.Dispatch(sctx, alert)
			cancel()
			switch {
			case err == nil, errors.Is(err, ErrBelowThreshold):
			case errors.Is(err, ErrRateLimited):
				log.Printf("notifier: alert %s dropped: rate limited", alert.ID)
			default:
				log.Printf("notifier: alert %s: %v", alert.ID, err)
			}
		}
	}
}

// RateLimitStats returns the rate limiter statistics.
func (d *Dispatcher) RateLimitStats() RateLimitStats {
	return d.rateLimiter.Stats()
}

// Close closes all registered notifiers.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for name, n := range d.notifiers {
		if err := n.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	d.notifiers = make(map[string]Notifier)
	return errors.Join(errs...)
}
