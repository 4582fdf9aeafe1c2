package monitoring

import (
	"sync"
	"time"

	"github.com/good-yellow-bee/alarmvault/internal/models"
)

type entry struct {
	at  time.Time
	typ models.EventType
	id  int64
}

// maxWindowEntries bounds one window; the oldest half is dropped beyond it.
const maxWindowEntries = 10000

// slidingWindow keeps the events of one signature group inside a time window.
type slidingWindow struct {
	mu      sync.Mutex
	window  time.Duration
	entries []entry
}

func newSlidingWindow(window time.Duration) *slidingWindow {
	return &slidingWindow{window: window, entries: make([]entry, 0, 8)}
}

// add records an event and returns the entries still inside the window, oldest first.
func (w *slidingWindow) add(e entry) []entry {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(e.at)
	w.entries = append(w.entries, e)
	if len(w.entries) > maxWindowEntries {
		w.entries = w.entries[len(w.entries)/2:]
	}
	out := make([]entry, len(w.entries))
	copy(out, w.entries)
	return out
}

func (w *slidingWindow) countAt(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	return len(w.entries)
}

// pruneLocked drops entries older than the window. Must be called with lock held.
func (w *slidingWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.window)

	left, right := 0, len(w.entries)
	for left < right {
		mid := (left + right) / 2
		if w.entries[mid].at.Before(cutoff) {
			left = mid + 1
		} else {
			right = mid
		}
	}
	if left > 0 {
		w.entries = w.entries[left:]
	}
}

func (w *slidingWindow) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = w.entries[:0]
}

// windowManager holds one window per signature and group.
type windowManager struct {
	mu      sync.Mutex
	windows map[string]*slidingWindow
}

func newWindowManager() *windowManager {
	return &windowManager{windows: make(map[string]*slidingWindow)}
}

func windowKey(signature, group string) string {
	return signature + "\x00" + group
}

func (wm *windowManager) getOrCreate(key string, window time.Duration) *slidingWindow {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	if w, ok := wm.windows[key]; ok {
		return w
	}
	w := newSlidingWindow(window)
	wm.windows[key] = w
	return w
}

func (wm *windowManager) reset(key string) {
	wm.mu.Lock()
	w := wm.windows[key]
	wm.mu.Unlock()
	if w != nil {
		w.reset()
	}
}

func (wm *windowManager) deleteAll() {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	wm.windows = make(map[string]*slidingWindow)
}

// sweep drops windows with no entries left at now and returns how many were removed.
func (wm *windowManager) sweep(now time.Time) int {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	removed := 0
	for k, w := range wm.windows {
		if w.countAt(now) == 0 {
			delete(wm.windows, k)
			removed++
		}
	}
	return removed
}

func (wm *windowManager) size() int {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	return len(wm.windows)
}

// cooldownManager suppresses repeat alerts per signature and group.
type cooldownManager struct {
	mu        sync.Mutex
	cooldowns map[string]time.Time
}

func newCooldownManager() *cooldownManager {
	return &cooldownManager{cooldowns: make(map[string]time.Time)}
}

func (cm *cooldownManager) active(key string, now time.Time) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	until, ok := cm.cooldowns[key]
	if !ok {
		return false
	}
	if !now.Before(until) {
		delete(cm.cooldowns, key)
		return false
	}
	return true
}

func (cm *cooldownManager) set(key string, d time.Duration, now time.Time) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.cooldowns[key] = now.Add(d)
}

func (cm *cooldownManager) clearAll() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.cooldowns = make(map[string]time.Time)
}
