package monitoring

import (
	"sync"
	"time"

	"github.com/good-yellow-bee/alarmvault/internal/models"
)

// counterSlots is the number of one-minute slots in the rolling hour.
const counterSlots = 60

// Counters are event counts over the rolling hour, plus the all-time total.
type Counters struct {
	Total       int64            `json:"total"`
	LastHour    int64            `json:"last_hour"`
	BySeverity  map[string]int64 `json:"by_severity"`
	ByComponent map[string]int64 `json:"by_component"`
	ByType      map[string]int64 `json:"by_type"`
	ByUser      map[string]int64 `json:"by_user"`
}

type slot struct {
	minute      int64
	count       int64
	bySeverity  map[string]int64
	byComponent map[string]int64
	byType      map[string]int64
	byUser      map[string]int64
}

func (s *slot) reset(minute int64) {
	s.minute = minute
	s.count = 0
	s.bySeverity = make(map[string]int64)
	s.byComponent = make(map[string]int64)
	s.byType = make(map[string]int64)
	s.byUser = make(map[string]int64)
}

type rollingCounters struct {
	mu    sync.Mutex
	total int64
	slots [counterSlots]slot
}

func (c *rollingCounters) observe(e *models.SecurityEvent, now time.Time) {
	minute := now.Unix() / 60

	c.mu.Lock()
	defer c.mu.Unlock()

	c.total++
	s := &c.slots[minute%counterSlots]
	if s.minute != minute || s.bySeverity == nil {
		s.reset(minute)
	}
	s.count++
	s.bySeverity[string(e.Severity)]++
	s.byComponent[string(e.Component)]++
	s.byType[string(e.Type)]++
	if e.UserID != "" {
		s.byUser[e.UserID]++
	}
}

func (c *rollingCounters) snapshot(now time.Time) Counters {
	minute := now.Unix() / 60
	out := Counters{
		BySeverity:  make(map[string]int64),
		ByComponent: make(map[string]int64),
		ByType:      make(map[string]int64),
		ByUser:      make(map[string]int64),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	out.Total = c.total
	for i := range c.slots {
		s := &c.slots[i]
		if s.bySeverity == nil || minute-s.minute >= counterSlots || s.minute > minute {
			continue
		}
		out.LastHour += s.count
		merge(out.BySeverity, s.bySeverity)
		merge(out.ByComponent, s.byComponent)
		merge(out.ByType, s.byType)
		merge(out.ByUser, s.byUser)
	}
	return out
}

func merge(dst, src map[string]int64) {
	for k, v := range src {
		dst[k] += v
	}
}
