package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/good-yellow-bee/alarmvault/internal/models"
	"github.com/good-yellow-bee/alarmvault/internal/storage"
)

func TestBus_EmitPersistsAndPublishes(t *testing.T) {
	store := storage.NewMemoryStorage()
	bus := NewBus(store.Events())
	defer bus.Close()

	sub := bus.Subscribe(10)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e := &models.SecurityEvent{Type: models.EventAccessGranted, Component: models.ComponentAccess, UserID: "u1"}
		if err := bus.Emit(ctx, e); err != nil {
			t.Fatalf("emit: %v", err)
		}
		if e.ID != int64(i+1) {
			t.Errorf("id: got %d, want %d", e.ID, i+1)
		}
		if e.Timestamp.IsZero() || e.Severity != models.SeverityLow {
			t.Errorf("event should be stamped: %+v", e)
		}
	}

	for i := 0; i < 3; i++ {
		got := <-sub.C()
		if got.ID != int64(i+1) {
			t.Errorf("subscriber order: got %d, want %d", got.ID, i+1)
		}
	}

	persisted, _ := store.Events().Query(ctx, storage.EventFilter{})
	if len(persisted) != 3 {
		t.Errorf("persisted: got %d, want 3", len(persisted))
	}
}

func TestBus_DropsForSlowSubscriber(t *testing.T) {
	bus := NewBus(storage.NewMemoryStorage().Events())
	defer bus.Close()

	sub := bus.Subscribe(1)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := bus.Emit(ctx, &models.SecurityEvent{Type: models.EventRecordStored}); err != nil {
			t.Fatal(err)
		}
	}

	stats := bus.Stats()
	if stats.Emitted != 5 || stats.Dropped != 4 || sub.Dropped() != 4 {
		t.Errorf("stats: %+v", stats)
	}
	if len(sub.C()) != 1 {
		t.Errorf("buffered: got %d, want 1", len(sub.C()))
	}
}

func TestBus_QueueKeepsBurst(t *testing.T) {
	bus := NewBus(storage.NewMemoryStorage().Events())
	defer bus.Close()

	sub := bus.SubscribeQueue(0)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := bus.Emit(ctx, &models.SecurityEvent{Type: models.EventAccessDenied, UserID: "mallory"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := bus.Emit(ctx, &models.SecurityEvent{Type: models.EventRateLimitExceeded, UserID: "mallory"}); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 11; i++ {
		select {
		case e := <-sub.C():
			if e.ID != int64(i) {
				t.Fatalf("event %d has id %d", i, e.ID)
			}
			if i == 11 && e.Type != models.EventRateLimitExceeded {
				t.Errorf("last event: %s", e.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}
	if sub.Dropped() != 0 || bus.Stats().Dropped != 0 {
		t.Errorf("dropped: sub=%d bus=%d", sub.Dropped(), bus.Stats().Dropped)
	}
}

func TestBus_QueueOverflowIsCounted(t *testing.T) {
	bus := NewBus(storage.NewMemoryStorage().Events())
	defer bus.Close()

	// The pump holds one event while waiting for a reader, so a backlog of 3
	// accepts at most 4 before dropping.
	sub := bus.SubscribeQueue(3)
	for i := 0; i < 10; i++ {
		if err := bus.Emit(context.Background(), &models.SecurityEvent{Type: models.EventRecordStored}); err != nil {
			t.Fatal(err)
		}
	}
	if d := sub.Dropped(); d < 6 || d > 7 {
		t.Errorf("dropped = %d, want 6 or 7", d)
	}
	if bus.Stats().Dropped != sub.Dropped() {
		t.Errorf("bus dropped %d, sub dropped %d", bus.Stats().Dropped, sub.Dropped())
	}
}

func TestBus_CloseDrainsQueue(t *testing.T) {
	bus := NewBus(storage.NewMemoryStorage().Events())
	sub := bus.SubscribeQueue(0)
	for i := 0; i < 5; i++ {
		if err := bus.Emit(context.Background(), &models.SecurityEvent{Type: models.EventRecordStored}); err != nil {
			t.Fatal(err)
		}
	}
	bus.Close()

	n := 0
	for range sub.C() {
		n++
	}
	if n != 5 {
		t.Errorf("drained %d events, want 5", n)
	}
}

func TestBus_QueueCloseReleasesPump(t *testing.T) {
	bus := NewBus(storage.NewMemoryStorage().Events())
	defer bus.Close()
	sub := bus.SubscribeQueue(0)
	for i := 0; i < 3; i++ {
		_ = bus.Emit(context.Background(), &models.SecurityEvent{Type: models.EventRecordStored})
	}
	sub.Close()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.C():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription channel not closed")
		}
	}
}

func TestBus_SubscriberGetsCopies(t *testing.T) {
	bus := NewBus(storage.NewMemoryStorage().Events())
	defer bus.Close()
	sub := bus.Subscribe(1)

	e := &models.SecurityEvent{Type: models.EventAccessDenied, Details: map[string]string{"reason": "expired"}}
	if err := bus.Emit(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	e.Details["reason"] = "changed"

	got := <-sub.C()
	if got.Detail("reason") != "expired" {
		t.Error("subscribers must not share event maps with emitters")
	}
}

func TestBus_Close(t *testing.T) {
	bus := NewBus(storage.NewMemoryStorage().Events())
	sub := bus.Subscribe(1)

	bus.Close()
	bus.Close()

	if _, ok := <-sub.C(); ok {
		t.Error("subscription channel should be closed")
	}
	if err := bus.Emit(context.Background(), &models.SecurityEvent{}); !errors.Is(err, ErrClosed) {
		t.Errorf("emit after close: got %v", err)
	}
	late := bus.Subscribe(1)
	if _, ok := <-late.C(); ok {
		t.Error("subscribing after close returns a closed channel")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(storage.NewMemoryStorage().Events())
	defer bus.Close()

	sub := bus.Subscribe(1)
	sub.Close()
	sub.Close()
	if bus.Stats().Subscribers != 0 {
		t.Error("subscriber should be removed")
	}
	if err := bus.Emit(context.Background(), &models.SecurityEvent{}); err != nil {
		t.Fatal(err)
	}
}

func TestBus_ConcurrentEmitOrdered(t *testing.T) {
	bus := NewBus(storage.NewMemoryStorage().Events())
	defer bus.Close()
	sub := bus.Subscribe(1000)

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = bus.Emit(context.Background(), &models.SecurityEvent{Type: models.EventAccessGranted})
			}
		}()
	}
	wg.Wait()

	var last int64
	for i := 0; i < 500; i++ {
		e := <-sub.C()
		if e.ID <= last {
			t.Fatalf("out of order: %d after %d", e.ID, last)
		}
		last = e.ID
	}
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()
	_ = r.Emit(ctx, &models.SecurityEvent{Type: models.EventAccessDenied})
	_ = r.Emit(ctx, &models.SecurityEvent{Type: models.EventAccessGranted})
	_ = r.Emit(ctx, &models.SecurityEvent{Type: models.EventAccessDenied})

	if r.Count(models.EventAccessDenied) != 2 {
		t.Errorf("count: got %d", r.Count(models.EventAccessDenied))
	}
	if r.Last().ID != 3 {
		t.Errorf("last id: got %d", r.Last().ID)
	}
	r.Reset()
	if len(r.Events()) != 0 || r.Last() != nil {
		t.Error("reset should clear events")
	}
}
