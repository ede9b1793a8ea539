package events

import (
	"sync"
	"testing"
	"time"
)

func TestPublishDeliversToTypeAndAllSubscribers(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	var typed, all []Event
	done := make(chan struct{}, 2)

	bus.Subscribe(EventOrderFilled, func(e Event) {
		mu.Lock()
		typed = append(typed, e)
		mu.Unlock()
		done <- struct{}{}
	})
	bus.SubscribeAll(func(e Event) {
		mu.Lock()
		all = append(all, e)
		mu.Unlock()
		done <- struct{}{}
	})

	bus.PublishOrderFilled("sig-1", "ord-1", "SPY", 1.05, 2)

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("subscriber not invoked")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(typed) != 1 || len(all) != 1 {
		t.Fatalf("typed=%d all=%d, want 1 each", len(typed), len(all))
	}
	if typed[0].SignalID != "sig-1" {
		t.Errorf("signal id = %q", typed[0].SignalID)
	}
	if typed[0].Timestamp.IsZero() {
		t.Error("publish must stamp the event")
	}
}

func TestRecentReturnsNewestFirst(t *testing.T) {
	bus := NewBus()
	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: EventSignalReceived, SignalID: string(rune('a' + i))})
	}

	recent := bus.Recent(3)
	if len(recent) != 3 {
		t.Fatalf("got %d events, want 3", len(recent))
	}
	if recent[0].SignalID != "e" || recent[2].SignalID != "c" {
		t.Errorf("order wrong: %q, %q", recent[0].SignalID, recent[2].SignalID)
	}
}

func TestRecentWrapsRing(t *testing.T) {
	bus := NewBus()
	for i := 0; i < recentBufferSize+10; i++ {
		bus.Publish(Event{Type: EventError})
	}
	if got := len(bus.Recent(0)); got != recentBufferSize {
		t.Errorf("buffer holds %d, want %d", got, recentBufferSize)
	}
}
