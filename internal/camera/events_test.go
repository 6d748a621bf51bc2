package camera

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestBus_deliversInOrderPerConsumer(t *testing.T) {
	b := NewBus(testLogger())
	defer b.Close()

	var mu sync.Mutex
	var got []string
	b.AddCallback(func(_ context.Context, ev Event) {
		mu.Lock()
		got = append(got, ev.Path)
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		b.Publish(Event{Path: "/dev/video" + string(rune('0'+i)), Kind: EventAdded})
	}
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 5 {
		t.Fatalf("expected 5 events, got %d", len(got))
	}
	for i, p := range got {
		want := "/dev/video" + string(rune('0'+i))
		if p != want {
			t.Fatalf("event %d: got %s want %s", i, p, want)
		}
	}
}

func TestBus_panickingConsumerIsIsolated(t *testing.T) {
	b := NewBus(testLogger())

	b.AddCallback(func(_ context.Context, _ Event) {
		panic("consumer bug")
	})

	done := make(chan Event, 1)
	b.AddCallback(func(_ context.Context, ev Event) {
		done <- ev
	})

	b.Publish(Event{Path: "/dev/video0", Kind: EventAdded})

	select {
	case ev := <-done:
		if ev.Path != "/dev/video0" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("healthy consumer never received the event")
	}
	b.Close()
}

func TestBus_slowConsumerDoesNotBlockPublish(t *testing.T) {
	b := NewBus(testLogger())
	defer b.Close()

	block := make(chan struct{})
	b.AddCallback(func(_ context.Context, _ Event) {
		<-block
	})

	// Fill the consumer queue well past its capacity; Publish must return
	// promptly every time.
	start := time.Now()
	for i := 0; i < consumerQueueSize*2; i++ {
		b.Publish(Event{Path: "/dev/video0", Kind: EventUpdated})
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Publish blocked on a slow consumer: %v", elapsed)
	}
	close(block)
}

func TestBus_closeIsIdempotent(t *testing.T) {
	b := NewBus(testLogger())
	b.AddCallback(func(_ context.Context, _ Event) {})
	b.Close()
	b.Close()

	// Publishing after close is a silent no-op.
	b.Publish(Event{Path: "/dev/video0"})
}

type recordingHandler struct {
	mu     sync.Mutex
	events []Event
}

func (h *recordingHandler) HandleCameraEvent(_ context.Context, ev Event) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
}

func TestBus_addHandler(t *testing.T) {
	b := NewBus(testLogger())
	h := &recordingHandler{}
	b.AddHandler(h)

	b.Publish(Event{Path: "/dev/video1", Kind: EventRemoved})
	b.Close()

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.events) != 1 || h.events[0].Kind != EventRemoved {
		t.Fatalf("unexpected events %+v", h.events)
	}
}
