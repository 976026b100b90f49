// Package events keeps a bounded, sequenced history of scheduler
// notifications for pollers.
package events

import (
	"context"
	"sync"
	"time"

	"renderq/internal/queue"
)

// Event is one sequenced notification.
type Event struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	queue.Notification
}

// Bus stores recent events and provides incremental reads. It implements
// queue.Observer.
type Bus struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event
	changed   chan struct{}
}

// NewBus creates a bounded in-memory event buffer.
func NewBus(maxEvents int) *Bus {
	if maxEvents <= 0 {
		maxEvents = 500
	}
	return &Bus{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
		changed:   make(chan struct{}),
	}
}

// Notify publishes a scheduler notification.
func (b *Bus) Notify(n queue.Notification) {
	b.Publish(Event{Notification: n})
}

// Publish appends one event and assigns its sequence and timestamp.
func (b *Bus) Publish(event Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = event.At.UTC()
		if event.At.IsZero() {
			event.Timestamp = time.Now().UTC()
		}
	}

	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}
	close(b.changed)
	b.changed = make(chan struct{})
	return event
}

// Since returns events with sequence strictly greater than seq.
func (b *Bus) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.since(seq)
}

func (b *Bus) since(seq int64) []Event {
	if len(b.events) == 0 {
		return nil
	}
	out := make([]Event, 0, len(b.events))
	for _, event := range b.events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

// Wait blocks until events newer than seq exist or ctx is done. On
// cancellation it returns whatever is available, possibly nothing.
func (b *Bus) Wait(ctx context.Context, seq int64) []Event {
	for {
		b.mu.RLock()
		out := b.since(seq)
		changed := b.changed
		b.mu.RUnlock()
		if len(out) > 0 {
			return out
		}
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		}
	}
}

// Last returns the sequence of the newest event.
func (b *Bus) Last() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nextSeq
}
