/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	// Per-source playback events emitted by the device mixer.
	EventSourceProgress EventType = "source.progress"
	EventSourceFinished EventType = "source.finished"
	EventSourceStarted  EventType = "source.started"

	// Mix lifecycle events.
	EventMixPlanned   EventType = "mix.planned"
	EventMixTriggered EventType = "mix.triggered"
	EventMixDegraded  EventType = "mix.degraded"

	// Preload events.
	EventPreloadReady     EventType = "preload.ready"
	EventPreloadDiscarded EventType = "preload.discarded"

	// Control-plane refresh requests marshaled back from mix workers.
	EventPlaybackRefresh EventType = "playback.refresh"
)

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// Bus implements a simple in-process pubsub.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, 8)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers. Delivery is non-blocking: a slow
// subscriber drops events rather than stalling the publisher, which may be
// running close to the mixer render loop.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[eventType]...)
	b.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.subs[eventType] = subs
	close(sub)
}
