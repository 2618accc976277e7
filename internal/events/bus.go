package events

import (
	"sync"
	"time"
)

// Message is what subscribers receive.
type Message struct {
	Topic   Event     `json:"topic"`
	Payload any       `json:"payload"`
	Time    time.Time `json:"time"`
}

type subscriber struct {
	ch     chan Message
	topics map[Event]bool
}

// Bus is a lightweight pub/sub broker using channels.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a listener for the given topics (all topics when none
// are named) and returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(buffer int, topics ...Event) (<-chan Message, func()) {
	s := &subscriber{ch: make(chan Message, buffer)}
	if len(topics) > 0 {
		s.topics = make(map[Event]bool, len(topics))
		for _, t := range topics {
			s.topics[t] = true
		}
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, s)
			close(s.ch)
		})
	}
	return s.ch, unsub
}

// Publish fans the payload out without blocking; slow subscribers miss messages.
func (b *Bus) Publish(e Event, payload any) {
	if b == nil {
		return
	}
	msg := Message{Topic: e, Payload: payload, Time: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.topics != nil && !s.topics[e] {
			continue
		}
		select {
		case s.ch <- msg:
		default:
		}
	}
}
