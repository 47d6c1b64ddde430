// Package eventbus fans panel updates out to in-process subscribers.
package eventbus

import (
	"sync"
	"time"

	"github.com/jxucoder/muse/model"
)

// All subscribes to every topic.
const All = "*"

const bufferSize = 64

// Bus provides pub/sub for panel events keyed by topic (a session or task id).
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]chan *model.Event
}

// New creates a Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[string][]chan *model.Event),
	}
}

// Subscribe returns a channel receiving events for topic, or for every
// topic when topic is All.
func (b *Bus) Subscribe(topic string) chan *model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *model.Event, bufferSize)
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// Unsubscribe removes ch and closes it.
func (b *Bus) Unsubscribe(topic string, ch chan *model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[topic]
	for i, s := range subs {
		if s == ch {
			b.subs[topic] = append(subs[:i], subs[i+1:]...)
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
			close(ch)
			return
		}
	}
}

// Publish delivers ev to the topic's subscribers and to All subscribers.
// It never blocks: a subscriber whose buffer is full misses the event.
func (b *Bus) Publish(ev *model.Event) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[ev.Topic] {
		send(ch, ev)
	}
	if ev.Topic != All {
		for _, ch := range b.subs[All] {
			send(ch, ev)
		}
	}
}

// Emit is a shorthand for publishing a new event.
func (b *Bus) Emit(topic, typ, data string) {
	b.Publish(&model.Event{Topic: topic, Type: typ, Data: data})
}

// Subscribers returns the number of subscribers on topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func send(ch chan *model.Event, ev *model.Event) {
	select {
	case ch <- ev:
	default:
		// Drop event if subscriber is too slow.
	}
}
