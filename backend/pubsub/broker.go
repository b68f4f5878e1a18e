package pubsub

import (
	"errors"
	"sync"
)

const defaultSubscriberBuffer = 8

var ErrClosed = errors.New("broker is closed")

// Event is a wake-up hint: it carries no envelope data.
type Event struct {
	To   string `json:"to"`
	From string `json:"from"`
}

// Broker is an in-process topic fan-out. Slow subscribers lose events
// instead of blocking publishers.
type Broker struct {
	mx     sync.RWMutex
	subs   map[string]map[chan Event]struct{}
	closed bool
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan Event]struct{})}
}

func Topic(roomID, memberID string) string {
	return roomID + "/" + memberID
}

// Publish returns the number of subscribers that got the event.
func (b *Broker) Publish(topic string, ev Event) (int, error) {
	b.mx.RLock()
	defer b.mx.RUnlock()
	if b.closed {
		return 0, ErrClosed
	}
	var n int
	for ch := range b.subs[topic] {
		select {
		case ch <- ev:
			n++
		default:
		}
	}
	return n, nil
}

// Subscribe returns a channel of events for topic and a cancel func that
// must be called to release it.
func (b *Broker) Subscribe(topic string) (<-chan Event, func()) {
	ch := make(chan Event, defaultSubscriberBuffer)

	b.mx.Lock()
	if b.closed {
		b.mx.Unlock()
		close(ch)
		return ch, func() {}
	}
	set, ok := b.subs[topic]
	if !ok {
		set = make(map[chan Event]struct{})
		b.subs[topic] = set
	}
	set[ch] = struct{}{}
	b.mx.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mx.Lock()
			defer b.mx.Unlock()
			if set, ok := b.subs[topic]; ok {
				if _, ok := set[ch]; ok {
					delete(set, ch)
					close(ch)
				}
				if len(set) == 0 {
					delete(b.subs, topic)
				}
			}
		})
	}
}

// Close ends every subscription.
func (b *Broker) Close() {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, set := range b.subs {
		for ch := range set {
			close(ch)
		}
		delete(b.subs, topic)
	}
}
