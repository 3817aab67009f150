// Package fanout broadcasts accepted journal events to live subscribers.
// Delivery is at-most-once and best-effort: no persistence, no replay. A
// client that connects late catches up through the poll/state endpoints.
package fanout

import (
	"encoding/json"
	"sync"
)

// subscriberBuffer bounds how far a reader may fall behind before it is
// dropped. A slow reader must never block the broadcaster.
const subscriberBuffer = 64

type Subscriber struct {
	ch     chan []byte
	closed sync.Once
}

// Events yields serialized frames for this subscriber. The channel closes
// when the subscriber is removed from the registry.
func (s *Subscriber) Events() <-chan []byte {
	return s.ch
}

func (s *Subscriber) close() {
	s.closed.Do(func() { close(s.ch) })
}

type Registry struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

func New() *Registry {
	return &Registry{subs: make(map[*Subscriber]struct{})}
}

func (r *Registry) Subscribe() *Subscriber {
	sub := &Subscriber{ch: make(chan []byte, subscriberBuffer)}
	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber and closes its channel. Idempotent;
// called on connection close and again by deferred cleanup.
func (r *Registry) Unsubscribe(sub *Subscriber) {
	r.mu.Lock()
	_, present := r.subs[sub]
	delete(r.subs, sub)
	r.mu.Unlock()
	if present {
		sub.close()
	}
}

// Broadcast serializes the event once and hands it to every subscriber.
// A subscriber whose buffer is full is dropped on the spot so the rest
// still receive the frame. Returns the number of deliveries.
func (r *Registry) Broadcast(event any) int {
	msg, err := json.Marshal(event)
	if err != nil {
		return 0
	}

	r.mu.Lock()
	var dead []*Subscriber
	delivered := 0
	for sub := range r.subs {
		select {
		case sub.ch <- msg:
			delivered++
		default:
			dead = append(dead, sub)
		}
	}
	for _, sub := range dead {
		delete(r.subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range dead {
		sub.close()
	}
	return delivered
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
