// Package events fans engine updates out to websocket subscribers. Delivery is
// best effort: a subscriber whose buffer is full misses the event.
package events

import (
	"sync"
)

const (
	TypePositions  = "positions"
	TypeSettlement = "settlement"
	TypeWallet     = "wallet"
)

type Event struct {
	Type string `json:"type"`
	// UserID scopes the event to one account. Empty means broadcast.
	UserID string `json:"-"`
	Data   any    `json:"data"`
}

// For reports whether evt should be delivered to userID.
func (evt Event) For(userID string) bool {
	return evt.UserID == "" || evt.UserID == userID
}

type Bus struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	buffer  int
	dropped func(eventType string)
}

func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{}), buffer: 100}
}

// OnDrop registers a callback invoked for every event a full subscriber misses.
func (b *Bus) OnDrop(fn func(eventType string)) {
	b.mu.Lock()
	b.dropped = fn
	b.mu.Unlock()
}

func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- evt:
		default:
			if b.dropped != nil {
				b.dropped(evt.Type)
			}
		}
	}
}
