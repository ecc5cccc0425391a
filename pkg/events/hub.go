package events

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
)

const subscriberBuffer = 32

// EventHub fans events out to subscribers. A nil *EventHub drops everything,
// so callers never need to check whether one is configured.
type EventHub struct {
	mu   sync.RWMutex
	seq  uint64
	subs map[chan Event]struct{}
}

func NewEventHub() *EventHub { return &EventHub{subs: make(map[chan Event]struct{})} }

// Subscribe returns a channel receiving every event published from now on.
func (h *EventHub) Subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe closes ch. It is safe to call twice.
func (h *EventHub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// Len returns the number of subscribers.
func (h *EventHub) Len() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish marshals payload and sends it to every subscriber without blocking.
// Slow subscribers miss events.
func (h *EventHub) Publish(name string, payload any) {
	if h == nil {
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		logrus.WithField("event", name).Warnf("failed to marshal event payload: %v", err)
		return
	}

	// Write lock: IDs must reach every subscriber in order.
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	msg := Event{ID: h.seq, Name: name, Data: b}
	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
			logrus.WithField("event", name).Debug("dropping event for slow subscriber")
		}
	}
}
