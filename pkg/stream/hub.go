package stream

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published by the attribution core for the live admin UI.
const (
	TypeSessionCreated = "session_created"
	TypeSessionPurged  = "session_purged"
	TypeBlocked        = "blocked"
	TypeDecision       = "decision"
)

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// SessionEvent describes a session lifecycle change. Only the short id
// crosses this boundary; full session ids stay out of the event stream.
type SessionEvent struct {
	ShortID  string `json:"shortId"`
	DeviceID string `json:"deviceId,omitempty"`
}

// BlockedEvent describes one blocked ad or tracker attribution.
type BlockedEvent struct {
	SessionShortID string `json:"sessionShortId"`
	Origin         string `json:"origin"`
	Kind           string `json:"kind"`
	ItemID         string `json:"itemId"`
}

// DecisionEvent describes a redirect-decision outcome for one domain.
type DecisionEvent struct {
	SessionShortID string `json:"sessionShortId"`
	Domain         string `json:"domain"`
	Decision       string `json:"decision"`
}

// Hub fans events out to subscribers. Slow subscribers drop events
// rather than block publishers.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(evt Event) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
