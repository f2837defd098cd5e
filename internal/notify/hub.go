// Package notify fans state changes out to per-lobby subscribers.
package notify

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	EventSeatUpdate       = "seat_update"
	EventPaymentConfirmed = "payment_confirmed"
	EventRoundFinalized   = "round_finalized"
	EventPayoutSent       = "payout_sent"
	EventTimerTick        = "timer_tick"
	EventLobbyStatus      = "lobby_status"

	topicPrefix = "lobby:"

	// topicIdleTTL is how long a topic without subscribers keeps its replay buffer.
	topicIdleTTL = 10 * time.Minute
)

// Publisher publishes a named event to a lobby channel.
type Publisher interface {
	Publish(lobbyID, eventType string, payload any)
}

// Relay forwards locally published events to other instances.
type Relay interface {
	Forward(ev Event)
}

type Event struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	LobbyID  string `json:"lobby_id"`
	ServerTS int64  `json:"server_ts"`
	Payload  any    `json:"payload"`
}

func Topic(lobbyID string) string {
	return topicPrefix + lobbyID
}

// LobbyFromTopic parses "lobby:<id>".
func LobbyFromTopic(topic string) (string, bool) {
	if !strings.HasPrefix(topic, topicPrefix) {
		return "", false
	}
	id := strings.TrimSpace(strings.TrimPrefix(topic, topicPrefix))
	return id, id != ""
}

type topic struct {
	events   []Event
	watchers map[chan Event]struct{}
	touched  time.Time
}

// Hub keeps a bounded replay buffer per lobby and never blocks publishers on slow
// subscribers: a full subscriber channel drops the event. Event ids come from one
// hub-wide sequence so they stay increasing for a lobby whose idle topic was dropped.
type Hub struct {
	mu        sync.Mutex
	max       int
	seq       int64
	topics    map[string]*topic
	idleTTL   time.Duration
	lastSweep time.Time
	relay     Relay
	closed    bool
	now       func() time.Time
}

var _ Publisher = (*Hub)(nil)

func NewHub(max int) *Hub {
	if max <= 0 {
		max = 200
	}
	return &Hub{max: max, topics: map[string]*topic{}, idleTTL: topicIdleTTL, now: time.Now}
}

func (h *Hub) SetRelay(r Relay) {
	h.mu.Lock()
	h.relay = r
	h.mu.Unlock()
}

func (h *Hub) Publish(lobbyID, eventType string, payload any) {
	ev, relay, ok := h.append(lobbyID, eventType, payload, 0)
	if ok && relay != nil {
		relay.Forward(ev)
	}
}

// Deliver hands an event received from another instance to local subscribers only.
func (h *Hub) Deliver(ev Event) {
	h.append(ev.LobbyID, ev.Type, ev.Payload, ev.ServerTS)
}

func (h *Hub) append(lobbyID, eventType string, payload any, ts int64) (Event, Relay, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || lobbyID == "" {
		return Event{}, nil, false
	}
	now := h.now()
	t := h.topicLocked(lobbyID, now)
	t.touched = now
	h.seq++
	if ts == 0 {
		ts = now.UnixMilli()
	}
	ev := Event{
		ID:       strconv.FormatInt(h.seq, 10),
		Type:     eventType,
		LobbyID:  lobbyID,
		ServerTS: ts,
		Payload:  payload,
	}
	t.events = append(t.events, ev)
	if len(t.events) > h.max {
		t.events = t.events[len(t.events)-h.max:]
	}
	for ch := range t.watchers {
		select {
		case ch <- ev:
		default:
		}
	}
	return ev, h.relay, true
}

func (h *Hub) Subscribe(lobbyID string) chan Event {
	ch := make(chan Event, 32)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	now := h.now()
	t := h.topicLocked(lobbyID, now)
	t.touched = now
	t.watchers[ch] = struct{}{}
	return ch
}

func (h *Hub) Unsubscribe(lobbyID string, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[lobbyID]
	if !ok {
		return
	}
	if _, ok := t.watchers[ch]; ok {
		delete(t.watchers, ch)
		close(ch)
	}
	if len(t.watchers) == 0 {
		now := h.now()
		t.touched = now
		h.sweepLocked(now)
	}
}

// ReplayAfter returns buffered events for lobbyID with an id greater than lastID.
func (h *Hub) ReplayAfter(lobbyID, lastID string) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[lobbyID]
	if !ok || len(t.events) == 0 {
		return nil
	}
	last, err := strconv.ParseInt(lastID, 10, 64)
	if lastID == "" || err != nil {
		out := make([]Event, len(t.events))
		copy(out, t.events)
		return out
	}
	out := make([]Event, 0, len(t.events))
	for _, ev := range t.events {
		id, _ := strconv.ParseInt(ev.ID, 10, 64)
		if id > last {
			out = append(out, ev)
		}
	}
	return out
}

// Subscribers counts open subscriber channels across lobbies.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, t := range h.topics {
		n += len(t.watchers)
	}
	return n
}

func (h *Hub) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, t := range h.topics {
		for ch := range t.watchers {
			close(ch)
			delete(t.watchers, ch)
		}
	}
}

// Topics reports how many lobbies currently hold a topic.
func (h *Hub) Topics() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics)
}

func (h *Hub) topicLocked(lobbyID string, now time.Time) *topic {
	t, ok := h.topics[lobbyID]
	if !ok {
		h.sweepLocked(now)
		t = &topic{watchers: map[chan Event]struct{}{}, touched: now}
		h.topics[lobbyID] = t
	}
	return t
}

// sweepLocked drops topics that have had no subscribers and no events for idleTTL.
// It scans at most once per idleTTL.
func (h *Hub) sweepLocked(now time.Time) {
	if now.Sub(h.lastSweep) < h.idleTTL {
		return
	}
	h.lastSweep = now
	for id, t := range h.topics {
		if len(t.watchers) == 0 && now.Sub(t.touched) >= h.idleTTL {
			delete(h.topics, id)
		}
	}
}
