package testutil

import "sync"

// Published is one captured notification.
type Published struct {
	LobbyID string
	Type    string
	Payload any
}

// Recorder is a notify.Publisher that keeps every published event.
type Recorder struct {
	mu     sync.Mutex
	events []Published
}

func (r *Recorder) Publish(lobbyID, eventType string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Published{LobbyID: lobbyID, Type: eventType, Payload: payload})
}

func (r *Recorder) Events() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Published(nil), r.events...)
}

// Count returns how many events of eventType were published.
func (r *Recorder) Count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
