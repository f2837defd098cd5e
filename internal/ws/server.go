// Package ws serves the lobby event stream over websockets.
package ws

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"tonrody/internal/metrics"
	"tonrody/internal/notify"
)

const (
	DefaultPingInterval = 30 * time.Second
	writeWait           = 10 * time.Second
	maxMessageBytes     = 4 << 10
	sendBuffer          = 64
)

type Server struct {
	hub          *notify.Hub
	upgrader     websocket.Upgrader
	pingInterval time.Duration

	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewServer(hub *notify.Hub, pingInterval time.Duration) *Server {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	return &Server{
		hub:          hub,
		upgrader:     websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		pingInterval: pingInterval,
		clients:      map[*client]struct{}{},
	}
}

type client struct {
	conn *websocket.Conn
	send chan ServerMessage
	done chan struct{}

	mu   sync.Mutex
	subs map[string]chan notify.Event
}

func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("ws upgrade failed")
		return
	}
	c := &client{conn: conn, send: make(chan ServerMessage, sendBuffer), done: make(chan struct{}), subs: map[string]chan notify.Event{}}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	metrics.WSConnectionsActive.Inc()

	go s.writeLoop(c)
	s.readLoop(c)
}

// Connections reports open websocket clients.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Healthy reports whether events can still be delivered.
func (s *Server) Healthy() bool {
	return s.hub.Healthy()
}

func (s *Server) readLoop(c *client) {
	defer s.disconnect(c)
	pongWait := 2 * s.pingInterval
	c.conn.SetReadLimit(maxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.push(ServerMessage{Type: msgError, Error: "invalid_json"})
			continue
		}
		switch msg.Type {
		case msgSubscribe:
			lobbyID, ok := notify.LobbyFromTopic(msg.Channel)
			if !ok {
				c.push(ServerMessage{Type: msgError, Channel: msg.Channel, Error: "invalid_channel"})
				continue
			}
			s.subscribe(c, lobbyID, msg.LastEventID)
		case msgUnsubscribe:
			lobbyID, ok := notify.LobbyFromTopic(msg.Channel)
			if !ok {
				c.push(ServerMessage{Type: msgError, Channel: msg.Channel, Error: "invalid_channel"})
				continue
			}
			s.unsubscribe(c, lobbyID)
			c.push(ServerMessage{Type: msgUnsubbed, Channel: msg.Channel})
		default:
			c.push(ServerMessage{Type: msgError, Error: "unknown_message_type"})
		}
	}
}

func (s *Server) writeLoop(c *client) {
	ticker := time.NewTicker(s.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) subscribe(c *client, lobbyID, lastEventID string) {
	c.mu.Lock()
	if _, ok := c.subs[lobbyID]; ok {
		c.mu.Unlock()
		c.push(ServerMessage{Type: msgSubscribed, Channel: notify.Topic(lobbyID)})
		return
	}
	ch := s.hub.Subscribe(lobbyID)
	c.subs[lobbyID] = ch
	c.mu.Unlock()

	c.push(ServerMessage{Type: msgSubscribed, Channel: notify.Topic(lobbyID)})
	var replayed int64
	if lastEventID != "" {
		for _, ev := range s.hub.ReplayAfter(lobbyID, lastEventID) {
			c.push(eventFrame(ev))
			replayed = eventSeq(ev)
		}
	}
	go c.forward(ch, replayed)
}

func (s *Server) unsubscribe(c *client, lobbyID string) {
	c.mu.Lock()
	ch, ok := c.subs[lobbyID]
	delete(c.subs, lobbyID)
	c.mu.Unlock()
	if ok {
		s.hub.Unsubscribe(lobbyID, ch)
	}
}

func (s *Server) disconnect(c *client) {
	c.mu.Lock()
	subs := c.subs
	c.subs = map[string]chan notify.Event{}
	c.mu.Unlock()
	for lobbyID, ch := range subs {
		s.hub.Unsubscribe(lobbyID, ch)
	}
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	close(c.done)
	metrics.WSConnectionsActive.Dec()
}

// forward copies hub events to the client until the subscription channel closes.
// Events already sent by a replay are skipped.
func (c *client) forward(ch chan notify.Event, after int64) {
	for ev := range ch {
		if after > 0 && eventSeq(ev) <= after {
			continue
		}
		c.push(eventFrame(ev))
	}
}

// push never blocks: a client that stops reading loses frames rather than stalling
// publishers.
func (c *client) push(msg ServerMessage) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		log.Debug().Str("type", msg.Type).Msg("ws client buffer full, frame dropped")
	}
}

func eventFrame(ev notify.Event) ServerMessage {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return ServerMessage{Type: msgError, Channel: notify.Topic(ev.LobbyID), Error: "encode_failed"}
	}
	return ServerMessage{Type: ev.Type, Channel: notify.Topic(ev.LobbyID), ID: ev.ID, ServerTS: ev.ServerTS, Payload: payload}
}

func eventSeq(ev notify.Event) int64 {
	n, _ := strconv.ParseInt(ev.ID, 10, 64)
	return n
}
