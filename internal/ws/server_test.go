package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tonrody/internal/notify"
)

func dial(t *testing.T, srv *Server) (*websocket.Conn, func()) {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWS))
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		ts.Close()
		t.Fatalf("dial: %v", err)
	}
	return conn, func() {
		_ = conn.Close()
		ts.Close()
	}
}

func read(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg ServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestSubscribeReceivesLobbyEvents(t *testing.T) {
	hub := notify.NewHub(16)
	srv := NewServer(hub, time.Second)
	conn, done := dial(t, srv)
	defer done()

	if err := conn.WriteJSON(ClientMessage{Type: "subscribe", Channel: "lobby:L1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ack := read(t, conn); ack.Type != "subscribed" || ack.Channel != "lobby:L1" {
		t.Fatalf("expected subscribed ack, got %+v", ack)
	}

	waitFor(t, func() bool { return hub.Subscribers() == 1 })
	hub.Publish("L2", notify.EventSeatUpdate, map[string]int{"seatIndex": 9})
	hub.Publish("L1", notify.EventSeatUpdate, map[string]int{"seatIndex": 0})

	ev := read(t, conn)
	if ev.Type != notify.EventSeatUpdate || ev.Channel != "lobby:L1" {
		t.Fatalf("unexpected frame: %+v", ev)
	}
	var payload map[string]int
	if err := json.Unmarshal(ev.Payload, &payload); err != nil || payload["seatIndex"] != 0 {
		t.Fatalf("unexpected payload %s: %v", ev.Payload, err)
	}
}

func TestInvalidMessagesGetErrorFrames(t *testing.T) {
	srv := NewServer(notify.NewHub(4), time.Second)
	conn, done := dial(t, srv)
	defer done()

	cases := []struct {
		raw  string
		code string
	}{
		{`not json`, "invalid_json"},
		{`{"type":"subscribe","channel":"room:1"}`, "invalid_channel"},
		{`{"type":"dance"}`, "unknown_message_type"},
	}
	for _, tc := range cases {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(tc.raw)); err != nil {
			t.Fatalf("write: %v", err)
		}
		msg := read(t, conn)
		if msg.Type != "error" || msg.Error != tc.code {
			t.Fatalf("%s: expected error %s, got %+v", tc.raw, tc.code, msg)
		}
	}
}

func TestUnsubscribeAndReplay(t *testing.T) {
	hub := notify.NewHub(16)
	hub.Publish("L1", notify.EventTimerTick, 1)
	hub.Publish("L1", notify.EventTimerTick, 2)
	srv := NewServer(hub, time.Second)
	conn, done := dial(t, srv)
	defer done()

	_ = conn.WriteJSON(ClientMessage{Type: "subscribe", Channel: "lobby:L1", LastEventID: "1"})
	if ack := read(t, conn); ack.Type != "subscribed" {
		t.Fatalf("expected ack, got %+v", ack)
	}
	if replay := read(t, conn); replay.ID != "2" {
		t.Fatalf("expected replay of event 2, got %+v", replay)
	}

	_ = conn.WriteJSON(ClientMessage{Type: "unsubscribe", Channel: "lobby:L1"})
	if msg := read(t, conn); msg.Type != "unsubscribed" {
		t.Fatalf("expected unsubscribed, got %+v", msg)
	}
	waitFor(t, func() bool { return hub.Subscribers() == 0 })
	if srv.Connections() != 1 || !srv.Healthy() {
		t.Fatalf("expected one healthy connection, got %d", srv.Connections())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met")
}
