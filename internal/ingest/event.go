// Package ingest turns authenticated contract webhook batches into seat, round and
// ledger updates, exactly once per event.
package ingest

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	TypeDepositReceived EventType = "DepositReceived"
	TypeLobbyFilled     EventType = "LobbyFilled"
	TypeWinnerSelected  EventType = "WinnerSelected"
	TypePayoutSent      EventType = "PayoutSent"
)

// Envelope is shared by every event variant.
type Envelope struct {
	Type       EventType
	LobbyID    string
	EventID    string
	OccurredAt *time.Time
	Raw        json.RawMessage
}

// Event is one of DepositReceived, LobbyFilled, WinnerSelected or PayoutSent.
type Event interface {
	Header() Envelope
}

func (e Envelope) Header() Envelope { return e }

type DepositReceived struct {
	Envelope
	SeatID     string
	SeatIndex  *int
	Sender     string
	AmountNano int64
	TxHash     string
	Memo       string
}

type LobbyFilled struct {
	Envelope
	PoolNano     int64
	Participants *int
}

type WinnerSelected struct {
	Envelope
	RoundID    string
	Winner     string
	PayoutNano int64
	RoundHash  string
	TxHash     string
}

type PayoutSent struct {
	Envelope
	RoundID    string
	Winner     string
	PayoutNano int64
	Success    bool
	TxHash     string
}
