package store

import (
	"encoding/json"
	"time"
)

type LobbyStatus string

const (
	LobbyOpen      LobbyStatus = "open"
	LobbyFilling   LobbyStatus = "filling"
	LobbyLocked    LobbyStatus = "locked"
	LobbyFinalized LobbyStatus = "finalized"
)

type SeatStatus string

const (
	SeatFree           SeatStatus = "free"
	SeatTaken          SeatStatus = "taken"
	SeatPendingPayment SeatStatus = "pending_payment"
	SeatPaid           SeatStatus = "paid"
	SeatFailed         SeatStatus = "failed"
)

// Held reports whether the seat counts against its reservation window.
func (s SeatStatus) Held() bool {
	return s == SeatTaken || s == SeatPendingPayment
}

type LedgerAction string

const (
	ActionJoin     LedgerAction = "join"
	ActionPay      LedgerAction = "pay"
	ActionLeave    LedgerAction = "leave"
	ActionResult   LedgerAction = "result"
	ActionPayout   LedgerAction = "payout"
	ActionRefBonus LedgerAction = "ref_bonus"
)

type LedgerStatus string

const (
	LedgerPending   LedgerStatus = "pending"
	LedgerConfirmed LedgerStatus = "confirmed"
	LedgerFailed    LedgerStatus = "failed"
)

type ActorKind string

const (
	ActorUser           ActorKind = "user"
	ActorBackend        ActorKind = "backend"
	ActorExternalLedger ActorKind = "external-ledger"
)

type Lobby struct {
	ID             string      `json:"id"`
	Code           string      `json:"code"`
	Class          string      `json:"class,omitempty"`
	StakeNano      int64       `json:"stake_nano"`
	SeatCount      int         `json:"seat_count"`
	Status         LobbyStatus `json:"status"`
	SeedCommit     string      `json:"seed_commit"`
	SeedReveal     string      `json:"seed_reveal,omitempty"`
	CurrentRoundID string      `json:"current_round_id,omitempty"`
	CreatedBy      string      `json:"created_by,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// LobbySummary is a lobby row with seat counters for listings.
type LobbySummary struct {
	Lobby
	SeatsTaken int `json:"seats_taken"`
	SeatsPaid  int `json:"seats_paid"`
}

type Seat struct {
	ID             string     `json:"id"`
	LobbyID        string     `json:"lobby_id"`
	SeatIndex      int        `json:"seat_index"`
	Status         SeatStatus `json:"status"`
	OccupantID     string     `json:"occupant_id,omitempty"`
	OccupantWallet string     `json:"occupant_wallet,omitempty"`
	ReservedAt     *time.Time `json:"reserved_at,omitempty"`
	PaidAt         *time.Time `json:"paid_at,omitempty"`
	ReleasedAt     *time.Time `json:"released_at,omitempty"`
	AmountNano     *int64     `json:"amount_nano,omitempty"`
	TxHash         string     `json:"tx_hash,omitempty"`
}

type Round struct {
	ID               string     `json:"id"`
	LobbyID          string     `json:"lobby_id"`
	Number           int        `json:"number"`
	SeedCommit       string     `json:"seed_commit"`
	RoundHash        string     `json:"round_hash,omitempty"`
	WinnerSeatID     string     `json:"winner_seat_id,omitempty"`
	WinnerOccupantID string     `json:"winner_occupant_id,omitempty"`
	WinnerWallet     string     `json:"winner_wallet,omitempty"`
	PayoutNano       *int64     `json:"payout_nano,omitempty"`
	TxHash           string     `json:"tx_hash,omitempty"`
	FinalizedAt      *time.Time `json:"finalized_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

func (r Round) Finalized() bool { return r.FinalizedAt != nil }

type LedgerEntry struct {
	ID         string          `json:"id"`
	LobbyID    string          `json:"lobby_id"`
	SeatID     string          `json:"seat_id,omitempty"`
	RoundID    string          `json:"round_id,omitempty"`
	OccupantID string          `json:"occupant_id,omitempty"`
	Action     LedgerAction    `json:"action"`
	TxHash     string          `json:"tx_hash,omitempty"`
	AmountNano int64           `json:"amount_nano"`
	Status     LedgerStatus    `json:"status"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

type AuditRecord struct {
	ID        string          `json:"id"`
	ActorKind ActorKind       `json:"actor_kind"`
	ActorID   string          `json:"actor_id,omitempty"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	Hash      string          `json:"hash"`
	Signature string          `json:"signature,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
