package lobby

import (
	"encoding/json"
	"time"

	"tonrody/internal/chain"
	"tonrody/internal/store"
)

type LobbiesResponse struct {
	Items  []LobbyItem `json:"items"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

type LobbyItem struct {
	ID             string    `json:"id"`
	Code           string    `json:"code"`
	Class          string    `json:"class,omitempty"`
	StakeTON       string    `json:"stakeTon"`
	SeatCount      int       `json:"seatCount"`
	Status         string    `json:"status"`
	SeatsTaken     int       `json:"seatsTaken"`
	SeatsPaid      int       `json:"seatsPaid"`
	SeedCommit     string    `json:"seedCommit"`
	CurrentRoundID string    `json:"currentRoundId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

type LobbyDetail struct {
	LobbyItem
	PoolTON string     `json:"poolTon"`
	Seats   []SeatItem `json:"seats"`
	Round   *RoundItem `json:"round,omitempty"`
}

type SeatItem struct {
	ID          string     `json:"id"`
	Index       int        `json:"index"`
	Status      string     `json:"status"`
	OccupantID  string     `json:"occupantId,omitempty"`
	Wallet      string     `json:"wallet,omitempty"`
	ReservedAt  *time.Time `json:"reservedAt,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	RemainingMs *int64     `json:"remainingMs,omitempty"`
	PaidAt      *time.Time `json:"paidAt,omitempty"`
	AmountTON   string     `json:"amountTon,omitempty"`
	TxHash      string     `json:"txHash,omitempty"`
}

type RoundItem struct {
	ID               string     `json:"id"`
	LobbyID          string     `json:"lobbyId"`
	Number           int        `json:"number"`
	SeedCommit       string     `json:"seedCommit"`
	RoundHash        string     `json:"roundHash,omitempty"`
	WinnerSeatID     string     `json:"winnerSeatId,omitempty"`
	WinnerOccupantID string     `json:"winnerOccupantId,omitempty"`
	WinnerWallet     string     `json:"winnerWallet,omitempty"`
	PayoutTON        string     `json:"payoutTon,omitempty"`
	TxHash           string     `json:"txHash,omitempty"`
	FinalizedAt      *time.Time `json:"finalizedAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

type CreateRequest struct {
	// Stake is a decimal TON amount, as a JSON number or string.
	Stake     any
	Seats     int
	Class     string
	CreatedBy string
}

type SeatResponse struct {
	LobbyID string   `json:"lobbyId"`
	Seat    SeatItem `json:"seat"`
}

type PayResponse struct {
	LobbyID string   `json:"lobbyId"`
	Seat    SeatItem `json:"seat"`
	EntryID string   `json:"txLogId"`
	TxHash  string   `json:"txHash"`
}

type FinalizeResponse struct {
	LobbyID      string    `json:"lobbyId"`
	Round        RoundItem `json:"round"`
	WinnerIndex  int       `json:"winnerIndex"`
	Winner       SeatItem  `json:"winner"`
	PaidSeats    int       `json:"paidSeats"`
	SeedReveal   string    `json:"seedReveal"`
	PayoutTON    string    `json:"payoutTon"`
	PayoutTxHash string    `json:"payoutTxHash,omitempty"`
	PayoutError  string    `json:"payoutError,omitempty"`
}

type NextRoundResponse struct {
	Lobby LobbyItem `json:"lobby"`
	Round RoundItem `json:"round"`
}

type LedgerResponse struct {
	Items  []LedgerItem `json:"items"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

type LedgerItem struct {
	ID         string          `json:"id"`
	SeatID     string          `json:"seatId,omitempty"`
	RoundID    string          `json:"roundId,omitempty"`
	OccupantID string          `json:"occupantId,omitempty"`
	Action     string          `json:"action"`
	TxHash     string          `json:"txHash,omitempty"`
	AmountTON  string          `json:"amountTon"`
	Status     string          `json:"status"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

type AuditResponse struct {
	Items  []store.AuditRecord `json:"items"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

// RoundStateResponse wraps the contract view of a lobby. When the chain is unreachable
// LobbyState is null and IsFallback is set.
type RoundStateResponse struct {
	LobbyState *chain.LobbyState `json:"lobbyState"`
	IsOnchain  bool              `json:"isOnchain"`
	IsFallback bool              `json:"isFallback"`
	Error      string            `json:"error,omitempty"`
}
