package notify

import (
	"time"

	"tonrody/internal/amount"
	"tonrody/internal/store"
)

type SeatPayload struct {
	LobbyID    string     `json:"lobbyId"`
	SeatID     string     `json:"seatId"`
	SeatIndex  int        `json:"seatIndex"`
	Status     string     `json:"status"`
	OccupantID string     `json:"occupantId,omitempty"`
	Wallet     string     `json:"wallet,omitempty"`
	ReservedAt *time.Time `json:"reservedAt,omitempty"`
	PaidAt     *time.Time `json:"paidAt,omitempty"`
	AmountTON  string     `json:"amountTon,omitempty"`
	TxHash     string     `json:"txHash,omitempty"`
}

func Seat(s store.Seat) SeatPayload {
	p := SeatPayload{
		LobbyID:    s.LobbyID,
		SeatID:     s.ID,
		SeatIndex:  s.SeatIndex,
		Status:     string(s.Status),
		OccupantID: s.OccupantID,
		Wallet:     s.OccupantWallet,
		ReservedAt: s.ReservedAt,
		PaidAt:     s.PaidAt,
		TxHash:     s.TxHash,
	}
	if s.AmountNano != nil {
		p.AmountTON = amount.TON(*s.AmountNano)
	}
	return p
}

type TimerTickPayload struct {
	LobbyID     string    `json:"lobbyId"`
	SeatID      string    `json:"seatId"`
	SeatIndex   int       `json:"seatIndex"`
	Status      string    `json:"status"`
	ExpiresAt   time.Time `json:"expiresAt"`
	RemainingMs int64     `json:"remainingMs"`
}

// TimerTick derives the remaining reservation time of a held seat. ok is false for seats
// that are not held.
func TimerTick(s store.Seat, ttl time.Duration, now time.Time) (TimerTickPayload, bool) {
	if !s.Status.Held() || s.ReservedAt == nil {
		return TimerTickPayload{}, false
	}
	expires := s.ReservedAt.Add(ttl).UTC()
	remaining := expires.Sub(now).Milliseconds()
	if remaining < 0 {
		remaining = 0
	}
	return TimerTickPayload{
		LobbyID:     s.LobbyID,
		SeatID:      s.ID,
		SeatIndex:   s.SeatIndex,
		Status:      string(s.Status),
		ExpiresAt:   expires,
		RemainingMs: remaining,
	}, true
}

type PaymentPayload struct {
	LobbyID string      `json:"lobbyId"`
	Seat    SeatPayload `json:"seat"`
	TxHash  string      `json:"txHash,omitempty"`
}

type RoundPayload struct {
	LobbyID      string `json:"lobbyId"`
	RoundID      string `json:"roundId"`
	RoundHash    string `json:"roundHash,omitempty"`
	WinnerWallet string `json:"winnerWallet,omitempty"`
	WinnerSeatID string `json:"winnerSeatId,omitempty"`
	PayoutTON    string `json:"payoutTon,omitempty"`
	TxHash       string `json:"txHash,omitempty"`
	Success      *bool  `json:"success,omitempty"`
}

type LobbyStatusPayload struct {
	LobbyID string `json:"lobbyId"`
	Status  string `json:"status"`
}

// TimerCleared is the last tick for a seat that no longer counts down, such as a seat
// that was just paid.
func TimerCleared(s store.Seat, now time.Time) TimerTickPayload {
	return TimerTickPayload{
		LobbyID:   s.LobbyID,
		SeatID:    s.ID,
		SeatIndex: s.SeatIndex,
		Status:    string(s.Status),
		ExpiresAt: now.UTC(),
	}
}
