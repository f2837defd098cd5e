// Package chain is the narrow gateway to the on-chain lobby contract: state reads and
// signed payout submissions.
package chain

import (
	"context"

	"tonrody/internal/apperr"
)

var (
	ErrUnavailable = apperr.New(apperr.KindUpstream, "chain_unavailable")
	ErrRejected    = apperr.New(apperr.KindUpstream, "chain_rejected")
)

// LobbyState is the contract's view of one lobby. Amounts are decimal TON strings.
type LobbyState struct {
	LobbyID           string `json:"lobbyId"`
	RoundID           string `json:"roundId,omitempty"`
	OnChainBalanceTON string `json:"onChainBalanceTon"`
	LockedStakeTON    string `json:"lockedStakeTon"`
	LastRoundHash     string `json:"lastRoundHash,omitempty"`
	SeatsPaid         int    `json:"seatsPaid"`
	SeatsTotal        int    `json:"seatsTotal"`
	LastEventType     string `json:"lastEventType,omitempty"`
	UpdatedAt         string `json:"updatedAt,omitempty"`
}

type PayoutRequest struct {
	LobbyID      string
	RoundID      string
	RoundHash    string
	WinnerWallet string
	PayoutNano   int64
}

type PayoutReceipt struct {
	TxHash string `json:"txHash"`
}

type Client interface {
	LobbyState(ctx context.Context, lobbyID string) (LobbyState, error)
	SubmitPayout(ctx context.Context, req PayoutRequest) (PayoutReceipt, error)
	Ping(ctx context.Context) error
}

// Offline is the Client used when no RPC endpoint is configured. Every call fails with
// ErrUnavailable, which callers already treat as a transient upstream failure.
type Offline struct{}

var _ Client = Offline{}

func (Offline) LobbyState(context.Context, string) (LobbyState, error) {
	return LobbyState{}, ErrUnavailable
}

func (Offline) SubmitPayout(context.Context, PayoutRequest) (PayoutReceipt, error) {
	return PayoutReceipt{}, ErrUnavailable
}

func (Offline) Ping(context.Context) error { return ErrUnavailable }
