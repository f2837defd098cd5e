package rounds

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"tonrody/internal/amount"
	"tonrody/internal/apperr"
	"tonrody/internal/ledger"
	"tonrody/internal/notify"
	"tonrody/internal/store"
)

// WinnerUpdate is a winner reported by the contract. It is authoritative: it overrides
// the local draw and closes the lobby.
type WinnerUpdate struct {
	RoundID      string
	RoundHash    string
	WinnerWallet string
	PayoutNano   *int64
	OccurredAt   *time.Time
	Meta         ledger.Meta
}

// PayoutUpdate is a payout transfer reported by the contract.
type PayoutUpdate struct {
	RoundID    string
	TxHash     string
	PayoutNano *int64
	Winner     string
	Success    bool
	OccurredAt *time.Time
	Meta       ledger.Meta
}

func (e *Engine) RecordExternalWinner(ctx context.Context, lobbyID string, u WinnerUpdate) (store.Round, error) {
	if u.WinnerWallet == "" {
		return store.Round{}, fmt.Errorf("%w: winner wallet required", ErrInvalidRequest)
	}
	round, err := e.resolveRound(ctx, lobbyID, u.RoundID)
	if err != nil {
		return store.Round{}, err
	}
	winnerSeat := e.seatByWallet(ctx, lobbyID, u.WinnerWallet)
	settled, err := e.store.UpdateRoundSettlement(ctx, store.RoundSettlement{
		RoundID:      round.ID,
		RoundHash:    u.RoundHash,
		WinnerWallet: u.WinnerWallet,
		WinnerSeatID:    winnerSeat.ID,
		WinnerOccID:     winnerSeat.OccupantID,
		PayoutNano:      u.PayoutNano,
		FinalizedAt:     e.settledAt(u.OccurredAt),
		ClearWinnerSeat: winnerSeat.ID == "",
		CloseLobby:      true,
	})
	if err != nil {
		return store.Round{}, mapNotFound(err, ErrRoundNotFound)
	}

	var payout int64
	if settled.PayoutNano != nil {
		payout = *settled.PayoutNano
	}
	confirmed, err := e.confirmsLocalResult(ctx, settled.ID, winnerSeat.ID)
	if err != nil {
		return store.Round{}, err
	}
	if !confirmed {
		meta := withMeta(u.Meta, ledger.Meta{"winnerWallet": u.WinnerWallet, "roundHash": settled.RoundHash})
		if _, err := e.txlog.Record(ctx, store.LedgerEntry{
			LobbyID: lobbyID, SeatID: winnerSeat.ID, RoundID: settled.ID, OccupantID: winnerSeat.OccupantID,
			Action: store.ActionResult, AmountNano: payout, Status: store.LedgerConfirmed,
		}, meta); err != nil {
			return store.Round{}, apperr.Upstream(fmt.Errorf("record result entry: %w", err))
		}
	}

	e.pub.Publish(lobbyID, notify.EventRoundFinalized, notify.RoundPayload{
		LobbyID:      lobbyID,
		RoundID:      settled.ID,
		RoundHash:    settled.RoundHash,
		WinnerWallet: u.WinnerWallet,
		WinnerSeatID: winnerSeat.ID,
		PayoutTON:    amount.TON(payout),
	})
	log.Info().Str("lobby_id", lobbyID).Str("round_id", settled.ID).Str("winner", u.WinnerWallet).Msg("external winner recorded")
	return settled, nil
}

// confirmsLocalResult reports whether a local finalize already wrote the result entry for
// roundID naming the same winner seat.
func (e *Engine) confirmsLocalResult(ctx context.Context, roundID, winnerSeatID string) (bool, error) {
	if winnerSeatID == "" {
		return false, nil
	}
	local, err := e.store.FindLedgerEntry(ctx, store.LedgerLookup{Action: store.ActionResult, RoundID: roundID, Source: resultSource})
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Upstream(err)
	}
	return local.SeatID == winnerSeatID, nil
}

// RecordPayout stores the payout transfer and settles the pending payout entry for the
// round, inserting one when the round was never finalized locally.
func (e *Engine) RecordPayout(ctx context.Context, lobbyID string, u PayoutUpdate) (store.Round, error) {
	round, err := e.resolveRound(ctx, lobbyID, u.RoundID)
	if err != nil {
		return store.Round{}, err
	}
	settled, err := e.store.UpdateRoundSettlement(ctx, store.RoundSettlement{
		RoundID:      round.ID,
		WinnerWallet: u.Winner,
		PayoutNano:   u.PayoutNano,
		TxHash:       ledger.CanonicalTxHash(u.TxHash),
		FinalizedAt:  e.settledAt(u.OccurredAt),
		CloseLobby:   true,
	})
	if err != nil {
		return store.Round{}, mapNotFound(err, ErrRoundNotFound)
	}

	status := store.LedgerFailed
	if u.Success {
		status = store.LedgerConfirmed
	}
	if err := e.settlePayoutEntry(ctx, lobbyID, settled, u, status); err != nil {
		return store.Round{}, err
	}

	success := u.Success
	var payoutTON string
	if settled.PayoutNano != nil {
		payoutTON = amount.TON(*settled.PayoutNano)
	}
	e.pub.Publish(lobbyID, notify.EventPayoutSent, notify.RoundPayload{
		LobbyID:      lobbyID,
		RoundID:      settled.ID,
		RoundHash:    settled.RoundHash,
		WinnerWallet: settled.WinnerWallet,
		WinnerSeatID: settled.WinnerSeatID,
		PayoutTON:    payoutTON,
		TxHash:       ledger.CanonicalTxHash(u.TxHash),
		Success:      &success,
	})
	log.Info().Str("lobby_id", lobbyID).Str("round_id", settled.ID).Bool("success", u.Success).Msg("payout recorded")
	return settled, nil
}

func (e *Engine) settlePayoutEntry(ctx context.Context, lobbyID string, round store.Round, u PayoutUpdate, status store.LedgerStatus) error {
	pending, ok, err := e.txlog.PendingPayout(ctx, round.ID)
	if err != nil {
		return apperr.Upstream(err)
	}
	if ok {
		if status == store.LedgerConfirmed {
			_, err = e.txlog.Confirm(ctx, pending.ID, u.TxHash)
		} else {
			_, err = e.txlog.Fail(ctx, pending.ID, u.TxHash)
		}
		if errors.Is(err, store.ErrConflict) {
			// settled concurrently
			return nil
		}
		return apperr.Upstream(err)
	}
	var payout int64
	if round.PayoutNano != nil {
		payout = *round.PayoutNano
	}
	_, err = e.txlog.Record(ctx, store.LedgerEntry{
		LobbyID: lobbyID, SeatID: round.WinnerSeatID, RoundID: round.ID, OccupantID: round.WinnerOccupantID,
		Action: store.ActionPayout, TxHash: u.TxHash, AmountNano: payout, Status: status,
	}, withMeta(u.Meta, ledger.Meta{"winnerWallet": round.WinnerWallet}))
	return apperr.Upstream(err)
}

// resolveRound returns roundID when given, else the lobby's current round.
func (e *Engine) resolveRound(ctx context.Context, lobbyID, roundID string) (store.Round, error) {
	if lobbyID == "" {
		return store.Round{}, ErrInvalidRequest
	}
	if roundID != "" {
		round, err := e.store.GetRound(ctx, roundID)
		if err != nil {
			return store.Round{}, mapNotFound(err, ErrRoundNotFound)
		}
		if round.LobbyID != lobbyID {
			return store.Round{}, ErrRoundNotFound
		}
		return round, nil
	}
	if _, err := e.store.GetLobby(ctx, lobbyID); err != nil {
		return store.Round{}, mapNotFound(err, ErrLobbyNotFound)
	}
	round, err := e.store.CurrentRound(ctx, lobbyID)
	if err != nil {
		return store.Round{}, mapNotFound(err, ErrRoundNotFound)
	}
	return round, nil
}

// seatByWallet finds the paid seat owned by wallet. The zero Seat is returned when the
// contract names a wallet that holds no paid seat here.
func (e *Engine) seatByWallet(ctx context.Context, lobbyID, wallet string) store.Seat {
	seats, err := e.store.ListSeats(ctx, lobbyID)
	if err != nil {
		log.Warn().Err(err).Str("lobby_id", lobbyID).Msg("winner seat lookup failed")
		return store.Seat{}
	}
	for _, s := range seats {
		if s.Status == store.SeatPaid && s.OccupantWallet == wallet {
			return s
		}
	}
	return store.Seat{}
}

func (e *Engine) settledAt(occurredAt *time.Time) *time.Time {
	if occurredAt != nil && !occurredAt.IsZero() {
		t := occurredAt.UTC()
		return &t
	}
	now := e.now().UTC()
	return &now
}

func withMeta(base, extra ledger.Meta) ledger.Meta {
	out := ledger.Meta{}
	for k, v := range extra {
		out[k] = v
	}
	for k, v := range base {
		out[k] = v
	}
	return out
}
