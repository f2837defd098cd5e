// Package rounds runs the commit-reveal draw: seed commitment at round open, reveal
// verification and winner selection at finalize, and settlement of externally reported
// results.
package rounds

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"

	"tonrody/internal/amount"
	"tonrody/internal/apperr"
	"tonrody/internal/audit"
	"tonrody/internal/chain"
	"tonrody/internal/ledger"
	"tonrody/internal/metrics"
	"tonrody/internal/notify"
	"tonrody/internal/store"
)

type Engine struct {
	store store.Repository
	trail *audit.Trail
	txlog *ledger.Ledger
	chain chain.Client
	pub   notify.Publisher
	now   func() time.Time
}

func New(st store.Repository, trail *audit.Trail, txlog *ledger.Ledger, cc chain.Client, pub notify.Publisher) *Engine {
	if cc == nil {
		cc = chain.Offline{}
	}
	return &Engine{store: st, trail: trail, txlog: txlog, chain: cc, pub: pub, now: time.Now}
}

// Commit draws the seed for round number and files it in the audit trail. Only the
// commitment and round hash leave this function.
func (e *Engine) Commit(ctx context.Context, lobbyID string, number int) (Commitment, error) {
	c, err := NewCommitment(lobbyID, number)
	if err != nil {
		return Commitment{}, err
	}
	if err := e.trail.RecordSeedCommit(ctx, lobbyID, number, c.Seed, c.Commit); err != nil {
		return Commitment{}, apperr.Upstream(fmt.Errorf("record seed commit: %w", err))
	}
	return Commitment{Commit: c.Commit, RoundHash: c.RoundHash}, nil
}

type CreateParams struct {
	StakeNano int64
	SeatCount int
	Class     string
	CreatedBy string
}

// CreateLobby allocates the lobby, its seats and round 1.
func (e *Engine) CreateLobby(ctx context.Context, p CreateParams) (store.Lobby, store.Round, error) {
	if p.StakeNano <= 0 || p.SeatCount < 1 {
		return store.Lobby{}, store.Round{}, ErrInvalidRequest
	}
	if _, err := amount.Mul(p.StakeNano, p.SeatCount); err != nil {
		return store.Lobby{}, store.Round{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	id := store.NewID()
	c, err := e.Commit(ctx, id, 1)
	if err != nil {
		return store.Lobby{}, store.Round{}, err
	}
	lobby, round, err := e.store.CreateLobby(ctx, store.CreateLobbyParams{
		ID:         id,
		Code:       store.NewLobbyCode(),
		Class:      p.Class,
		StakeNano:  p.StakeNano,
		SeatCount:  p.SeatCount,
		SeedCommit: c.Commit,
		RoundHash:  c.RoundHash,
		CreatedBy:  p.CreatedBy,
	})
	if err != nil {
		return store.Lobby{}, store.Round{}, apperr.Upstream(err)
	}
	log.Info().Str("lobby_id", lobby.ID).Str("code", lobby.Code).Int("seats", lobby.SeatCount).Msg("lobby created")
	return lobby, round, nil
}

// OpenRound starts the next round of a finalized lobby.
func (e *Engine) OpenRound(ctx context.Context, lobbyID string) (store.Lobby, store.Round, error) {
	lobby, err := e.store.GetLobby(ctx, lobbyID)
	if err != nil {
		return store.Lobby{}, store.Round{}, mapNotFound(err, ErrLobbyNotFound)
	}
	if lobby.Status != store.LobbyFinalized {
		return store.Lobby{}, store.Round{}, ErrLobbyNotFinalized
	}
	current, err := e.store.CurrentRound(ctx, lobbyID)
	if err != nil {
		return store.Lobby{}, store.Round{}, mapNotFound(err, ErrRoundNotFound)
	}
	number := current.Number + 1
	c, err := e.Commit(ctx, lobbyID, number)
	if err != nil {
		return store.Lobby{}, store.Round{}, err
	}
	lobby, round, err := e.store.OpenNextRound(ctx, store.OpenRoundParams{
		LobbyID: lobbyID, Number: number, SeedCommit: c.Commit, RoundHash: c.RoundHash,
	})
	switch {
	case errors.Is(err, store.ErrConflict):
		return store.Lobby{}, store.Round{}, ErrLobbyNotFinalized
	case err != nil:
		return store.Lobby{}, store.Round{}, mapNotFound(err, ErrLobbyNotFound)
	}
	e.pub.Publish(lobbyID, notify.EventLobbyStatus, notify.LobbyStatusPayload{LobbyID: lobbyID, Status: string(lobby.Status)})
	log.Info().Str("lobby_id", lobbyID).Int("round", round.Number).Msg("round opened")
	return lobby, round, nil
}

// Result describes a locally finalized round.
type Result struct {
	Round       store.Round  `json:"round"`
	Winner      store.Seat   `json:"winner"`
	WinnerIndex int          `json:"winnerIndex"`
	PaidSeats   []store.Seat `json:"paidSeats"`
	Seed        string       `json:"seedReveal"`
	PayoutTx    string       `json:"payoutTxHash,omitempty"`
	PayoutError string       `json:"payoutError,omitempty"`
}

// Finalize reveals the seed of the current round, draws the winner among paid seats and
// requests the payout. A failed payout submission leaves a pending payout entry and does
// not undo the draw.
func (e *Engine) Finalize(ctx context.Context, lobbyID string) (Result, error) {
	lobby, err := e.store.GetLobby(ctx, lobbyID)
	if err != nil {
		return Result{}, mapNotFound(err, ErrLobbyNotFound)
	}
	round, err := e.store.CurrentRound(ctx, lobbyID)
	if err != nil {
		return Result{}, mapNotFound(err, ErrRoundNotFound)
	}
	if round.Finalized() || lobby.Status == store.LobbyFinalized {
		return Result{}, ErrRoundFinalized
	}
	if round.RoundHash == "" {
		return Result{}, ErrRoundHashMissing
	}
	seed, err := e.trail.SeedByCommit(ctx, round.SeedCommit)
	switch {
	case errors.Is(err, audit.ErrSeedNotFound):
		return Result{}, fmt.Errorf("%w: no seed on file for commit", ErrInvalidReveal)
	case err != nil:
		return Result{}, apperr.Upstream(err)
	}
	if !VerifyReveal(seed, round.SeedCommit) {
		return Result{}, ErrInvalidReveal
	}

	seats, err := e.store.ListSeats(ctx, lobbyID)
	if err != nil {
		return Result{}, apperr.Upstream(err)
	}
	paid := paidSeats(seats)
	if len(paid) == 0 {
		return Result{}, ErrNoPaidSeats
	}
	idx, err := WinnerIndex(round.RoundHash, seed, len(paid))
	if err != nil {
		return Result{}, err
	}
	winner := paid[idx]
	payout, err := amount.Mul(lobby.StakeNano, len(paid))
	if err != nil {
		return Result{}, apperr.Upstream(err)
	}

	now := e.now().UTC()
	finalized, err := e.store.FinalizeRound(ctx, store.FinalizeRoundParams{
		LobbyID:          lobbyID,
		RoundID:          round.ID,
		SeedReveal:       seed,
		WinnerSeatID:     winner.ID,
		WinnerOccupantID: winner.OccupantID,
		WinnerWallet:     winner.OccupantWallet,
		PayoutNano:       payout,
		At:               now,
	})
	switch {
	case errors.Is(err, store.ErrConflict):
		return Result{}, ErrRoundFinalized
	case err != nil:
		return Result{}, mapNotFound(err, ErrRoundNotFound)
	}
	metrics.RoundsFinalized.Inc()

	if err := e.trail.RecordSeedReveal(ctx, lobbyID, round.ID, seed, round.SeedCommit); err != nil {
		log.Error().Err(err).Str("round_id", round.ID).Msg("seed reveal audit write failed")
	}
	if _, err := e.txlog.Record(ctx, store.LedgerEntry{
		LobbyID: lobbyID, SeatID: winner.ID, RoundID: round.ID, OccupantID: winner.OccupantID,
		Action: store.ActionResult, AmountNano: payout, Status: store.LedgerConfirmed,
	}, resultMeta(round, idx, winner, paid)); err != nil {
		log.Error().Err(err).Str("round_id", round.ID).Msg("result ledger write failed")
	}

	res := Result{Round: finalized, Winner: winner, WinnerIndex: idx, PaidSeats: paid, Seed: seed}
	res.PayoutTx, res.PayoutError = e.submitPayout(ctx, lobbyID, finalized, winner, payout)

	e.pub.Publish(lobbyID, notify.EventRoundFinalized, notify.RoundPayload{
		LobbyID:      lobbyID,
		RoundID:      finalized.ID,
		RoundHash:    finalized.RoundHash,
		WinnerWallet: winner.OccupantWallet,
		WinnerSeatID: winner.ID,
		PayoutTON:    amount.TON(payout),
		TxHash:       res.PayoutTx,
	})
	e.pub.Publish(lobbyID, notify.EventLobbyStatus, notify.LobbyStatusPayload{LobbyID: lobbyID, Status: string(store.LobbyFinalized)})
	log.Info().
		Str("lobby_id", lobbyID).
		Str("round_id", round.ID).
		Int("winner_index", idx).
		Int("paid_seats", len(paid)).
		Str("payout_ton", amount.TON(payout)).
		Msg("round finalized")
	return res, nil
}

func (e *Engine) submitPayout(ctx context.Context, lobbyID string, round store.Round, winner store.Seat, payout int64) (string, string) {
	receipt, err := e.chain.SubmitPayout(ctx, chain.PayoutRequest{
		LobbyID: lobbyID, RoundID: round.ID, RoundHash: round.RoundHash, WinnerWallet: winner.OccupantWallet, PayoutNano: payout,
	})
	meta := ledger.Meta{"winnerWallet": winner.OccupantWallet, "submitted": err == nil}
	var errCode string
	if err != nil {
		err = apperr.Upstream(err)
		errCode = apperr.CodeOf(err)
		meta["error"] = err.Error()
		metrics.PayoutSubmitErrors.Inc()
		log.Warn().Err(err).Str("lobby_id", lobbyID).Str("round_id", round.ID).Msg("payout submission failed")
	} else if _, uerr := e.store.UpdateRoundSettlement(ctx, store.RoundSettlement{RoundID: round.ID, TxHash: ledger.CanonicalTxHash(receipt.TxHash)}); uerr != nil {
		log.Error().Err(uerr).Str("round_id", round.ID).Msg("store payout tx hash failed")
	}
	if _, rerr := e.txlog.Record(ctx, store.LedgerEntry{
		LobbyID: lobbyID, SeatID: winner.ID, RoundID: round.ID, OccupantID: winner.OccupantID,
		Action: store.ActionPayout, TxHash: receipt.TxHash, AmountNano: payout, Status: store.LedgerPending,
	}, meta); rerr != nil {
		log.Error().Err(rerr).Str("round_id", round.ID).Msg("payout ledger write failed")
	}
	return ledger.CanonicalTxHash(receipt.TxHash), errCode
}

func paidSeats(seats []store.Seat) []store.Seat {
	out := make([]store.Seat, 0, len(seats))
	for _, s := range seats {
		if s.Status == store.SeatPaid {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b store.Seat) int { return cmp.Compare(a.SeatIndex, b.SeatIndex) })
	return out
}

func mapNotFound(err, notFound error) error {
	if errors.Is(err, store.ErrNotFound) {
		return notFound
	}
	return apperr.Upstream(err)
}
