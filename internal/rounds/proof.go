package rounds

import (
	"context"
	"encoding/json"
	"errors"

	"tonrody/internal/amount"
	"tonrody/internal/apperr"
	"tonrody/internal/ledger"
	"tonrody/internal/store"
)

type ProofSeat struct {
	SeatID     string `json:"seatId"`
	SeatIndex  int    `json:"seatIndex"`
	OccupantID string `json:"occupantId,omitempty"`
	Wallet     string `json:"wallet,omitempty"`
}

// Proof is everything a third party needs to recompute the draw.
type Proof struct {
	LobbyID      string      `json:"lobbyId"`
	RoundID      string      `json:"roundId"`
	Number       int         `json:"number"`
	RoundHash    string      `json:"roundHash"`
	SeedCommit   string      `json:"seedCommit"`
	SeedReveal   string      `json:"seedReveal,omitempty"`
	PaidSeats    []ProofSeat `json:"paidSeats"`
	WinnerIndex  *int        `json:"winnerIndex,omitempty"`
	WinnerSeatID string      `json:"winnerSeatId,omitempty"`
	WinnerWallet string      `json:"winnerWallet,omitempty"`
	PayoutTON    string      `json:"payoutTon,omitempty"`
	Finalized    bool        `json:"finalized"`
	Verified     bool        `json:"verified"`
}

// resultSource tags the result entry written by a local finalize. Only that entry carries
// the paid seat list of the draw.
const resultSource = "round-engine"

type resultMetadata struct {
	RoundHash       string      `json:"roundHash"`
	SeedCommit      string      `json:"seedCommit"`
	WinnerIndex     int         `json:"winnerIndex"`
	WinnerSeatIndex int         `json:"winnerSeatIndex"`
	PaidSeats       []ProofSeat `json:"paidSeats"`
}

func resultMeta(round store.Round, idx int, winner store.Seat, paid []store.Seat) ledger.Meta {
	return ledger.Meta{
		"source":          resultSource,
		"roundHash":       round.RoundHash,
		"seedCommit":      round.SeedCommit,
		"winnerIndex":     idx,
		"winnerSeatIndex": winner.SeatIndex,
		"paidSeats":       proofSeats(paid),
	}
}

func proofSeats(seats []store.Seat) []ProofSeat {
	out := make([]ProofSeat, 0, len(seats))
	for _, s := range seats {
		out = append(out, ProofSeat{SeatID: s.ID, SeatIndex: s.SeatIndex, OccupantID: s.OccupantID, Wallet: s.OccupantWallet})
	}
	return out
}

// Proof assembles the public fairness proof of roundID. The seed is included only once
// it has been revealed. Paid seats come from the result entry for finalized rounds and
// from the live seat table otherwise.
func (e *Engine) Proof(ctx context.Context, roundID string) (Proof, error) {
	round, err := e.store.GetRound(ctx, roundID)
	if err != nil {
		return Proof{}, mapNotFound(err, ErrRoundNotFound)
	}
	p := Proof{
		LobbyID:      round.LobbyID,
		RoundID:      round.ID,
		Number:       round.Number,
		RoundHash:    round.RoundHash,
		SeedCommit:   round.SeedCommit,
		PaidSeats:    []ProofSeat{},
		WinnerSeatID: round.WinnerSeatID,
		WinnerWallet: round.WinnerWallet,
		Finalized:    round.Finalized(),
	}
	if round.PayoutNano != nil {
		p.PayoutTON = amount.TON(*round.PayoutNano)
	}

	if seed, ok, err := e.trail.RevealedSeed(ctx, round.SeedCommit); err != nil {
		return Proof{}, apperr.Upstream(err)
	} else if ok {
		p.SeedReveal = seed
	}

	result, err := e.store.FindLedgerEntry(ctx, store.LedgerLookup{Action: store.ActionResult, RoundID: round.ID, Source: resultSource})
	if errors.Is(err, store.ErrNotFound) {
		result, err = e.store.FindLedgerEntry(ctx, store.LedgerLookup{Action: store.ActionResult, RoundID: round.ID})
	}
	switch {
	case err == nil:
		var meta resultMetadata
		if jerr := json.Unmarshal(result.Metadata, &meta); jerr == nil && meta.PaidSeats != nil {
			p.PaidSeats = meta.PaidSeats
			if meta.RoundHash != "" {
				idx := meta.WinnerIndex
				p.WinnerIndex = &idx
			}
		}
	case errors.Is(err, store.ErrNotFound):
		if !round.Finalized() {
			seats, err := e.store.ListSeats(ctx, round.LobbyID)
			if err != nil {
				return Proof{}, apperr.Upstream(err)
			}
			p.PaidSeats = proofSeats(paidSeats(seats))
		}
	default:
		return Proof{}, apperr.Upstream(err)
	}

	if p.SeedReveal != "" && p.WinnerIndex != nil && VerifyReveal(p.SeedReveal, p.SeedCommit) {
		idx, err := WinnerIndex(p.RoundHash, p.SeedReveal, len(p.PaidSeats))
		p.Verified = err == nil && idx == *p.WinnerIndex && p.WinnerSeatID == p.PaidSeats[idx].SeatID
	}
	return p, nil
}
