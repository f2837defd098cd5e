// Package lobby is the request-facing service behind the /api lobby routes. It composes
// the seat ledger, round engine, audit trail and tx log.
package lobby

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"tonrody/internal/amount"
	"tonrody/internal/apperr"
	"tonrody/internal/audit"
	"tonrody/internal/chain"
	"tonrody/internal/ledger"
	"tonrody/internal/notify"
	"tonrody/internal/rounds"
	"tonrody/internal/seats"
	"tonrody/internal/store"
)

const maxSeats = 100

type Service struct {
	store  store.Repository
	seats  *seats.Ledger
	rounds *rounds.Engine
	trail  *audit.Trail
	txlog  *ledger.Ledger
	chain  chain.Client
	now    func() time.Time
}

func NewService(st store.Repository, sl *seats.Ledger, re *rounds.Engine, trail *audit.Trail, txlog *ledger.Ledger, cc chain.Client) *Service {
	if cc == nil {
		cc = chain.Offline{}
	}
	return &Service{store: st, seats: sl, rounds: re, trail: trail, txlog: txlog, chain: cc, now: time.Now}
}

func (s *Service) Lobbies(ctx context.Context, status string, limit, offset int) (*LobbiesResponse, error) {
	items, err := s.store.ListLobbies(ctx, store.LobbyFilter{Status: store.LobbyStatus(status), Limit: limit, Offset: offset})
	if err != nil {
		return nil, apperr.Upstream(err)
	}
	out := make([]LobbyItem, 0, len(items))
	for _, it := range items {
		out = append(out, lobbyItem(it.Lobby, it.SeatsTaken, it.SeatsPaid))
	}
	return &LobbiesResponse{Items: out, Limit: limit, Offset: offset}, nil
}

func (s *Service) Lobby(ctx context.Context, lobbyID string) (*LobbyDetail, error) {
	if lobbyID == "" {
		return nil, ErrInvalidRequest
	}
	lobby, err := s.store.GetLobby(ctx, lobbyID)
	if err != nil {
		return nil, mapNotFound(err, seats.ErrLobbyNotFound)
	}
	list, err := s.store.ListSeats(ctx, lobbyID)
	if err != nil {
		return nil, apperr.Upstream(err)
	}
	now := s.now()
	ttl := s.seats.Config().ReservationTTL
	var taken, paid int
	items := make([]SeatItem, 0, len(list))
	for _, seat := range list {
		if seat.Status != store.SeatFree {
			taken++
		}
		if seat.Status == store.SeatPaid {
			paid++
		}
		items = append(items, seatItem(seat, ttl, now))
	}
	pool, _ := amount.Mul(lobby.StakeNano, paid)
	out := &LobbyDetail{LobbyItem: lobbyItem(lobby, taken, paid), PoolTON: amount.TON(pool), Seats: items}
	if round, err := s.store.CurrentRound(ctx, lobbyID); err == nil {
		ri := roundItem(round)
		out.Round = &ri
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Upstream(err)
	}
	return out, nil
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (*LobbyDetail, error) {
	stake, err := amount.ParseTON(req.Stake)
	if err != nil || stake <= 0 {
		return nil, ErrInvalidStake
	}
	if req.Seats < 1 || req.Seats > maxSeats {
		return nil, ErrInvalidSeatCount
	}
	lobby, _, err := s.rounds.CreateLobby(ctx, rounds.CreateParams{
		StakeNano: stake, SeatCount: req.Seats, Class: strings.TrimSpace(req.Class), CreatedBy: req.CreatedBy,
	})
	if err != nil {
		return nil, err
	}
	return s.Lobby(ctx, lobby.ID)
}

func (s *Service) Join(ctx context.Context, lobbyID, userID, wallet string) (*SeatResponse, error) {
	now := s.now()
	seat, err := s.seats.Reserve(ctx, lobbyID, userID, strings.TrimSpace(wallet), now)
	if err != nil {
		return nil, err
	}
	return &SeatResponse{LobbyID: lobbyID, Seat: seatItem(seat, s.seats.Config().ReservationTTL, now)}, nil
}

// Pay records the caller's claim that txHash pays for seatID. The seat moves to
// pending_payment until the contract confirms the deposit.
func (s *Service) Pay(ctx context.Context, lobbyID, userID, seatID, txHash string) (*PayResponse, error) {
	txHash = ledger.CanonicalTxHash(txHash)
	if lobbyID == "" || userID == "" || seatID == "" || txHash == "" {
		return nil, ErrInvalidRequest
	}
	lobby, err := s.store.GetLobby(ctx, lobbyID)
	if err != nil {
		return nil, mapNotFound(err, seats.ErrLobbyNotFound)
	}
	seat, err := s.store.GetSeat(ctx, seatID)
	if err != nil {
		return nil, mapNotFound(err, seats.ErrSeatNotFound)
	}
	if seat.LobbyID != lobbyID {
		return nil, seats.ErrSeatNotFound
	}
	if _, used, err := s.txlog.ConfirmedPay(ctx, txHash); err != nil {
		return nil, apperr.Upstream(err)
	} else if used {
		return nil, ErrTxAlreadyUsed
	}

	now := s.now()
	updated, err := s.seats.MarkPendingPayment(ctx, seatID, userID, txHash, now)
	if err != nil {
		return nil, err
	}
	entry, err := s.txlog.Record(ctx, store.LedgerEntry{
		LobbyID: lobbyID, SeatID: seatID, RoundID: lobby.CurrentRoundID, OccupantID: userID,
		Action: store.ActionPay, TxHash: txHash, AmountNano: lobby.StakeNano, Status: store.LedgerPending,
	}, ledger.Meta{"seatIndex": updated.SeatIndex, "source": "user"})
	if err != nil {
		return nil, apperr.Upstream(fmt.Errorf("record pending pay entry: %w", err))
	}
	log.Info().Str("lobby_id", lobbyID).Str("seat_id", seatID).Str("tx_hash", txHash).Msg("payment submitted")
	return &PayResponse{
		LobbyID: lobbyID,
		Seat:    seatItem(updated, s.seats.Config().ReservationTTL, now),
		EntryID: entry.ID,
		TxHash:  txHash,
	}, nil
}

func (s *Service) Leave(ctx context.Context, lobbyID, userID string) (*SeatResponse, error) {
	now := s.now()
	seat, err := s.seats.Leave(ctx, lobbyID, userID, now)
	if err != nil {
		return nil, err
	}
	return &SeatResponse{LobbyID: lobbyID, Seat: seatItem(seat, s.seats.Config().ReservationTTL, now)}, nil
}

func (s *Service) Finalize(ctx context.Context, lobbyID string) (*FinalizeResponse, error) {
	res, err := s.rounds.Finalize(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	out := &FinalizeResponse{
		LobbyID:      lobbyID,
		Round:        roundItem(res.Round),
		WinnerIndex:  res.WinnerIndex,
		Winner:       seatItem(res.Winner, 0, s.now()),
		PaidSeats:    len(res.PaidSeats),
		SeedReveal:   res.Seed,
		PayoutTxHash: res.PayoutTx,
		PayoutError:  res.PayoutError,
	}
	if res.Round.PayoutNano != nil {
		out.PayoutTON = amount.TON(*res.Round.PayoutNano)
	}
	return out, nil
}

func (s *Service) NextRound(ctx context.Context, lobbyID string) (*NextRoundResponse, error) {
	lobby, round, err := s.rounds.OpenRound(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	return &NextRoundResponse{Lobby: lobbyItem(lobby, 0, 0), Round: roundItem(round)}, nil
}

func (s *Service) Ledger(ctx context.Context, lobbyID string, limit, offset int) (*LedgerResponse, error) {
	if _, err := s.store.GetLobby(ctx, lobbyID); err != nil {
		return nil, mapNotFound(err, seats.ErrLobbyNotFound)
	}
	entries, err := s.txlog.History(ctx, lobbyID, limit, offset)
	if err != nil {
		return nil, apperr.Upstream(err)
	}
	out := make([]LedgerItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, LedgerItem{
			ID:         e.ID,
			SeatID:     e.SeatID,
			RoundID:    e.RoundID,
			OccupantID: e.OccupantID,
			Action:     string(e.Action),
			TxHash:     e.TxHash,
			AmountTON:  amount.TON(e.AmountNano),
			Status:     string(e.Status),
			Metadata:   e.Metadata,
			CreatedAt:  e.CreatedAt,
		})
	}
	return &LedgerResponse{Items: out, Limit: limit, Offset: offset}, nil
}

func (s *Service) Round(ctx context.Context, roundID string) (*RoundItem, error) {
	if roundID == "" {
		return nil, ErrInvalidRequest
	}
	round, err := s.store.GetRound(ctx, roundID)
	if err != nil {
		return nil, mapNotFound(err, rounds.ErrRoundNotFound)
	}
	out := roundItem(round)
	return &out, nil
}

func (s *Service) Proof(ctx context.Context, roundID string) (*rounds.Proof, error) {
	p, err := s.rounds.Proof(ctx, roundID)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Service) Audit(ctx context.Context, action string, limit, offset int) (*AuditResponse, error) {
	items, err := s.trail.List(ctx, store.AuditFilter{Action: action, Limit: limit, Offset: offset})
	if err != nil {
		return nil, apperr.Upstream(err)
	}
	return &AuditResponse{Items: items, Limit: limit, Offset: offset}, nil
}

// RoundState proxies the contract view. Chain failures degrade to a fallback body
// rather than an error.
func (s *Service) RoundState(ctx context.Context, lobbyID string) (*RoundStateResponse, error) {
	if lobbyID == "" {
		return nil, ErrInvalidRequest
	}
	st, err := s.chain.LobbyState(ctx, lobbyID)
	if err != nil {
		log.Warn().Err(err).Str("lobby_id", lobbyID).Msg("chain lobby state unavailable")
		return &RoundStateResponse{IsFallback: true, Error: apperr.CodeOf(err)}, nil
	}
	return &RoundStateResponse{LobbyState: &st, IsOnchain: true}, nil
}

func lobbyItem(l store.Lobby, taken, paid int) LobbyItem {
	return LobbyItem{
		ID:             l.ID,
		Code:           l.Code,
		Class:          l.Class,
		StakeTON:       amount.TON(l.StakeNano),
		SeatCount:      l.SeatCount,
		Status:         string(l.Status),
		SeatsTaken:     taken,
		SeatsPaid:      paid,
		SeedCommit:     l.SeedCommit,
		CurrentRoundID: l.CurrentRoundID,
		CreatedAt:      l.CreatedAt,
	}
}

// seatItem renders a seat; held seats carry their countdown when ttl is set.
func seatItem(seat store.Seat, ttl time.Duration, now time.Time) SeatItem {
	out := SeatItem{
		ID:         seat.ID,
		Index:      seat.SeatIndex,
		Status:     string(seat.Status),
		OccupantID: seat.OccupantID,
		Wallet:     seat.OccupantWallet,
		ReservedAt: seat.ReservedAt,
		PaidAt:     seat.PaidAt,
		TxHash:     seat.TxHash,
	}
	if seat.AmountNano != nil {
		out.AmountTON = amount.TON(*seat.AmountNano)
	}
	if ttl > 0 {
		if tick, ok := notify.TimerTick(seat, ttl, now); ok {
			expires, remaining := tick.ExpiresAt, tick.RemainingMs
			out.ExpiresAt = &expires
			out.RemainingMs = &remaining
		}
	}
	return out
}

func roundItem(r store.Round) RoundItem {
	out := RoundItem{
		ID:               r.ID,
		LobbyID:          r.LobbyID,
		Number:           r.Number,
		SeedCommit:       r.SeedCommit,
		RoundHash:        r.RoundHash,
		WinnerSeatID:     r.WinnerSeatID,
		WinnerOccupantID: r.WinnerOccupantID,
		WinnerWallet:     r.WinnerWallet,
		TxHash:           r.TxHash,
		FinalizedAt:      r.FinalizedAt,
		CreatedAt:        r.CreatedAt,
	}
	if r.PayoutNano != nil {
		out.PayoutTON = amount.TON(*r.PayoutNano)
	}
	return out
}

func mapNotFound(err, notFound error) error {
	if errors.Is(err, store.ErrNotFound) {
		return notFound
	}
	return apperr.Upstream(err)
}
