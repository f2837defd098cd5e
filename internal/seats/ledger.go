// Package seats owns the per-lobby seat reservation state machine.
package seats

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"tonrody/internal/apperr"
	"tonrody/internal/ledger"
	"tonrody/internal/metrics"
	"tonrody/internal/notify"
	"tonrody/internal/store"
)

const (
	DefaultReservationTTL = 2 * time.Minute
	DefaultPaymentWindow  = 5 * time.Minute
)

type Config struct {
	ReservationTTL time.Duration
	PaymentWindow  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReservationTTL <= 0 {
		c.ReservationTTL = DefaultReservationTTL
	}
	if c.PaymentWindow <= 0 {
		c.PaymentWindow = DefaultPaymentWindow
	}
	return c
}

var (
	heldStatuses    = []store.SeatStatus{store.SeatTaken, store.SeatPendingPayment}
	releasable      = []store.SeatStatus{store.SeatTaken, store.SeatPendingPayment, store.SeatFailed}
	pendingStatuses = []store.SeatStatus{store.SeatTaken}
)

// Ledger applies seat transitions. Every transition is one conditional update in the
// store; Ledger itself holds no mutable state.
type Ledger struct {
	store store.Repository
	pub   notify.Publisher
	txlog *ledger.Ledger
	cfg   Config
}

func New(st store.Repository, pub notify.Publisher, txlog *ledger.Ledger, cfg Config) *Ledger {
	return &Ledger{store: st, pub: pub, txlog: txlog, cfg: cfg.withDefaults()}
}

func (l *Ledger) Config() Config { return l.cfg }

// Reserve assigns the lowest free seat of lobbyID to occupantID. Expired reservations in
// the lobby are released first.
func (l *Ledger) Reserve(ctx context.Context, lobbyID, occupantID, wallet string, now time.Time) (store.Seat, error) {
	if lobbyID == "" || occupantID == "" {
		return store.Seat{}, ErrInvalidRequest
	}
	if _, err := l.ReleaseExpired(ctx, lobbyID, now.Add(-l.cfg.ReservationTTL)); err != nil {
		return store.Seat{}, err
	}
	lobby, err := l.store.GetLobby(ctx, lobbyID)
	if err != nil {
		return store.Seat{}, mapStoreErr(err, ErrLobbyNotFound)
	}
	if lobby.Status == store.LobbyFinalized || lobby.Status == store.LobbyLocked {
		return store.Seat{}, ErrLobbyClosed
	}
	if _, err := l.store.FindSeatByOccupant(ctx, lobbyID, occupantID); err == nil {
		return store.Seat{}, ErrAlreadyOccupying
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.Seat{}, apperr.Upstream(err)
	}

	seat, err := l.store.ReserveFirstFree(ctx, store.ReserveParams{LobbyID: lobbyID, OccupantID: occupantID, Wallet: wallet, At: now})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return store.Seat{}, ErrNoFreeSeat
	case errors.Is(err, store.ErrDuplicate):
		return store.Seat{}, ErrAlreadyOccupying
	case err != nil:
		return store.Seat{}, apperr.Upstream(err)
	}
	metrics.SeatTransitions.WithLabelValues(string(store.SeatTaken)).Inc()

	l.record(ctx, store.LedgerEntry{
		LobbyID: lobbyID, SeatID: seat.ID, RoundID: lobby.CurrentRoundID, OccupantID: occupantID,
		Action: store.ActionJoin, AmountNano: lobby.StakeNano, Status: store.LedgerConfirmed,
	}, ledger.Meta{"seatIndex": seat.SeatIndex, "wallet": wallet})
	l.refreshStatus(ctx, lobbyID)
	l.publishSeat(seat, now)
	return seat, nil
}

// ReleaseExpired frees held, unpaid seats reserved before cutoff.
func (l *Ledger) ReleaseExpired(ctx context.Context, lobbyID string, cutoff time.Time) ([]store.Seat, error) {
	released, err := l.store.ReleaseExpired(ctx, lobbyID, cutoff, time.Now().UTC())
	if err != nil {
		return nil, apperr.Upstream(err)
	}
	if len(released) == 0 {
		return released, nil
	}
	metrics.SeatsReleased.Add(float64(len(released)))
	metrics.SeatTransitions.WithLabelValues(string(store.SeatFree)).Add(float64(len(released)))
	for _, seat := range released {
		l.pub.Publish(lobbyID, notify.EventSeatUpdate, notify.Seat(seat))
	}
	log.Debug().Str("lobby_id", lobbyID).Int("released", len(released)).Msg("expired reservations released")
	l.refreshStatus(ctx, lobbyID)
	return released, nil
}

// MarkPendingPayment records that the occupant submitted a payment for the seat.
func (l *Ledger) MarkPendingPayment(ctx context.Context, seatID, occupantID, txHash string, now time.Time) (store.Seat, error) {
	if seatID == "" || occupantID == "" {
		return store.Seat{}, ErrInvalidRequest
	}
	windowStart := now.Add(-l.cfg.PaymentWindow)
	seat, err := l.transition(ctx, store.SeatTransition{
		SeatID: seatID, From: pendingStatuses, To: store.SeatPendingPayment,
		ExpectOccupant: occupantID, ReservedAfter: &windowStart, At: now, TxHash: ledger.CanonicalTxHash(txHash),
	})
	if errors.Is(err, ErrSeatConflict) {
		return store.Seat{}, l.explainConflict(ctx, seatID, occupantID, now)
	}
	return seat, err
}

// MarkPaid moves a held seat to paid. expectOccupant, when set, must still hold the seat.
// A payment arriving after the payment window force-releases the seat and fails with
// ErrPaymentWindowExpired.
func (l *Ledger) MarkPaid(ctx context.Context, seatID, expectOccupant string, amountNano int64, txHash string, at time.Time) (store.Seat, error) {
	windowStart := at.Add(-l.cfg.PaymentWindow)
	amount := amountNano
	seat, err := l.transition(ctx, store.SeatTransition{
		SeatID: seatID, From: heldStatuses, To: store.SeatPaid, ExpectOccupant: expectOccupant,
		ReservedAfter: &windowStart, At: at, AmountNano: &amount, TxHash: ledger.CanonicalTxHash(txHash),
	})
	if errors.Is(err, ErrSeatConflict) {
		return store.Seat{}, l.explainConflict(ctx, seatID, expectOccupant, at)
	}
	return seat, err
}

// MarkFailed flags a held seat after a rejected payment. Paid seats are never downgraded.
func (l *Ledger) MarkFailed(ctx context.Context, seatID, expectOccupant string, at time.Time) (store.Seat, error) {
	return l.transition(ctx, store.SeatTransition{
		SeatID: seatID, From: heldStatuses, To: store.SeatFailed, ExpectOccupant: expectOccupant, At: at,
	})
}

// Release returns a held or failed seat to free.
func (l *Ledger) Release(ctx context.Context, seatID, expectOccupant string, at time.Time) (store.Seat, error) {
	return l.transition(ctx, store.SeatTransition{
		SeatID: seatID, From: releasable, To: store.SeatFree, ExpectOccupant: expectOccupant, At: at,
	})
}

// Leave releases the caller's unpaid seat in lobbyID.
func (l *Ledger) Leave(ctx context.Context, lobbyID, occupantID string, now time.Time) (store.Seat, error) {
	if lobbyID == "" || occupantID == "" {
		return store.Seat{}, ErrInvalidRequest
	}
	held, err := l.store.FindSeatByOccupant(ctx, lobbyID, occupantID)
	if err != nil {
		return store.Seat{}, mapStoreErr(err, ErrSeatNotFound)
	}
	if held.Status == store.SeatPaid {
		return store.Seat{}, ErrSeatAlreadyPaid
	}
	seat, err := l.Release(ctx, held.ID, occupantID, now)
	if err != nil {
		return store.Seat{}, err
	}
	l.record(ctx, store.LedgerEntry{
		LobbyID: lobbyID, SeatID: seat.ID, OccupantID: occupantID, Action: store.ActionLeave, Status: store.LedgerConfirmed,
	}, ledger.Meta{"seatIndex": seat.SeatIndex, "previousStatus": string(held.Status)})
	return seat, nil
}

func (l *Ledger) transition(ctx context.Context, t store.SeatTransition) (store.Seat, error) {
	seat, err := l.store.TransitionSeat(ctx, t)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return store.Seat{}, ErrSeatNotFound
	case errors.Is(err, store.ErrConflict):
		return store.Seat{}, ErrSeatConflict
	case errors.Is(err, store.ErrDuplicate):
		return store.Seat{}, ErrAlreadyOccupying
	case err != nil:
		return store.Seat{}, apperr.Upstream(err)
	}
	metrics.SeatTransitions.WithLabelValues(string(t.To)).Inc()
	l.refreshStatus(ctx, seat.LobbyID)
	l.publishSeat(seat, t.At)
	return seat, nil
}

// explainConflict turns a failed CAS into the most specific error. A held seat whose
// payment window has passed is released on the spot.
func (l *Ledger) explainConflict(ctx context.Context, seatID, occupantID string, at time.Time) error {
	seat, err := l.store.GetSeat(ctx, seatID)
	if err != nil {
		return mapStoreErr(err, ErrSeatNotFound)
	}
	switch {
	case seat.Status == store.SeatPaid:
		return ErrSeatAlreadyPaid
	case occupantID != "" && seat.OccupantID != occupantID:
		return ErrNotOccupant
	case seat.Status.Held() && seat.ReservedAt != nil && seat.ReservedAt.Before(at.Add(-l.cfg.PaymentWindow)):
		if _, relErr := l.Release(ctx, seat.ID, seat.OccupantID, at); relErr != nil && !errors.Is(relErr, ErrSeatConflict) {
			return relErr
		}
		return ErrPaymentWindowExpired
	default:
		return ErrSeatConflict
	}
}

func (l *Ledger) refreshStatus(ctx context.Context, lobbyID string) {
	lobby, err := l.store.RefreshLobbyStatus(ctx, lobbyID)
	if err != nil {
		log.Warn().Err(err).Str("lobby_id", lobbyID).Msg("refresh lobby status failed")
		return
	}
	l.pub.Publish(lobbyID, notify.EventLobbyStatus, notify.LobbyStatusPayload{LobbyID: lobbyID, Status: string(lobby.Status)})
}

func (l *Ledger) publishSeat(seat store.Seat, now time.Time) {
	l.pub.Publish(seat.LobbyID, notify.EventSeatUpdate, notify.Seat(seat))
	if tick, ok := notify.TimerTick(seat, l.cfg.ReservationTTL, now); ok {
		l.pub.Publish(seat.LobbyID, notify.EventTimerTick, tick)
	}
}

func (l *Ledger) record(ctx context.Context, e store.LedgerEntry, meta ledger.Meta) {
	if _, err := l.txlog.Record(ctx, e, meta); err != nil {
		log.Error().Err(err).Str("lobby_id", e.LobbyID).Str("action", string(e.Action)).Msg("ledger entry write failed")
	}
}

func mapStoreErr(err, notFound error) error {
	if errors.Is(err, store.ErrNotFound) {
		return notFound
	}
	return apperr.Upstream(err)
}
