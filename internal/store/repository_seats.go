package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const seatCols = `id, lobby_id, seat_index, status, occupant_id, occupant_wallet, reserved_at, paid_at,
	released_at, amount_nano, tx_hash`

func scanSeat(row pgx.Row) (Seat, error) {
	var (
		s                            Seat
		status                       string
		occupant, wallet, txHash     pgtype.Text
		reservedAt, paidAt, released pgtype.Timestamptz
		amount                       pgtype.Int8
	)
	if err := row.Scan(&s.ID, &s.LobbyID, &s.SeatIndex, &status, &occupant, &wallet, &reservedAt, &paidAt,
		&released, &amount, &txHash); err != nil {
		return Seat{}, mapNotFound(err)
	}
	s.Status = SeatStatus(status)
	s.OccupantID = textVal(occupant)
	s.OccupantWallet = textVal(wallet)
	s.ReservedAt = timePtrVal(reservedAt)
	s.PaidAt = timePtrVal(paidAt)
	s.ReleasedAt = timePtrVal(released)
	s.AmountNano = int64PtrVal(amount)
	s.TxHash = textVal(txHash)
	return s, nil
}

func collectSeats(rows pgx.Rows, err error) ([]Seat, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Seat{}
	for rows.Next() {
		seat, err := scanSeat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, seat)
	}
	return out, rows.Err()
}

func (s *Store) ListSeats(ctx context.Context, lobbyID string) ([]Seat, error) {
	return collectSeats(s.Pool.Query(ctx, `SELECT `+seatCols+` FROM seats WHERE lobby_id = $1 ORDER BY seat_index`, lobbyID))
}

func (s *Store) GetSeat(ctx context.Context, id string) (Seat, error) {
	return scanSeat(s.Pool.QueryRow(ctx, `SELECT `+seatCols+` FROM seats WHERE id = $1`, id))
}

func (s *Store) GetSeatByIndex(ctx context.Context, lobbyID string, index int) (Seat, error) {
	return scanSeat(s.Pool.QueryRow(ctx, `SELECT `+seatCols+` FROM seats WHERE lobby_id = $1 AND seat_index = $2`, lobbyID, index))
}

func (s *Store) FindSeatByOccupant(ctx context.Context, lobbyID, occupantID string) (Seat, error) {
	return scanSeat(s.Pool.QueryRow(ctx, `SELECT `+seatCols+` FROM seats
		WHERE lobby_id = $1 AND occupant_id = $2 AND status <> 'free'`, lobbyID, occupantID))
}

// ReserveFirstFree claims the lowest-index free seat. Concurrent callers skip rows locked
// by each other, so with one free seat exactly one caller wins and the rest get ErrNotFound.
// ErrDuplicate means the occupant already holds a seat in the lobby.
func (s *Store) ReserveFirstFree(ctx context.Context, p ReserveParams) (Seat, error) {
	seat, err := scanSeat(s.Pool.QueryRow(ctx, `UPDATE seats SET status = 'taken', occupant_id = $2, occupant_wallet = $3,
			reserved_at = $4, paid_at = NULL, released_at = NULL, amount_nano = NULL, tx_hash = NULL, updated_at = now()
		WHERE id = (
			SELECT id FROM seats
			WHERE lobby_id = $1 AND status = 'free'
			ORDER BY seat_index
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+seatCols, p.LobbyID, p.OccupantID, textParam(p.Wallet), p.At))
	if err != nil {
		return Seat{}, mapWriteErr(err)
	}
	return seat, nil
}

// TransitionSeat applies t as a single conditional update.
func (s *Store) TransitionSeat(ctx context.Context, t SeatTransition) (Seat, error) {
	seat, err := scanSeat(s.Pool.QueryRow(ctx, `UPDATE seats SET
			status = $2::text,
			occupant_id = CASE WHEN $2::text = 'free' THEN NULL ELSE occupant_id END,
			occupant_wallet = CASE WHEN $2::text = 'free' THEN NULL ELSE COALESCE($9::text, occupant_wallet) END,
			reserved_at = CASE WHEN $2::text = 'free' THEN NULL ELSE reserved_at END,
			paid_at = CASE WHEN $2::text = 'paid' THEN $3::timestamptz WHEN $2::text = 'free' THEN NULL ELSE paid_at END,
			released_at = CASE WHEN $2::text = 'free' THEN $3::timestamptz ELSE released_at END,
			amount_nano = CASE WHEN $2::text = 'paid' THEN $4::bigint WHEN $2::text = 'free' THEN NULL ELSE amount_nano END,
			tx_hash = CASE WHEN $2::text = 'free' THEN NULL ELSE COALESCE($5::text, tx_hash) END,
			updated_at = now()
		WHERE id = $1
			AND status = ANY($6::text[])
			AND ($7::text IS NULL OR occupant_id = $7::text)
			AND ($8::timestamptz IS NULL OR reserved_at >= $8::timestamptz)
		RETURNING `+seatCols,
		t.SeatID, string(t.To), t.At, int8PtrParam(t.AmountNano), textParam(t.TxHash),
		seatStatusStrings(t.From), textParam(t.ExpectOccupant), timeParam(t.ReservedAfter), textParam(t.Wallet)))
	if errors.Is(err, ErrNotFound) {
		if _, getErr := s.GetSeat(ctx, t.SeatID); getErr != nil {
			return Seat{}, getErr
		}
		return Seat{}, ErrConflict
	}
	if err != nil {
		return Seat{}, mapWriteErr(err)
	}
	return seat, nil
}

// ReleaseExpired frees held, unpaid seats reserved before cutoff.
func (s *Store) ReleaseExpired(ctx context.Context, lobbyID string, cutoff, at time.Time) ([]Seat, error) {
	return collectSeats(s.Pool.Query(ctx, `UPDATE seats SET status = 'free', occupant_id = NULL, occupant_wallet = NULL,
			reserved_at = NULL, paid_at = NULL, amount_nano = NULL, tx_hash = NULL, released_at = $3, updated_at = now()
		WHERE lobby_id = $1
			AND status IN ('taken', 'pending_payment')
			AND reserved_at < $2
			AND paid_at IS NULL
		RETURNING `+seatCols, lobbyID, cutoff, at))
}

func (s *Store) ListLobbiesWithHeldSeats(ctx context.Context) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `SELECT DISTINCT lobby_id FROM seats WHERE status IN ('taken', 'pending_payment') ORDER BY lobby_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
