package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const lobbyCols = `id, code, class, stake_nano, seat_count, status, seed_commit, seed_reveal,
	current_round_id, created_by, created_at, updated_at`

func scanLobby(row pgx.Row, extra ...any) (Lobby, error) {
	var (
		l                                 Lobby
		status                            string
		class, reveal, roundID, createdBy pgtype.Text
	)
	dest := []any{&l.ID, &l.Code, &class, &l.StakeNano, &l.SeatCount, &status, &l.SeedCommit, &reveal,
		&roundID, &createdBy, &l.CreatedAt, &l.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Lobby{}, mapNotFound(err)
	}
	l.Status = LobbyStatus(status)
	l.Class = textVal(class)
	l.SeedReveal = textVal(reveal)
	l.CurrentRoundID = textVal(roundID)
	l.CreatedBy = textVal(createdBy)
	return l, nil
}

// CreateLobby inserts the lobby, its free seats and round 1 in one transaction.
func (s *Store) CreateLobby(ctx context.Context, p CreateLobbyParams) (Lobby, Round, error) {
	if p.ID == "" {
		p.ID = NewID()
	}
	if p.Code == "" {
		p.Code = NewLobbyCode()
	}
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Lobby{}, Round{}, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO lobbies (id, code, class, stake_nano, seat_count, status, seed_commit, created_by)
		VALUES ($1, $2, $3, $4, $5, 'open', $6, $7)`,
		p.ID, p.Code, textParam(p.Class), p.StakeNano, p.SeatCount, p.SeedCommit, textParam(p.CreatedBy)); err != nil {
		return Lobby{}, Round{}, mapWriteErr(err)
	}
	for i := 0; i < p.SeatCount; i++ {
		if _, err := tx.Exec(ctx, `INSERT INTO seats (id, lobby_id, seat_index) VALUES ($1, $2, $3)`, NewID(), p.ID, i); err != nil {
			return Lobby{}, Round{}, mapWriteErr(err)
		}
	}
	round, err := insertRound(ctx, tx, p.ID, 1, p.SeedCommit, p.RoundHash)
	if err != nil {
		return Lobby{}, Round{}, err
	}
	lobby, err := scanLobby(tx.QueryRow(ctx, `UPDATE lobbies SET current_round_id = $2, updated_at = now()
		WHERE id = $1 RETURNING `+lobbyCols, p.ID, round.ID))
	if err != nil {
		return Lobby{}, Round{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Lobby{}, Round{}, err
	}
	return lobby, round, nil
}

func (s *Store) GetLobby(ctx context.Context, id string) (Lobby, error) {
	return scanLobby(s.Pool.QueryRow(ctx, `SELECT `+lobbyCols+` FROM lobbies WHERE id = $1`, id))
}

func (s *Store) ListLobbies(ctx context.Context, f LobbyFilter) ([]LobbySummary, error) {
	rows, err := s.Pool.Query(ctx, `SELECT l.id, l.code, l.class, l.stake_nano, l.seat_count, l.status, l.seed_commit,
			l.seed_reveal, l.current_round_id, l.created_by, l.created_at, l.updated_at,
			COUNT(s.id) FILTER (WHERE s.status <> 'free'),
			COUNT(s.id) FILTER (WHERE s.status = 'paid')
		FROM lobbies l
		LEFT JOIN seats s ON s.lobby_id = l.id
		WHERE ($1::text = '' OR l.status = $1::text)
		GROUP BY l.id
		ORDER BY l.created_at DESC, l.id DESC
		LIMIT $2 OFFSET $3`, string(f.Status), clampLimit(f.Limit), max(f.Offset, 0))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []LobbySummary{}
	for rows.Next() {
		var taken, paid int
		l, err := scanLobby(rows, &taken, &paid)
		if err != nil {
			return nil, err
		}
		out = append(out, LobbySummary{Lobby: l, SeatsTaken: taken, SeatsPaid: paid})
	}
	return out, rows.Err()
}

// RefreshLobbyStatus derives open/filling/locked from the seat rows in one statement.
// A finalized lobby is left untouched and returned as is.
func (s *Store) RefreshLobbyStatus(ctx context.Context, id string) (Lobby, error) {
	l, err := scanLobby(s.Pool.QueryRow(ctx, `UPDATE lobbies l SET
			status = CASE
				WHEN c.free > 0 THEN 'open'
				WHEN c.paid = c.total THEN 'locked'
				ELSE 'filling'
			END,
			updated_at = now()
		FROM (
			SELECT COUNT(*) FILTER (WHERE status = 'free') AS free,
				COUNT(*) FILTER (WHERE status = 'paid') AS paid,
				COUNT(*) AS total
			FROM seats WHERE lobby_id = $1
		) c
		WHERE l.id = $1 AND l.status <> 'finalized'
		RETURNING l.id, l.code, l.class, l.stake_nano, l.seat_count, l.status, l.seed_commit, l.seed_reveal,
			l.current_round_id, l.created_by, l.created_at, l.updated_at`, id))
	if errors.Is(err, ErrNotFound) {
		return s.GetLobby(ctx, id)
	}
	return l, err
}

// OpenNextRound resets a finalized lobby for the next round: new commitment, free seats,
// status open. It fails with ErrConflict unless the lobby is finalized.
func (s *Store) OpenNextRound(ctx context.Context, p OpenRoundParams) (Lobby, Round, error) {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Lobby{}, Round{}, err
	}
	defer tx.Rollback(ctx)

	var status string
	if err := tx.QueryRow(ctx, `SELECT status FROM lobbies WHERE id = $1 FOR UPDATE`, p.LobbyID).Scan(&status); err != nil {
		return Lobby{}, Round{}, mapNotFound(err)
	}
	if LobbyStatus(status) != LobbyFinalized {
		return Lobby{}, Round{}, ErrConflict
	}
	round, err := insertRound(ctx, tx, p.LobbyID, p.Number, p.SeedCommit, p.RoundHash)
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			return Lobby{}, Round{}, ErrConflict
		}
		return Lobby{}, Round{}, err
	}
	if _, err := tx.Exec(ctx, `UPDATE seats SET status = 'free', occupant_id = NULL, occupant_wallet = NULL,
			reserved_at = NULL, paid_at = NULL, amount_nano = NULL, tx_hash = NULL, released_at = now(), updated_at = now()
		WHERE lobby_id = $1`, p.LobbyID); err != nil {
		return Lobby{}, Round{}, err
	}
	lobby, err := scanLobby(tx.QueryRow(ctx, `UPDATE lobbies SET status = 'open', seed_commit = $2, seed_reveal = NULL,
			current_round_id = $3, updated_at = now()
		WHERE id = $1 RETURNING `+lobbyCols, p.LobbyID, p.SeedCommit, round.ID))
	if err != nil {
		return Lobby{}, Round{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Lobby{}, Round{}, err
	}
	return lobby, round, nil
}

// FinalizeRound stamps the winner on an unfinalized round and closes the lobby with the
// revealed seed. Either both rows change or neither does.
func (s *Store) FinalizeRound(ctx context.Context, p FinalizeRoundParams) (Round, error) {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Round{}, err
	}
	defer tx.Rollback(ctx)

	round, err := scanRound(tx.QueryRow(ctx, `UPDATE rounds SET winner_seat_id = $3, winner_occupant_id = $4,
			winner_wallet = $5, payout_nano = $6, finalized_at = $7
		WHERE id = $1 AND lobby_id = $2 AND finalized_at IS NULL
		RETURNING `+roundCols,
		p.RoundID, p.LobbyID, textParam(p.WinnerSeatID), textParam(p.WinnerOccupantID), textParam(p.WinnerWallet),
		p.PayoutNano, p.At))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Round{}, s.roundMissingOrConflict(ctx, p.RoundID)
		}
		return Round{}, err
	}
	tag, err := tx.Exec(ctx, `UPDATE lobbies SET status = 'finalized', seed_reveal = $2, updated_at = now()
		WHERE id = $1 AND status <> 'finalized'`, p.LobbyID, p.SeedReveal)
	if err != nil {
		return Round{}, err
	}
	if tag.RowsAffected() == 0 {
		return Round{}, ErrConflict
	}
	if err := tx.Commit(ctx); err != nil {
		return Round{}, err
	}
	return round, nil
}

func (s *Store) roundMissingOrConflict(ctx context.Context, roundID string) error {
	if _, err := s.GetRound(ctx, roundID); err != nil {
		return err
	}
	return ErrConflict
}
