package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const roundCols = `id, lobby_id, number, seed_commit, round_hash, winner_seat_id, winner_occupant_id,
	winner_wallet, payout_nano, tx_hash, finalized_at, created_at`

func scanRound(row pgx.Row) (Round, error) {
	var (
		r                                   Round
		hash, seatID, occID, wallet, txHash pgtype.Text
		payout                              pgtype.Int8
		finalizedAt                         pgtype.Timestamptz
	)
	if err := row.Scan(&r.ID, &r.LobbyID, &r.Number, &r.SeedCommit, &hash, &seatID, &occID,
		&wallet, &payout, &txHash, &finalizedAt, &r.CreatedAt); err != nil {
		return Round{}, mapNotFound(err)
	}
	r.RoundHash = textVal(hash)
	r.WinnerSeatID = textVal(seatID)
	r.WinnerOccupantID = textVal(occID)
	r.WinnerWallet = textVal(wallet)
	r.PayoutNano = int64PtrVal(payout)
	r.TxHash = textVal(txHash)
	r.FinalizedAt = timePtrVal(finalizedAt)
	return r, nil
}

func insertRound(ctx context.Context, q queryer, lobbyID string, number int, commit, roundHash string) (Round, error) {
	r, err := scanRound(q.QueryRow(ctx, `INSERT INTO rounds (id, lobby_id, number, seed_commit, round_hash)
		VALUES ($1, $2, $3, $4, $5) RETURNING `+roundCols,
		NewID(), lobbyID, number, commit, textParam(roundHash)))
	if err != nil {
		return Round{}, mapWriteErr(err)
	}
	return r, nil
}

func (s *Store) CurrentRound(ctx context.Context, lobbyID string) (Round, error) {
	return scanRound(s.Pool.QueryRow(ctx, `SELECT `+roundCols+` FROM rounds
		WHERE id = (SELECT current_round_id FROM lobbies WHERE id = $1)`, lobbyID))
}

func (s *Store) GetRound(ctx context.Context, id string) (Round, error) {
	return scanRound(s.Pool.QueryRow(ctx, `SELECT `+roundCols+` FROM rounds WHERE id = $1`, id))
}

// UpdateRoundSettlement overlays externally confirmed values on a round. finalized_at is
// only set when still empty.
func (s *Store) UpdateRoundSettlement(ctx context.Context, p RoundSettlement) (Round, error) {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Round{}, err
	}
	defer tx.Rollback(ctx)

	r, err := scanRound(tx.QueryRow(ctx, `UPDATE rounds SET
			round_hash = COALESCE($2, round_hash),
			winner_wallet = COALESCE($3, winner_wallet),
			winner_seat_id = CASE WHEN $9::boolean THEN NULL ELSE COALESCE($4, winner_seat_id) END,
			winner_occupant_id = CASE WHEN $9::boolean THEN NULL ELSE COALESCE($5, winner_occupant_id) END,
			payout_nano = COALESCE($6, payout_nano),
			tx_hash = COALESCE($7, tx_hash),
			finalized_at = COALESCE(finalized_at, $8)
		WHERE id = $1
		RETURNING `+roundCols,
		p.RoundID, textParam(p.RoundHash), textParam(p.WinnerWallet), textParam(p.WinnerSeatID),
		textParam(p.WinnerOccID), int8PtrParam(p.PayoutNano), textParam(p.TxHash), timeParam(p.FinalizedAt), p.ClearWinnerSeat))
	if err != nil {
		return Round{}, err
	}
	if p.CloseLobby {
		if _, err := tx.Exec(ctx, `UPDATE lobbies SET status = 'finalized', updated_at = now()
			WHERE id = $1 AND status <> 'finalized'`, r.LobbyID); err != nil {
			return Round{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Round{}, err
	}
	return r, nil
}
