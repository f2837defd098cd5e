package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const ledgerCols = `id, lobby_id, seat_id, round_id, occupant_id, action, tx_hash, amount_nano, status, metadata, created_at`

func scanLedgerEntry(row pgx.Row) (LedgerEntry, error) {
	var (
		e                                 LedgerEntry
		action, status                    string
		seatID, roundID, occupant, txHash pgtype.Text
		metadata                          []byte
	)
	if err := row.Scan(&e.ID, &e.LobbyID, &seatID, &roundID, &occupant, &action, &txHash, &e.AmountNano,
		&status, &metadata, &e.CreatedAt); err != nil {
		return LedgerEntry{}, mapNotFound(err)
	}
	e.SeatID = textVal(seatID)
	e.RoundID = textVal(roundID)
	e.OccupantID = textVal(occupant)
	e.Action = LedgerAction(action)
	e.TxHash = textVal(txHash)
	e.Status = LedgerStatus(status)
	e.Metadata = metadata
	return e, nil
}

func (s *Store) InsertLedgerEntry(ctx context.Context, e LedgerEntry) (LedgerEntry, error) {
	if e.ID == "" {
		e.ID = NewID()
	}
	out, err := scanLedgerEntry(s.Pool.QueryRow(ctx, `INSERT INTO ledger_entries
			(id, lobby_id, seat_id, round_id, occupant_id, action, tx_hash, amount_nano, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+ledgerCols,
		e.ID, e.LobbyID, textParam(e.SeatID), textParam(e.RoundID), textParam(e.OccupantID), string(e.Action),
		textParam(e.TxHash), e.AmountNano, string(e.Status), jsonParam(e.Metadata)))
	if err != nil {
		return LedgerEntry{}, mapWriteErr(err)
	}
	return out, nil
}

// UpdateLedgerStatus moves an entry out of p.From. Entries never leave a terminal status.
func (s *Store) UpdateLedgerStatus(ctx context.Context, p LedgerStatusUpdate) (LedgerEntry, error) {
	out, err := scanLedgerEntry(s.Pool.QueryRow(ctx, `UPDATE ledger_entries
		SET status = $3, tx_hash = COALESCE($4, tx_hash)
		WHERE id = $1 AND status = $2
		RETURNING `+ledgerCols, p.ID, string(p.From), string(p.To), textParam(p.TxHash)))
	if errors.Is(err, ErrNotFound) {
		var exists bool
		if qErr := s.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE id = $1)`, p.ID).Scan(&exists); qErr != nil {
			return LedgerEntry{}, qErr
		}
		if !exists {
			return LedgerEntry{}, ErrNotFound
		}
		return LedgerEntry{}, ErrConflict
	}
	if err != nil {
		return LedgerEntry{}, mapWriteErr(err)
	}
	return out, nil
}

func (s *Store) FindLedgerEntry(ctx context.Context, q LedgerLookup) (LedgerEntry, error) {
	return scanLedgerEntry(s.Pool.QueryRow(ctx, `SELECT `+ledgerCols+` FROM ledger_entries
		WHERE action = $1
			AND ($2::text = '' OR tx_hash = $2::text)
			AND ($3::text = '' OR round_id = $3::text)
			AND ($4::text = '' OR seat_id = $4::text)
			AND ($5::text = '' OR status = $5::text)
			AND ($6::text = '' OR metadata->>'source' = $6::text)
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, string(q.Action), q.TxHash, q.RoundID, q.SeatID, string(q.Status), q.Source))
}

func (s *Store) ListLedgerEntries(ctx context.Context, f LedgerFilter) ([]LedgerEntry, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+ledgerCols+` FROM ledger_entries
		WHERE ($1::text = '' OR lobby_id = $1::text)
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, f.LobbyID, clampLimit(f.Limit), max(f.Offset, 0))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []LedgerEntry{}
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
