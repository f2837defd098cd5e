package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const auditCols = `id, actor_kind, actor_id, action, payload, hash, signature, created_at`

func scanAudit(row pgx.Row) (AuditRecord, error) {
	var (
		r                  AuditRecord
		kind               string
		actorID, signature pgtype.Text
		payload            []byte
	)
	if err := row.Scan(&r.ID, &kind, &actorID, &r.Action, &payload, &r.Hash, &signature, &r.CreatedAt); err != nil {
		return AuditRecord{}, mapNotFound(err)
	}
	r.ActorKind = ActorKind(kind)
	r.ActorID = textVal(actorID)
	r.Payload = payload
	r.Signature = textVal(signature)
	return r, nil
}

// InsertAudit appends a record. A second record with the same (action, hash) returns ErrDuplicate.
func (s *Store) InsertAudit(ctx context.Context, r AuditRecord) (AuditRecord, error) {
	if r.ID == "" {
		r.ID = NewID()
	}
	out, err := scanAudit(s.Pool.QueryRow(ctx, `INSERT INTO audit_records (id, actor_kind, actor_id, action, payload, hash, signature)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+auditCols,
		r.ID, string(r.ActorKind), textParam(r.ActorID), r.Action, jsonParam(r.Payload), r.Hash, textParam(r.Signature)))
	if err != nil {
		return AuditRecord{}, mapWriteErr(err)
	}
	return out, nil
}

func (s *Store) FindAuditByHash(ctx context.Context, action, hash string) (AuditRecord, error) {
	return scanAudit(s.Pool.QueryRow(ctx, `SELECT `+auditCols+` FROM audit_records WHERE action = $1 AND hash = $2`, action, hash))
}

func (s *Store) ListAudit(ctx context.Context, f AuditFilter) ([]AuditRecord, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+auditCols+` FROM audit_records
		WHERE ($1::text = '' OR action = $1::text)
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, f.Action, clampLimit(f.Limit), max(f.Offset, 0))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []AuditRecord{}
	for rows.Next() {
		r, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
