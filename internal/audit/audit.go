// Package audit is the append-only, hash-keyed trail of externally sourced and
// fairness-relevant actions.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tonrody/internal/apperr"
	"tonrody/internal/store"
)

const (
	ActionSeedCommit = "seed_commit"
	ActionSeedReveal = "seed_reveal"

	occurredAtLayout = "2006-01-02T15:04:05.000Z"
	redacted         = "[redacted]"
)

var ErrSeedNotFound = apperr.New(apperr.KindInvalidReveal, "seed_not_found")

type Trail struct {
	store store.Repository
}

func New(st store.Repository) *Trail {
	return &Trail{store: st}
}

// Record is an audit entry before it is persisted. Payload is encoded as JSON.
type Record struct {
	ActorKind store.ActorKind
	ActorID   string
	Action    string
	Hash      string
	Signature string
	Payload   any
}

// Insert appends r. A record with the same action and hash already present yields
// store.ErrDuplicate.
func (t *Trail) Insert(ctx context.Context, r Record) (store.AuditRecord, error) {
	if r.Action == "" || r.Hash == "" {
		return store.AuditRecord{}, errors.New("audit record requires action and hash")
	}
	raw, err := json.Marshal(r.Payload)
	if err != nil {
		return store.AuditRecord{}, fmt.Errorf("encode audit payload: %w", err)
	}
	return t.store.InsertAudit(ctx, store.AuditRecord{
		ActorKind: r.ActorKind,
		ActorID:   r.ActorID,
		Action:    r.Action,
		Payload:   raw,
		Hash:      r.Hash,
		Signature: r.Signature,
	})
}

// FormatOccurredAt renders t the way it enters the content hash: UTC with milliseconds,
// or empty when unknown.
func FormatOccurredAt(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(occurredAtLayout)
}

// ContentHash is the idempotency key of an external event.
func ContentHash(eventType, lobbyID, eventID string, occurredAt *time.Time) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{eventType, lobbyID, eventID, FormatOccurredAt(occurredAt)}, ":")))
	return hex.EncodeToString(sum[:])
}

func (t *Trail) Exists(ctx context.Context, action, hash string) (bool, error) {
	_, ok, err := t.Lookup(ctx, action, hash)
	return ok, err
}

func (t *Trail) Lookup(ctx context.Context, action, hash string) (store.AuditRecord, bool, error) {
	rec, err := t.store.FindAuditByHash(ctx, action, hash)
	if errors.Is(err, store.ErrNotFound) {
		return store.AuditRecord{}, false, nil
	}
	if err != nil {
		return store.AuditRecord{}, false, err
	}
	return rec, true, nil
}

type seedPayload struct {
	LobbyID string `json:"lobbyId"`
	RoundID string `json:"roundId,omitempty"`
	Number  int    `json:"roundNumber,omitempty"`
	Seed    string `json:"seed"`
	Commit  string `json:"commit"`
}

// RecordSeedCommit stores the secret seed keyed by its commitment. This row is the only
// place the seed lives until reveal.
func (t *Trail) RecordSeedCommit(ctx context.Context, lobbyID string, number int, seed, commit string) error {
	_, err := t.Insert(ctx, Record{
		ActorKind: store.ActorBackend,
		ActorID:   "round-engine",
		Action:    ActionSeedCommit,
		Hash:      commit,
		Payload:   seedPayload{LobbyID: lobbyID, Number: number, Seed: seed, Commit: commit},
	})
	return err
}

// RecordSeedReveal is idempotent: a reveal already on file for commit is not an error.
func (t *Trail) RecordSeedReveal(ctx context.Context, lobbyID, roundID, seed, commit string) error {
	_, err := t.Insert(ctx, Record{
		ActorKind: store.ActorBackend,
		ActorID:   "round-engine",
		Action:    ActionSeedReveal,
		Hash:      commit,
		Payload:   seedPayload{LobbyID: lobbyID, RoundID: roundID, Seed: seed, Commit: commit},
	})
	if errors.Is(err, store.ErrDuplicate) {
		return nil
	}
	return err
}

// SeedByCommit recovers the seed recorded for commit.
func (t *Trail) SeedByCommit(ctx context.Context, commit string) (string, error) {
	rec, ok, err := t.Lookup(ctx, ActionSeedCommit, commit)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrSeedNotFound
	}
	var p seedPayload
	if err := json.Unmarshal(rec.Payload, &p); err != nil || p.Seed == "" {
		return "", ErrSeedNotFound
	}
	return p.Seed, nil
}

// RevealedSeed returns the seed published at finalize for commit. ok is false until the
// round has been revealed.
func (t *Trail) RevealedSeed(ctx context.Context, commit string) (string, bool, error) {
	rec, ok, err := t.Lookup(ctx, ActionSeedReveal, commit)
	if err != nil || !ok {
		return "", false, err
	}
	var p seedPayload
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return "", false, fmt.Errorf("decode seed reveal: %w", err)
	}
	return p.Seed, p.Seed != "", nil
}

// List returns records newest first. Seeds inside seed_commit payloads are redacted;
// they surface through seed_reveal once the round is finalized.
func (t *Trail) List(ctx context.Context, f store.AuditFilter) ([]store.AuditRecord, error) {
	items, err := t.store.ListAudit(ctx, f)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].Action != ActionSeedCommit {
			continue
		}
		var p seedPayload
		if err := json.Unmarshal(items[i].Payload, &p); err != nil {
			items[i].Payload = json.RawMessage(`{}`)
			continue
		}
		p.Seed = redacted
		raw, _ := json.Marshal(p)
		items[i].Payload = raw
	}
	return items, nil
}
