// Package ledger keeps the internal transaction log of stake and payout actions.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"tonrody/internal/store"
)

// Meta is free-form entry metadata, stored as JSON.
type Meta map[string]any

type Ledger struct {
	store store.Repository
}

func New(st store.Repository) *Ledger {
	return &Ledger{store: st}
}

// CanonicalTxHash lowercases a transaction reference and prefixes it with 0x.
func CanonicalTxHash(h string) string {
	h = strings.TrimSpace(h)
	if h == "" {
		return ""
	}
	h = strings.ToLower(h)
	if strings.HasPrefix(h, "0x") {
		return h
	}
	return "0x" + h
}

// Record appends an entry. The tx hash is canonicalized before it is stored.
func (l *Ledger) Record(ctx context.Context, e store.LedgerEntry, meta Meta) (store.LedgerEntry, error) {
	e.TxHash = CanonicalTxHash(e.TxHash)
	if meta != nil {
		raw, err := json.Marshal(meta)
		if err != nil {
			return store.LedgerEntry{}, fmt.Errorf("encode ledger metadata: %w", err)
		}
		e.Metadata = raw
	}
	return l.store.InsertLedgerEntry(ctx, e)
}

// Confirm settles a pending entry, optionally attaching the tx hash that confirmed it.
func (l *Ledger) Confirm(ctx context.Context, id, txHash string) (store.LedgerEntry, error) {
	return l.store.UpdateLedgerStatus(ctx, store.LedgerStatusUpdate{
		ID: id, From: store.LedgerPending, To: store.LedgerConfirmed, TxHash: CanonicalTxHash(txHash),
	})
}

func (l *Ledger) Fail(ctx context.Context, id, txHash string) (store.LedgerEntry, error) {
	return l.store.UpdateLedgerStatus(ctx, store.LedgerStatusUpdate{
		ID: id, From: store.LedgerPending, To: store.LedgerFailed, TxHash: CanonicalTxHash(txHash),
	})
}

// ConfirmedPay returns the confirmed pay entry for txHash, if any.
func (l *Ledger) ConfirmedPay(ctx context.Context, txHash string) (store.LedgerEntry, bool, error) {
	return l.find(ctx, store.LedgerLookup{Action: store.ActionPay, TxHash: CanonicalTxHash(txHash), Status: store.LedgerConfirmed})
}

// PendingPay returns the pending pay entry a user submitted for txHash.
func (l *Ledger) PendingPay(ctx context.Context, txHash string) (store.LedgerEntry, bool, error) {
	return l.find(ctx, store.LedgerLookup{Action: store.ActionPay, TxHash: CanonicalTxHash(txHash), Status: store.LedgerPending})
}

func (l *Ledger) PendingPayout(ctx context.Context, roundID string) (store.LedgerEntry, bool, error) {
	return l.find(ctx, store.LedgerLookup{Action: store.ActionPayout, RoundID: roundID, Status: store.LedgerPending})
}

func (l *Ledger) History(ctx context.Context, lobbyID string, limit, offset int) ([]store.LedgerEntry, error) {
	return l.store.ListLedgerEntries(ctx, store.LedgerFilter{LobbyID: lobbyID, Limit: limit, Offset: offset})
}

func (l *Ledger) find(ctx context.Context, q store.LedgerLookup) (store.LedgerEntry, bool, error) {
	if q.Action == store.ActionPay && q.TxHash == "" {
		return store.LedgerEntry{}, false, nil
	}
	e, err := l.store.FindLedgerEntry(ctx, q)
	if errors.Is(err, store.ErrNotFound) {
		return store.LedgerEntry{}, false, nil
	}
	if err != nil {
		return store.LedgerEntry{}, false, err
	}
	return e, true, nil
}
