package store

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestLedgerConfirmedPayIsUniquePerTxHash(t *testing.T) {
	st, ctx, cleanup := openStore(t)
	defer cleanup()

	lobby, _ := mustCreateLobby(t, st, ctx, 2)
	entry := LedgerEntry{LobbyID: lobby.ID, Action: ActionPay, TxHash: "0xaa", AmountNano: 1, Status: LedgerConfirmed,
		Metadata: json.RawMessage(`{"source":"test"}`)}
	first, err := st.InsertLedgerEntry(ctx, entry)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := st.InsertLedgerEntry(ctx, entry); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	failed := entry
	failed.Status = LedgerFailed
	if _, err := st.InsertLedgerEntry(ctx, failed); err != nil {
		t.Fatalf("failed entries are not unique: %v", err)
	}

	found, err := st.FindLedgerEntry(ctx, LedgerLookup{Action: ActionPay, TxHash: "0xaa", Status: LedgerConfirmed})
	if err != nil || found.ID != first.ID {
		t.Fatalf("find confirmed pay: %+v %v", found, err)
	}
	var meta map[string]string
	if err := json.Unmarshal(found.Metadata, &meta); err != nil || meta["source"] != "test" {
		t.Fatalf("metadata round trip: %s %v", found.Metadata, err)
	}
}

func TestLedgerStatusOnlyLeavesPending(t *testing.T) {
	st, ctx, cleanup := openStore(t)
	defer cleanup()

	lobby, _ := mustCreateLobby(t, st, ctx, 1)
	pending, err := st.InsertLedgerEntry(ctx, LedgerEntry{LobbyID: lobby.ID, Action: ActionPayout, AmountNano: 5, Status: LedgerPending})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	confirmed, err := st.UpdateLedgerStatus(ctx, LedgerStatusUpdate{ID: pending.ID, From: LedgerPending, To: LedgerConfirmed, TxHash: "0xbb"})
	if err != nil || confirmed.Status != LedgerConfirmed || confirmed.TxHash != "0xbb" {
		t.Fatalf("confirm: %+v %v", confirmed, err)
	}
	if _, err := st.UpdateLedgerStatus(ctx, LedgerStatusUpdate{ID: pending.ID, From: LedgerPending, To: LedgerFailed}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := st.UpdateLedgerStatus(ctx, LedgerStatusUpdate{ID: "missing", From: LedgerPending, To: LedgerFailed}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAuditUniqueOnActionAndHash(t *testing.T) {
	st, ctx, cleanup := openStore(t)
	defer cleanup()

	rec := AuditRecord{ActorKind: ActorExternalLedger, ActorID: "EQcontract", Action: "DepositReceived", Hash: "abc",
		Payload: json.RawMessage(`{"lobbyId":"L1"}`)}
	first, err := st.InsertAudit(ctx, rec)
	if err != nil {
		t.Fatalf("insert audit: %v", err)
	}
	if _, err := st.InsertAudit(ctx, rec); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	other := rec
	other.Action = "seed_commit"
	if _, err := st.InsertAudit(ctx, other); err != nil {
		t.Fatalf("same hash under another action: %v", err)
	}
	found, err := st.FindAuditByHash(ctx, "DepositReceived", "abc")
	if err != nil || found.ID != first.ID {
		t.Fatalf("find audit: %+v %v", found, err)
	}
	list, err := st.ListAudit(ctx, AuditFilter{Action: "seed_commit"})
	if err != nil || len(list) != 1 {
		t.Fatalf("list audit: %v %v", list, err)
	}
}
