package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tonrody/internal/store"
)

func TestReserveFirstFreeOrderAndExclusion(t *testing.T) {
	m := New()
	ctx := context.Background()
	lobby, _, err := m.CreateLobby(ctx, store.CreateLobbyParams{StakeNano: 1, SeatCount: 2, SeedCommit: "c"})
	if err != nil {
		t.Fatalf("create lobby: %v", err)
	}
	now := time.Now()
	a, err := m.ReserveFirstFree(ctx, store.ReserveParams{LobbyID: lobby.ID, OccupantID: "a", At: now})
	if err != nil || a.SeatIndex != 0 {
		t.Fatalf("first reserve: %+v %v", a, err)
	}
	if _, err := m.ReserveFirstFree(ctx, store.ReserveParams{LobbyID: lobby.ID, OccupantID: "a", At: now}); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected duplicate occupant, got %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.ReserveFirstFree(ctx, store.ReserveParams{LobbyID: lobby.ID, OccupantID: store.NewID(), At: now})
			results <- err
		}()
	}
	wg.Wait()
	close(results)
	wins := 0
	for err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner for the last seat, got %d", wins)
	}
}

func TestTransitionSeatGuards(t *testing.T) {
	m := New()
	ctx := context.Background()
	lobby, _, _ := m.CreateLobby(ctx, store.CreateLobbyParams{StakeNano: 1, SeatCount: 1, SeedCommit: "c"})
	reservedAt := time.Now().Add(-10 * time.Minute)
	seat, _ := m.ReserveFirstFree(ctx, store.ReserveParams{LobbyID: lobby.ID, OccupantID: "a", At: reservedAt})

	windowStart := time.Now().Add(-5 * time.Minute)
	_, err := m.TransitionSeat(ctx, store.SeatTransition{
		SeatID: seat.ID, From: []store.SeatStatus{store.SeatTaken}, To: store.SeatPaid, ReservedAfter: &windowStart, At: time.Now(),
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected expired window conflict, got %v", err)
	}
	freed, err := m.TransitionSeat(ctx, store.SeatTransition{
		SeatID: seat.ID, From: []store.SeatStatus{store.SeatTaken}, To: store.SeatFree, ExpectOccupant: "a", At: time.Now(),
	})
	if err != nil || freed.Status != store.SeatFree || freed.OccupantID != "" || freed.ReleasedAt == nil {
		t.Fatalf("release: %+v %v", freed, err)
	}
}

func TestLedgerAndAuditUniqueness(t *testing.T) {
	m := New()
	ctx := context.Background()
	lobby, _, _ := m.CreateLobby(ctx, store.CreateLobbyParams{StakeNano: 1, SeatCount: 1, SeedCommit: "c"})

	pending, err := m.InsertLedgerEntry(ctx, store.LedgerEntry{LobbyID: lobby.ID, Action: store.ActionPay, TxHash: "0xaa", Status: store.LedgerPending})
	if err != nil {
		t.Fatalf("insert pending: %v", err)
	}
	if _, err := m.InsertLedgerEntry(ctx, store.LedgerEntry{LobbyID: lobby.ID, Action: store.ActionPay, TxHash: "0xaa", Status: store.LedgerConfirmed}); err != nil {
		t.Fatalf("insert confirmed: %v", err)
	}
	if _, err := m.UpdateLedgerStatus(ctx, store.LedgerStatusUpdate{ID: pending.ID, From: store.LedgerPending, To: store.LedgerConfirmed}); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected duplicate confirmed pay, got %v", err)
	}
	if _, err := m.InsertLedgerEntry(ctx, store.LedgerEntry{LobbyID: "missing", Action: store.ActionJoin, Status: store.LedgerConfirmed}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected missing lobby, got %v", err)
	}

	rec := store.AuditRecord{ActorKind: store.ActorBackend, Action: "seed_commit", Hash: "h"}
	if _, err := m.InsertAudit(ctx, rec); err != nil {
		t.Fatalf("insert audit: %v", err)
	}
	if _, err := m.InsertAudit(ctx, rec); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected duplicate audit, got %v", err)
	}
}

func TestRefreshLobbyStatusNeverLeavesFinalized(t *testing.T) {
	m := New()
	ctx := context.Background()
	lobby, round, _ := m.CreateLobby(ctx, store.CreateLobbyParams{StakeNano: 1, SeatCount: 1, SeedCommit: "c"})
	if _, err := m.FinalizeRound(ctx, store.FinalizeRoundParams{LobbyID: lobby.ID, RoundID: round.ID, SeedReveal: "s", At: time.Now()}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	got, err := m.RefreshLobbyStatus(ctx, lobby.ID)
	if err != nil || got.Status != store.LobbyFinalized {
		t.Fatalf("expected finalized, got %+v %v", got, err)
	}
}
