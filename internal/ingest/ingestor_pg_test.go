package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tonrody/internal/audit"
	"tonrody/internal/ledger"
	"tonrody/internal/rounds"
	"tonrody/internal/seats"
	"tonrody/internal/store"
	"tonrody/internal/testutil"
)

func TestPostgresDepositReplay(t *testing.T) {
	st, cleanup := testutil.OpenTestStore(t)
	defer cleanup()
	ctx := context.Background()
	clock := testutil.NewClock(t0)
	rec := &testutil.Recorder{}
	trail := audit.New(st)
	txlog := ledger.New(st)
	sl := seats.New(st, rec, txlog, seats.Config{ReservationTTL: 120 * time.Second})
	re := rounds.New(st, trail, txlog, &testutil.FakeChain{}, rec)
	ing := New(st, sl, re, trail, txlog, rec, nil, Config{ContractAddress: "EQcontract", StakeToleranceNano: 1})
	ing.now = clock.Now

	lobby, _, err := st.CreateLobby(ctx, store.CreateLobbyParams{
		StakeNano: oneTON, SeatCount: 2, SeedCommit: "commit", RoundHash: "hash",
	})
	require.NoError(t, err)
	seat, err := sl.Reserve(ctx, lobby.ID, "alice", "EQalice", clock.Now())
	require.NoError(t, err)
	clock.Advance(10 * time.Second)

	body := []byte(fmt.Sprintf(`{"type":"DepositReceived","lobbyId":%q,"seatIndex":0,"amount":"%d","txHash":"0xAA","occurredAt":"2026-03-01T12:00:10Z"}`,
		lobby.ID, oneTON))

	const n = 5
	statuses := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := ing.Process(ctx, body)
			if err == nil && len(res.Receipts) == 1 {
				statuses[i] = res.Receipts[0].Status
			}
		}(i)
	}
	wg.Wait()

	persisted := 0
	for _, s := range statuses {
		require.Contains(t, []string{StatusPersisted, StatusDuplicate}, s)
		if s == StatusPersisted {
			persisted++
		}
	}
	require.Equal(t, 1, persisted)

	entries, err := st.ListLedgerEntries(ctx, store.LedgerFilter{LobbyID: lobby.ID})
	require.NoError(t, err)
	pays := 0
	for _, e := range entries {
		if e.Action == store.ActionPay {
			pays++
			require.Equal(t, "0xaa", e.TxHash)
			require.Equal(t, store.LedgerConfirmed, e.Status)
		}
	}
	require.Equal(t, 1, pays)

	got, err := st.GetSeat(ctx, seat.ID)
	require.NoError(t, err)
	require.Equal(t, store.SeatPaid, got.Status)
}
