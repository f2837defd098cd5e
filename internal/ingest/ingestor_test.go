package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tonrody/internal/apperr"
	"tonrody/internal/audit"
	"tonrody/internal/ledger"
	"tonrody/internal/notify"
	"tonrody/internal/rounds"
	"tonrody/internal/seats"
	"tonrody/internal/store"
	"tonrody/internal/store/memstore"
	"tonrody/internal/testutil"
)

const oneTON = int64(1_000_000_000)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	st    *memstore.Store
	rec   *testutil.Recorder
	trail *audit.Trail
	txlog *ledger.Ledger
	seats *seats.Ledger
	ing   *Ingestor
	lobby store.Lobby
}

func newFixture(t *testing.T, seatCount int) fixture {
	t.Helper()
	st := memstore.New()
	rec := &testutil.Recorder{}
	trail := audit.New(st)
	txlog := ledger.New(st)
	sl := seats.New(st, rec, txlog, seats.Config{ReservationTTL: 120 * time.Second, PaymentWindow: 5 * time.Minute})
	re := rounds.New(st, trail, txlog, &testutil.FakeChain{}, rec)
	ing := New(st, sl, re, trail, txlog, rec, nil, Config{ContractAddress: "EQcontract", StakeToleranceNano: 1})
	ing.now = func() time.Time { return t0.Add(10 * time.Second) }

	lobby, _, err := st.CreateLobby(context.Background(), store.CreateLobbyParams{
		StakeNano: oneTON, SeatCount: seatCount, SeedCommit: "commit", RoundHash: "hash",
	})
	require.NoError(t, err)
	return fixture{st: st, rec: rec, trail: trail, txlog: txlog, seats: sl, ing: ing, lobby: lobby}
}

func (f fixture) reserve(t *testing.T, occupant string) store.Seat {
	t.Helper()
	seat, err := f.seats.Reserve(context.Background(), f.lobby.ID, occupant, "EQ"+occupant, t0)
	require.NoError(t, err)
	return seat
}

func (f fixture) deposit(index int, amountNano int64, txHash string) []byte {
	return []byte(fmt.Sprintf(`{"type":"DepositReceived","lobbyId":%q,"seatIndex":%d,"amount":"%d","txHash":%q,"occurredAt":"2026-03-01T12:00:10Z"}`,
		f.lobby.ID, index, amountNano, txHash))
}

func (f fixture) payEntries(t *testing.T) []store.LedgerEntry {
	t.Helper()
	all, err := f.st.ListLedgerEntries(context.Background(), store.LedgerFilter{LobbyID: f.lobby.ID})
	require.NoError(t, err)
	var out []store.LedgerEntry
	for _, e := range all {
		if e.Action == store.ActionPay {
			out = append(out, e)
		}
	}
	return out
}

func TestDepositReplayIsIdempotent(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	seat := f.reserve(t, "alice")

	first, err := f.ing.Process(ctx, f.deposit(0, oneTON, "0xAA"))
	require.NoError(t, err)
	require.Equal(t, 1, first.Received)
	rc := first.Receipts[0]
	require.Equal(t, StatusPersisted, rc.Status, "receipt: %+v", rc)
	require.Equal(t, seat.ID, rc.Persisted.SeatID)
	require.NotEmpty(t, rc.Persisted.LedgerEntryID)
	require.NotEmpty(t, rc.Persisted.AuditID)

	second, err := f.ing.Process(ctx, f.deposit(0, oneTON, "0xAA"))
	require.NoError(t, err)
	require.Equal(t, StatusDuplicate, second.Receipts[0].Status)
	require.Equal(t, rc.Persisted.Hash, second.Receipts[0].Persisted.Hash)
	require.Equal(t, rc.Persisted.AuditID, second.Receipts[0].Persisted.AuditID)

	pays := f.payEntries(t)
	require.Len(t, pays, 1)
	require.Equal(t, store.LedgerConfirmed, pays[0].Status)
	require.Equal(t, "0xaa", pays[0].TxHash)

	got, err := f.st.GetSeat(ctx, seat.ID)
	require.NoError(t, err)
	require.Equal(t, store.SeatPaid, got.Status)
	require.Equal(t, 1, f.rec.Count(notify.EventPaymentConfirmed))
}

func TestDuplicateWithinOneBatch(t *testing.T) {
	f := newFixture(t, 2)
	f.reserve(t, "alice")
	ev := string(f.deposit(0, oneTON, "0xAA"))

	res, err := f.ing.Process(context.Background(), []byte("["+ev+","+ev+"]"))
	require.NoError(t, err)
	require.Equal(t, 2, res.Received)
	require.Equal(t, StatusPersisted, res.Receipts[0].Status)
	require.Equal(t, StatusDuplicate, res.Receipts[1].Status)
	require.Len(t, f.payEntries(t), 1)
}

func TestConcurrentDeliveriesApplyOnce(t *testing.T) {
	f := newFixture(t, 2)
	f.reserve(t, "alice")
	body := f.deposit(0, oneTON, "0xAA")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		persisted int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.ing.Process(context.Background(), body)
			if err != nil {
				t.Error(err)
				return
			}
			if res.Receipts[0].Status == StatusPersisted {
				mu.Lock()
				persisted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, persisted)
	require.Len(t, f.payEntries(t), 1)
}

func TestDepositWithinTolerance(t *testing.T) {
	f := newFixture(t, 2)
	f.reserve(t, "alice")
	f.reserve(t, "bob")

	res, err := f.ing.Process(context.Background(), []byte("["+string(f.deposit(0, oneTON+1, "0x01"))+","+string(f.deposit(1, oneTON-1, "0x02"))+"]"))
	require.NoError(t, err)
	for _, rc := range res.Receipts {
		require.Equal(t, StatusPersisted, rc.Status, "receipt: %+v", rc)
	}
}

func TestDepositStakeMismatch(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	seat := f.reserve(t, "alice")

	res, err := f.ing.Process(ctx, f.deposit(0, oneTON+10_000_000, "0xBAD"))
	require.NoError(t, err)
	rc := res.Receipts[0]
	require.Equal(t, StatusError, rc.Status)
	require.Equal(t, "stake_mismatch", rc.Code)

	got, err := f.st.GetSeat(ctx, seat.ID)
	require.NoError(t, err)
	require.Equal(t, store.SeatFailed, got.Status)

	pays := f.payEntries(t)
	require.Len(t, pays, 1)
	require.Equal(t, store.LedgerFailed, pays[0].Status)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(pays[0].Metadata, &meta))
	require.Equal(t, "stake_mismatch", meta["reason"])
	require.Equal(t, "1", meta["expectedStakeTon"])

	// the rejection itself is recorded, so a redelivery is a duplicate
	_, found, err := f.trail.Lookup(ctx, string(TypeDepositReceived), rc.Persisted.Hash)
	require.NoError(t, err)
	require.True(t, found)
	again, err := f.ing.Process(ctx, f.deposit(0, oneTON+10_000_000, "0xBAD"))
	require.NoError(t, err)
	require.Equal(t, StatusDuplicate, again.Receipts[0].Status)
}

func TestDepositForUnreservedSeat(t *testing.T) {
	f := newFixture(t, 2)

	res, err := f.ing.Process(context.Background(), f.deposit(1, oneTON, "0xCAFE"))
	require.NoError(t, err)
	rc := res.Receipts[0]
	require.Equal(t, StatusError, rc.Status)
	require.Equal(t, apperr.CodeOf(seats.ErrSeatConflict), rc.Code)

	pays := f.payEntries(t)
	require.Len(t, pays, 1)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(pays[0].Metadata, &meta))
	require.Equal(t, "seat_not_reserved", meta["reason"])
}

func TestDepositOnPaidSeatWithOtherTx(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	seat := f.reserve(t, "alice")

	_, err := f.ing.Process(ctx, f.deposit(0, oneTON, "0xAA"))
	require.NoError(t, err)
	res, err := f.ing.Process(ctx, f.deposit(0, oneTON, "0xBB"))
	require.NoError(t, err)
	require.Equal(t, apperr.CodeOf(seats.ErrSeatAlreadyPaid), res.Receipts[0].Code)

	got, err := f.st.GetSeat(ctx, seat.ID)
	require.NoError(t, err)
	require.Equal(t, store.SeatPaid, got.Status)
	require.Equal(t, "0xaa", got.TxHash)
}

func TestDepositPromotesPendingEntry(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	seat := f.reserve(t, "alice")
	_, err := f.seats.MarkPendingPayment(ctx, seat.ID, "alice", "0xCC", t0.Add(time.Second))
	require.NoError(t, err)
	pending, err := f.txlog.Record(ctx, store.LedgerEntry{
		LobbyID: f.lobby.ID, SeatID: seat.ID, OccupantID: "alice", Action: store.ActionPay,
		TxHash: "0xCC", AmountNano: oneTON, Status: store.LedgerPending,
	}, nil)
	require.NoError(t, err)

	res, err := f.ing.Process(ctx, f.deposit(0, oneTON, "0xcc"))
	require.NoError(t, err)
	require.Equal(t, StatusPersisted, res.Receipts[0].Status)
	require.Equal(t, pending.ID, res.Receipts[0].Persisted.LedgerEntryID)

	pays := f.payEntries(t)
	require.Len(t, pays, 1)
	require.Equal(t, store.LedgerConfirmed, pays[0].Status)
}

func TestLateDepositAfterSeatReassigned(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	seat := f.reserve(t, "alice")
	_, err := f.seats.MarkPendingPayment(ctx, seat.ID, "alice", "0xA1", t0.Add(time.Second))
	require.NoError(t, err)
	pending, err := f.txlog.Record(ctx, store.LedgerEntry{
		LobbyID: f.lobby.ID, SeatID: seat.ID, OccupantID: "alice", Action: store.ActionPay,
		TxHash: "0xa1", AmountNano: oneTON, Status: store.LedgerPending,
	}, nil)
	require.NoError(t, err)

	// alice's hold lapses and bob takes the same seat
	bob, err := f.seats.Reserve(ctx, f.lobby.ID, "bob", "EQbob", t0.Add(3*time.Minute))
	require.NoError(t, err)
	require.Equal(t, seat.ID, bob.ID)

	res, err := f.ing.Process(ctx, f.deposit(0, oneTON, "0xA1"))
	require.NoError(t, err)
	rc := res.Receipts[0]
	require.Equal(t, StatusError, rc.Status)
	require.Equal(t, "seat_reassigned", rc.Code)

	got, err := f.st.GetSeat(ctx, seat.ID)
	require.NoError(t, err)
	require.Equal(t, store.SeatTaken, got.Status)
	require.Equal(t, "bob", got.OccupantID)
	require.Empty(t, got.TxHash)

	var reasons []string
	for _, e := range f.payEntries(t) {
		require.Equal(t, store.LedgerFailed, e.Status)
		if e.ID == pending.ID {
			continue
		}
		var meta map[string]any
		require.NoError(t, json.Unmarshal(e.Metadata, &meta))
		reasons = append(reasons, fmt.Sprint(meta["reason"]))
		require.Equal(t, "alice", meta["payer"])
	}
	require.Equal(t, []string{"seat_reassigned"}, reasons)
	require.Zero(t, f.rec.Count(notify.EventPaymentConfirmed))
}

func TestDepositFromOtherWallet(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	seat := f.reserve(t, "alice")
	body := fmt.Sprintf(`{"type":"DepositReceived","lobbyId":%q,"seatIndex":0,"amount":"%d","txHash":"0xD1","sender":"EQmallory"}`, f.lobby.ID, oneTON)

	res, err := f.ing.Process(ctx, []byte(body))
	require.NoError(t, err)
	require.Equal(t, "seat_reassigned", res.Receipts[0].Code)

	got, err := f.st.GetSeat(ctx, seat.ID)
	require.NoError(t, err)
	require.Equal(t, store.SeatTaken, got.Status)

	matching := fmt.Sprintf(`{"type":"DepositReceived","lobbyId":%q,"seatIndex":0,"amount":"%d","txHash":"0xD2","sender":"EQalice"}`, f.lobby.ID, oneTON)
	res, err = f.ing.Process(ctx, []byte(matching))
	require.NoError(t, err)
	require.Equal(t, StatusPersisted, res.Receipts[0].Status)
}

func TestDepositBySeatID(t *testing.T) {
	f := newFixture(t, 2)
	f.reserve(t, "alice")
	bob := f.reserve(t, "bob")
	body := fmt.Sprintf(`{"type":"DepositReceived","lobbyId":%q,"seatId":%q,"amountTon":"1","txHash":"0xB0B"}`, f.lobby.ID, bob.ID)

	res, err := f.ing.Process(context.Background(), []byte(body))
	require.NoError(t, err)
	require.Equal(t, StatusPersisted, res.Receipts[0].Status)
	require.Equal(t, bob.ID, res.Receipts[0].Persisted.SeatID)
}

func TestBatchMixesValidAndInvalidEvents(t *testing.T) {
	f := newFixture(t, 4)
	body := fmt.Sprintf(`{"events":[{"type":"Bogus","lobbyId":%q,"eventId":"e1"},{"type":"LobbyFilled","lobbyId":%q,"poolTon":"4","participants":4,"eventId":"e2"}]}`, f.lobby.ID, f.lobby.ID)

	res, err := f.ing.Process(context.Background(), []byte(body))
	require.NoError(t, err)
	require.Equal(t, 2, res.Received)

	bad := res.Receipts[0]
	require.Equal(t, StatusError, bad.Status)
	require.Equal(t, "unsupported_event_type", bad.Code)
	require.Equal(t, "e1", bad.EventID)

	good := res.Receipts[1]
	require.Equal(t, StatusPersisted, good.Status)
	require.Equal(t, "4", good.Persisted.PoolTON)
	require.Equal(t, 4, *good.Persisted.ParticipantsCount)

	records, err := f.trail.List(context.Background(), store.AuditFilter{Action: string(TypeLobbyFilled)})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, store.ActorExternalLedger, records[0].ActorKind)
	require.Equal(t, "EQcontract", records[0].ActorID)
}

func TestProcessRejectsUnusableBody(t *testing.T) {
	f := newFixture(t, 2)
	_, err := f.ing.Process(context.Background(), []byte("{broken"))
	require.ErrorIs(t, err, ErrMalformedBatch)
}

func TestDepositForUnknownLobby(t *testing.T) {
	f := newFixture(t, 2)
	body := `{"type":"DepositReceived","lobbyId":"missing","seatIndex":0,"amount":"1000000000","txHash":"0x1"}`
	res, err := f.ing.Process(context.Background(), []byte(body))
	require.NoError(t, err)
	require.Equal(t, StatusError, res.Receipts[0].Status)
	require.Equal(t, apperr.CodeOf(seats.ErrSeatNotFound), res.Receipts[0].Code)
}

func TestWinnerAndPayoutEvents(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	f.reserve(t, "alice")
	bob := f.reserve(t, "bob")
	_, err := f.ing.Process(ctx, []byte("["+string(f.deposit(0, oneTON, "0x01"))+","+string(f.deposit(1, oneTON, "0x02"))+"]"))
	require.NoError(t, err)

	winner := fmt.Sprintf(`{"type":"WinnerSelected","lobbyId":%q,"winnerAddr":"EQbob","payoutTon":"2","roundHash":"0xROUND","eventId":"w1"}`, f.lobby.ID)
	res, err := f.ing.Process(ctx, []byte(winner))
	require.NoError(t, err)
	rc := res.Receipts[0]
	require.Equal(t, StatusPersisted, rc.Status, "receipt: %+v", rc)

	round, err := f.st.GetRound(ctx, rc.Persisted.RoundID)
	require.NoError(t, err)
	require.Equal(t, "EQbob", round.WinnerWallet)
	require.Equal(t, bob.ID, round.WinnerSeatID)
	require.Equal(t, 2*oneTON, *round.PayoutNano)
	require.True(t, round.Finalized())

	lobby, err := f.st.GetLobby(ctx, f.lobby.ID)
	require.NoError(t, err)
	require.Equal(t, store.LobbyFinalized, lobby.Status)

	payout := fmt.Sprintf(`{"type":"PayoutSent","lobbyId":%q,"roundId":%q,"winnerAddr":"EQbob","payoutTon":"2","success":true,"txHash":"0xPAID"}`, f.lobby.ID, round.ID)
	res, err = f.ing.Process(ctx, []byte(payout))
	require.NoError(t, err)
	require.Equal(t, StatusPersisted, res.Receipts[0].Status, "receipt: %+v", res.Receipts[0])

	round, err = f.st.GetRound(ctx, round.ID)
	require.NoError(t, err)
	require.Equal(t, "0xpaid", round.TxHash)
	require.Equal(t, 1, f.rec.Count(notify.EventPayoutSent))
}

// flakyStore fails the next failTransitions seat transitions with a storage error.
type flakyStore struct {
	*memstore.Store
	failTransitions int
}

func (s *flakyStore) TransitionSeat(ctx context.Context, t store.SeatTransition) (store.Seat, error) {
	if s.failTransitions > 0 {
		s.failTransitions--
		return store.Seat{}, errors.New("connection reset")
	}
	return s.Store.TransitionSeat(ctx, t)
}

func TestRedeliveryAfterStorageFailureAppliesOnce(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	seat := f.reserve(t, "alice")

	flaky := &flakyStore{Store: f.st, failTransitions: 1}
	sl := seats.New(flaky, f.rec, f.txlog, seats.Config{ReservationTTL: 120 * time.Second, PaymentWindow: 5 * time.Minute})
	re := rounds.New(flaky, f.trail, f.txlog, &testutil.FakeChain{}, f.rec)
	ing := New(flaky, sl, re, f.trail, f.txlog, f.rec, nil, Config{ContractAddress: "EQcontract", StakeToleranceNano: 1})
	ing.now = f.ing.now

	first, err := ing.Process(ctx, f.deposit(0, oneTON, "0xAA"))
	require.NoError(t, err)
	require.Equal(t, StatusError, first.Receipts[0].Status)
	require.Equal(t, "upstream_error", first.Receipts[0].Code)

	audits, err := f.st.ListAudit(ctx, store.AuditFilter{Action: "DepositReceived"})
	require.NoError(t, err)
	require.Empty(t, audits)

	second, err := ing.Process(ctx, f.deposit(0, oneTON, "0xAA"))
	require.NoError(t, err)
	require.Equal(t, StatusPersisted, second.Receipts[0].Status, "receipt: %+v", second.Receipts[0])

	third, err := ing.Process(ctx, f.deposit(0, oneTON, "0xAA"))
	require.NoError(t, err)
	require.Equal(t, StatusDuplicate, third.Receipts[0].Status)

	audits, err = f.st.ListAudit(ctx, store.AuditFilter{Action: "DepositReceived"})
	require.NoError(t, err)
	require.Len(t, audits, 1)

	pays := f.payEntries(t)
	require.Len(t, pays, 1)
	require.Equal(t, store.LedgerConfirmed, pays[0].Status)

	got, err := f.st.GetSeat(ctx, seat.ID)
	require.NoError(t, err)
	require.Equal(t, store.SeatPaid, got.Status)
	require.Equal(t, 1, f.rec.Count(notify.EventPaymentConfirmed))
}
