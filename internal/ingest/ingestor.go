package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"tonrody/internal/amount"
	"tonrody/internal/apperr"
	"tonrody/internal/audit"
	"tonrody/internal/ledger"
	"tonrody/internal/metrics"
	"tonrody/internal/notify"
	"tonrody/internal/rounds"
	"tonrody/internal/seats"
	"tonrody/internal/store"
)

const (
	StatusPersisted = "persisted"
	StatusDuplicate = "duplicate"
	StatusError     = "error"

	sourceTag = "ton_webhook"
)

var (
	ErrStakeMismatch  = apperr.New(apperr.KindStakeMismatch, "stake_mismatch")
	ErrSeatReassigned = apperr.New(apperr.KindStateConflict, "seat_reassigned")
)

// Persisted lists what an applied event wrote.
type Persisted struct {
	AuditID           string `json:"auditLogId,omitempty"`
	LedgerEntryID     string `json:"txLogId,omitempty"`
	SeatID            string `json:"seatId,omitempty"`
	RoundID           string `json:"roundId,omitempty"`
	PoolTON           string `json:"poolTon,omitempty"`
	ParticipantsCount *int   `json:"participantsCount,omitempty"`
	Hash              string `json:"hash"`
}

type Receipt struct {
	EventID   string     `json:"eventId"`
	LobbyID   string     `json:"lobbyId"`
	Type      string     `json:"type"`
	Status    string     `json:"status"`
	Persisted *Persisted `json:"persisted,omitempty"`
	Error     string     `json:"error,omitempty"`
	Code      string     `json:"code,omitempty"`
}

type BatchResult struct {
	Received int       `json:"received"`
	Receipts []Receipt `json:"receipts"`
}

type Config struct {
	// ContractAddress is the actor id on audit records.
	ContractAddress    string
	StakeToleranceNano int64
}

type Ingestor struct {
	store   store.Repository
	seats   *seats.Ledger
	rounds  *rounds.Engine
	trail   *audit.Trail
	txlog   *ledger.Ledger
	pub     notify.Publisher
	claimer Claimer
	cfg     Config
	now     func() time.Time
}

func New(st store.Repository, sl *seats.Ledger, re *rounds.Engine, trail *audit.Trail, txlog *ledger.Ledger, pub notify.Publisher, claimer Claimer, cfg Config) *Ingestor {
	if claimer == nil {
		claimer = NewLocalClaimer()
	}
	if cfg.StakeToleranceNano < 0 {
		cfg.StakeToleranceNano = 0
	}
	return &Ingestor{store: st, seats: sl, rounds: re, trail: trail, txlog: txlog, pub: pub, claimer: claimer, cfg: cfg, now: time.Now}
}

// Process applies an already authenticated batch. The returned error is non-nil only when
// the body itself is unusable; per-event failures are reported in the receipts.
func (i *Ingestor) Process(ctx context.Context, body []byte) (BatchResult, error) {
	items, err := SplitBatch(body)
	if err != nil {
		metrics.IngestBatches.WithLabelValues("rejected").Inc()
		return BatchResult{}, err
	}
	res := BatchResult{Received: len(items), Receipts: make([]Receipt, 0, len(items))}
	for _, raw := range items {
		ev, partial, err := Normalize(raw)
		if err != nil {
			res.Receipts = append(res.Receipts, errorReceipt(partial, err))
			metrics.IngestEvents.WithLabelValues(metricType(partial.Type), StatusError).Inc()
			continue
		}
		rc := i.handle(ctx, ev)
		metrics.IngestEvents.WithLabelValues(string(ev.Header().Type), rc.Status).Inc()
		res.Receipts = append(res.Receipts, rc)
	}
	metrics.IngestBatches.WithLabelValues("accepted").Inc()
	return res, nil
}

// handle runs dedupe, apply and record for one event.
func (i *Ingestor) handle(ctx context.Context, ev Event) Receipt {
	h := ev.Header()
	base := Receipt{EventID: h.EventID, LobbyID: h.LobbyID, Type: string(h.Type)}
	hash := audit.ContentHash(string(h.Type), h.LobbyID, h.EventID, h.OccurredAt)

	release, ok, err := i.claimer.Claim(ctx, hash)
	if err != nil {
		return withError(base, apperr.Upstream(fmt.Errorf("claim event: %w", err)))
	}
	if !ok {
		base.Status = StatusDuplicate
		base.Persisted = &Persisted{Hash: hash}
		return base
	}
	defer release()

	if prior, found, err := i.trail.Lookup(ctx, string(h.Type), hash); err != nil {
		return withError(base, apperr.Upstream(err))
	} else if found {
		base.Status = StatusDuplicate
		base.Persisted = &Persisted{AuditID: prior.ID, Hash: hash}
		return base
	}

	persisted, applyErr := i.apply(ctx, ev)
	persisted.Hash = hash

	// Every outcome is audited except storage failures. Recording those would mark the
	// hash as seen and turn the redelivery into a duplicate, so they stay unrecorded and
	// the next delivery applies the event once.
	if applyErr != nil && apperr.KindOf(applyErr) == apperr.KindUpstream {
		log.Error().Err(applyErr).Str("lobby_id", h.LobbyID).Str("event_id", h.EventID).Str("type", string(h.Type)).Msg("ingest apply failed")
		return withError(base, applyErr)
	}
	rec, err := i.record(ctx, ev, hash, applyErr)
	switch {
	case errors.Is(err, store.ErrDuplicate):
		base.Status = StatusDuplicate
		base.Persisted = &Persisted{Hash: hash}
		return base
	case err != nil:
		log.Error().Err(err).Str("event_id", h.EventID).Msg("ingest audit write failed")
		if applyErr == nil {
			applyErr = apperr.Upstream(err)
		}
	default:
		persisted.AuditID = rec.ID
	}

	if applyErr != nil {
		log.Warn().Err(applyErr).Str("lobby_id", h.LobbyID).Str("event_id", h.EventID).Str("type", string(h.Type)).Msg("ingest event rejected")
		return withError(base, applyErr)
	}
	base.Status = StatusPersisted
	base.Persisted = &persisted
	return base
}

type auditPayload struct {
	LobbyID    string `json:"lobbyId"`
	EventID    string `json:"eventId"`
	OccurredAt any    `json:"occurredAt"`
	Data       any    `json:"data"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
}

func (i *Ingestor) record(ctx context.Context, ev Event, hash string, applyErr error) (store.AuditRecord, error) {
	h := ev.Header()
	p := auditPayload{LobbyID: h.LobbyID, EventID: h.EventID, Data: h.Raw, Outcome: StatusPersisted}
	if s := audit.FormatOccurredAt(h.OccurredAt); s != "" {
		p.OccurredAt = s
	}
	if applyErr != nil {
		p.Outcome = StatusError
		p.Error = applyErr.Error()
	}
	return i.trail.Insert(ctx, audit.Record{
		ActorKind: store.ActorExternalLedger,
		ActorID:   i.cfg.ContractAddress,
		Action:    string(h.Type),
		Hash:      hash,
		Payload:   p,
	})
}

func (i *Ingestor) apply(ctx context.Context, ev Event) (Persisted, error) {
	switch e := ev.(type) {
	case DepositReceived:
		return i.applyDeposit(ctx, e)
	case LobbyFilled:
		return Persisted{PoolTON: amount.TON(e.PoolNano), ParticipantsCount: e.Participants}, nil
	case WinnerSelected:
		payout := e.PayoutNano
		round, err := i.rounds.RecordExternalWinner(ctx, e.LobbyID, rounds.WinnerUpdate{
			RoundID: e.RoundID, RoundHash: e.RoundHash, WinnerWallet: e.Winner, PayoutNano: &payout,
			OccurredAt: e.OccurredAt, Meta: i.meta(e.Envelope),
		})
		return Persisted{RoundID: round.ID}, err
	case PayoutSent:
		payout := e.PayoutNano
		round, err := i.rounds.RecordPayout(ctx, e.LobbyID, rounds.PayoutUpdate{
			RoundID: e.RoundID, TxHash: e.TxHash, PayoutNano: &payout, Winner: e.Winner, Success: e.Success,
			OccurredAt: e.OccurredAt, Meta: withKeys(i.meta(e.Envelope), ledger.Meta{"success": e.Success}),
		})
		return Persisted{RoundID: round.ID}, err
	default:
		return Persisted{}, fmt.Errorf("%w: %T", ErrUnsupported, ev)
	}
}

// applyDeposit settles a stake payment. The first confirmed deposit for a seat wins; a
// seat once paid is never downgraded.
func (i *Ingestor) applyDeposit(ctx context.Context, e DepositReceived) (Persisted, error) {
	seat, err := i.depositSeat(ctx, e)
	if err != nil {
		return Persisted{}, err
	}
	out := Persisted{SeatID: seat.ID}
	txHash := ledger.CanonicalTxHash(e.TxHash)

	if existing, ok, err := i.txlog.ConfirmedPay(ctx, txHash); err != nil {
		return out, apperr.Upstream(err)
	} else if ok {
		out.LedgerEntryID = existing.ID
		return out, nil
	}

	lobby, err := i.store.GetLobby(ctx, e.LobbyID)
	if err != nil {
		return out, mapNotFound(err, seats.ErrLobbyNotFound)
	}
	at := i.eventTime(e.Envelope)

	payer, pending, err := i.payer(ctx, e, seat, txHash)
	if err != nil {
		return out, err
	}
	if seat.Status != store.SeatPaid && seat.OccupantID != "" && payer != seat.OccupantID {
		if pending != nil {
			if _, ferr := i.txlog.Fail(ctx, pending.ID, txHash); ferr != nil && !errors.Is(ferr, store.ErrConflict) {
				return out, apperr.Upstream(ferr)
			}
		}
		entry, rerr := i.failedPay(ctx, e, seat, txHash, "seat_reassigned", ledger.Meta{"payer": nullable(payer)})
		if rerr != nil {
			return out, rerr
		}
		out.LedgerEntryID = entry.ID
		return out, ErrSeatReassigned
	}

	if !amount.Within(e.AmountNano, lobby.StakeNano, i.cfg.StakeToleranceNano) {
		if seat.Status != store.SeatPaid {
			if failed, ferr := i.seats.MarkFailed(ctx, seat.ID, payer, at); ferr == nil {
				seat = failed
			} else if apperr.KindOf(ferr) == apperr.KindUpstream {
				return out, ferr
			}
		}
		entry, rerr := i.failedPay(ctx, e, seat, txHash, "stake_mismatch", ledger.Meta{"expectedStakeTon": amount.TON(lobby.StakeNano)})
		if rerr != nil {
			return out, rerr
		}
		out.LedgerEntryID = entry.ID
		return out, fmt.Errorf("%w: deposit %s TON does not match stake %s TON", ErrStakeMismatch, amount.TON(e.AmountNano), amount.TON(lobby.StakeNano))
	}

	paid := seat
	if seat.Status == store.SeatPaid {
		if seat.TxHash == "" || seat.TxHash != txHash {
			entry, rerr := i.failedPay(ctx, e, seat, txHash, "seat_already_paid", nil)
			if rerr != nil {
				return out, rerr
			}
			out.LedgerEntryID = entry.ID
			return out, seats.ErrSeatAlreadyPaid
		}
	} else {
		paid, err = i.seats.MarkPaid(ctx, seat.ID, payer, e.AmountNano, txHash, at)
		if err != nil {
			if apperr.KindOf(err) == apperr.KindUpstream {
				return out, err
			}
			reason := apperr.CodeOf(err)
			if seat.Status == store.SeatFree {
				reason = "seat_not_reserved"
			}
			entry, rerr := i.failedPay(ctx, e, seat, txHash, reason, nil)
			if rerr != nil {
				return out, rerr
			}
			out.LedgerEntryID = entry.ID
			return out, err
		}
	}

	entry, err := i.confirmPay(ctx, e, paid, txHash)
	if err != nil {
		return out, err
	}
	out.LedgerEntryID = entry.ID

	seatPayload := notify.Seat(paid)
	i.pub.Publish(e.LobbyID, notify.EventPaymentConfirmed, notify.PaymentPayload{LobbyID: e.LobbyID, Seat: seatPayload, TxHash: entry.TxHash})
	i.pub.Publish(e.LobbyID, notify.EventTimerTick, notify.TimerCleared(paid, i.now()))
	return out, nil
}

// payer identifies the occupant a deposit pays for: the owner of the pending pay entry
// for the tx, else the seat occupant whose wallet sent it. Without either signal the
// current occupant is assumed. payer is empty when the sender is known but holds no seat.
func (i *Ingestor) payer(ctx context.Context, e DepositReceived, seat store.Seat, txHash string) (string, *store.LedgerEntry, error) {
	pending, ok, err := i.txlog.PendingPay(ctx, txHash)
	if err != nil {
		return "", nil, apperr.Upstream(err)
	}
	if ok && pending.OccupantID != "" {
		return pending.OccupantID, &pending, nil
	}
	if e.Sender != "" && seat.OccupantWallet != "" && e.Sender != seat.OccupantWallet {
		return "", nil, nil
	}
	return seat.OccupantID, nil, nil
}

// depositSeat resolves the seat by explicit id, falling back to lobby and index.
func (i *Ingestor) depositSeat(ctx context.Context, e DepositReceived) (store.Seat, error) {
	if e.SeatID != "" {
		seat, err := i.store.GetSeat(ctx, e.SeatID)
		switch {
		case err == nil && seat.LobbyID == e.LobbyID:
			return seat, nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return store.Seat{}, apperr.Upstream(err)
		}
	}
	if e.SeatIndex == nil {
		return store.Seat{}, seats.ErrSeatNotFound
	}
	seat, err := i.store.GetSeatByIndex(ctx, e.LobbyID, *e.SeatIndex)
	if err != nil {
		return store.Seat{}, mapNotFound(err, seats.ErrSeatNotFound)
	}
	return seat, nil
}

// confirmPay promotes the user's pending pay entry for the tx, or inserts a confirmed one.
func (i *Ingestor) confirmPay(ctx context.Context, e DepositReceived, seat store.Seat, txHash string) (store.LedgerEntry, error) {
	if pending, ok, err := i.txlog.PendingPay(ctx, txHash); err != nil {
		return store.LedgerEntry{}, apperr.Upstream(err)
	} else if ok {
		entry, err := i.txlog.Confirm(ctx, pending.ID, txHash)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrDuplicate) {
			return store.LedgerEntry{}, apperr.Upstream(err)
		}
	}
	entry, err := i.txlog.Record(ctx, store.LedgerEntry{
		LobbyID: e.LobbyID, SeatID: seat.ID, RoundID: i.currentRoundID(ctx, e.LobbyID), OccupantID: seat.OccupantID,
		Action: store.ActionPay, TxHash: txHash, AmountNano: e.AmountNano, Status: store.LedgerConfirmed,
	}, withKeys(i.meta(e.Envelope), ledger.Meta{"seatIndex": seat.SeatIndex, "sender": e.Sender, "memo": nullable(e.Memo)}))
	if errors.Is(err, store.ErrDuplicate) {
		if existing, ok, ferr := i.txlog.ConfirmedPay(ctx, txHash); ferr == nil && ok {
			return existing, nil
		}
	}
	if err != nil {
		return store.LedgerEntry{}, apperr.Upstream(err)
	}
	return entry, nil
}

func (i *Ingestor) failedPay(ctx context.Context, e DepositReceived, seat store.Seat, txHash, reason string, extra ledger.Meta) (store.LedgerEntry, error) {
	meta := withKeys(i.meta(e.Envelope), ledger.Meta{
		"seatIndex": seat.SeatIndex, "sender": e.Sender, "memo": nullable(e.Memo), "reason": reason,
	})
	entry, err := i.txlog.Record(ctx, store.LedgerEntry{
		LobbyID: e.LobbyID, SeatID: seat.ID, RoundID: i.currentRoundID(ctx, e.LobbyID), OccupantID: seat.OccupantID,
		Action: store.ActionPay, TxHash: txHash, AmountNano: e.AmountNano, Status: store.LedgerFailed,
	}, withKeys(meta, extra))
	if err != nil {
		return store.LedgerEntry{}, apperr.Upstream(err)
	}
	return entry, nil
}

func (i *Ingestor) currentRoundID(ctx context.Context, lobbyID string) string {
	round, err := i.store.CurrentRound(ctx, lobbyID)
	if err != nil {
		return ""
	}
	return round.ID
}

func (i *Ingestor) meta(env Envelope) ledger.Meta {
	return ledger.Meta{
		"source":     sourceTag,
		"eventType":  string(env.Type),
		"eventId":    env.EventID,
		"occurredAt": nullable(audit.FormatOccurredAt(env.OccurredAt)),
	}
}

func (i *Ingestor) eventTime(env Envelope) time.Time {
	if env.OccurredAt != nil {
		return env.OccurredAt.UTC()
	}
	return i.now().UTC()
}

func errorReceipt(p Partial, err error) Receipt {
	return withError(Receipt{EventID: p.EventID, LobbyID: p.LobbyID, Type: p.Type}, err)
}

func withError(r Receipt, err error) Receipt {
	r.Status = StatusError
	r.Error = err.Error()
	r.Code = apperr.CodeOf(err)
	return r
}

func metricType(t string) string {
	switch EventType(t) {
	case TypeDepositReceived, TypeLobbyFilled, TypeWinnerSelected, TypePayoutSent:
		return t
	default:
		return "unknown"
	}
}

func withKeys(base, extra ledger.Meta) ledger.Meta {
	for k, v := range extra {
		base[k] = v
	}
	return base
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func mapNotFound(err, notFound error) error {
	if errors.Is(err, store.ErrNotFound) {
		return notFound
	}
	return apperr.Upstream(err)
}
