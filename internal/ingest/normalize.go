package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"tonrody/internal/amount"
	"tonrody/internal/apperr"
)

var (
	ErrMalformedBatch = apperr.New(apperr.KindValidation, "invalid_payload")
	ErrEmptyBatch     = apperr.New(apperr.KindValidation, "no_recognizable_events")
	ErrInvalidEvent   = apperr.New(apperr.KindValidation, "invalid_event")
	ErrUnsupported    = apperr.New(apperr.KindValidation, "unsupported_event_type")
)

// millisThreshold separates unix seconds from unix milliseconds.
const millisThreshold = 1e12

// SplitBatch accepts a single event object, an array of events or {"events": [...]}
// and returns the raw event objects in order.
func SplitBatch(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, ErrEmptyBatch
	}
	if !json.Valid(body) {
		return nil, ErrMalformedBatch
	}
	switch body[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
		}
		if len(items) == 0 {
			return nil, ErrEmptyBatch
		}
		return items, nil
	case '{':
		var wrapper struct {
			Events []json.RawMessage `json:"events"`
		}
		if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Events != nil {
			if len(wrapper.Events) == 0 {
				return nil, ErrEmptyBatch
			}
			return wrapper.Events, nil
		}
		return []json.RawMessage{body}, nil
	default:
		return nil, ErrMalformedBatch
	}
}

// Partial carries whatever identifying fields could be read from an event that failed
// normalization, so the receipt can still name it.
type Partial struct {
	Type    string
	LobbyID string
	EventID string
}

// Normalize parses one raw event. On failure the Partial describes the event as far as
// it could be read.
func Normalize(raw json.RawMessage) (Event, Partial, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m fields
	if err := dec.Decode(&m); err != nil {
		return nil, Partial{}, fmt.Errorf("%w: event is not an object", ErrInvalidEvent)
	}

	typ := m.str("type")
	lobbyID := m.str("lobbyId", "lobby_id")
	txHash := m.str("txHash", "tx_hash")
	eventID := m.str("eventId", "event_id")
	if eventID == "" {
		eventID = txHash
	}
	if eventID == "" {
		eventID = uuid.NewString()
	}
	partial := Partial{Type: typ, LobbyID: lobbyID, EventID: eventID}
	if lobbyID == "" {
		return nil, partial, fmt.Errorf("%w: lobbyId is required", ErrInvalidEvent)
	}
	env := Envelope{
		Type:       EventType(typ),
		LobbyID:    lobbyID,
		EventID:    eventID,
		OccurredAt: firstTime(m.get("occurredAt", "occurred_at"), m.get("timestamp")),
		Raw:        raw,
	}

	switch env.Type {
	case TypeDepositReceived:
		nano, err := m.nano("amount", "amountTon")
		if err != nil {
			return nil, partial, err
		}
		ev := DepositReceived{
			Envelope:   env,
			SeatID:     m.str("seatId", "seat_id"),
			Sender:     m.str("sender", "addr"),
			AmountNano: nano,
			TxHash:     txHash,
			Memo:       m.str("memo"),
		}
		if ev.Sender == "" {
			ev.Sender = "unknown"
		}
		idx, ok, err := m.index("seatIndex", "index")
		if err != nil {
			return nil, partial, err
		}
		if ok {
			ev.SeatIndex = &idx
		}
		if ev.SeatID == "" && ev.SeatIndex == nil {
			return nil, partial, fmt.Errorf("%w: seatIndex or seatId is required", ErrInvalidEvent)
		}
		return ev, partial, nil

	case TypeLobbyFilled:
		pool, err := m.nano("pool", "poolTon", "total")
		if err != nil {
			return nil, partial, err
		}
		ev := LobbyFilled{Envelope: env, PoolNano: pool}
		if n, ok, err := m.index("participantsCount", "participants"); err != nil {
			return nil, partial, err
		} else if ok {
			ev.Participants = &n
		}
		return ev, partial, nil

	case TypeWinnerSelected:
		winner := m.str("winnerAddr", "winner")
		if winner == "" {
			return nil, partial, fmt.Errorf("%w: winnerAddr is required", ErrInvalidEvent)
		}
		payout, err := m.nano("payout", "payoutTon")
		if err != nil {
			return nil, partial, err
		}
		return WinnerSelected{
			Envelope: env, RoundID: m.str("roundId", "round_id"), Winner: winner, PayoutNano: payout,
			RoundHash: m.str("roundHash", "round_hash"), TxHash: txHash,
		}, partial, nil

	case TypePayoutSent:
		winner := m.str("winnerAddr", "winner")
		if winner == "" {
			return nil, partial, fmt.Errorf("%w: winnerAddr is required", ErrInvalidEvent)
		}
		payout, err := m.nano("payout", "payoutTon")
		if err != nil {
			return nil, partial, err
		}
		success, ok := m.get("success").(bool)
		if !ok {
			return nil, partial, fmt.Errorf("%w: success must be a boolean", ErrInvalidEvent)
		}
		return PayoutSent{
			Envelope: env, RoundID: m.str("roundId", "round_id"), Winner: winner, PayoutNano: payout,
			Success: success, TxHash: txHash,
		}, partial, nil

	case "":
		return nil, partial, fmt.Errorf("%w: type is required", ErrInvalidEvent)
	default:
		return nil, partial, fmt.Errorf("%w: %s", ErrUnsupported, typ)
	}
}

type fields map[string]any

// get returns the first present, non-null value among keys.
func (f fields) get(keys ...string) any {
	for _, k := range keys {
		if v, ok := f[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func (f fields) str(keys ...string) string {
	switch v := f.get(keys...).(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// nano reads an amount. Keys ending in "Ton" hold decimal TON values, the rest integer
// nano values.
func (f fields) nano(keys ...string) (int64, error) {
	for _, k := range keys {
		v, ok := f[k]
		if !ok || v == nil {
			continue
		}
		var (
			n   int64
			err error
		)
		if strings.HasSuffix(k, "Ton") {
			n, err = amount.ParseTON(v)
		} else {
			n, err = amount.ParseNano(v)
		}
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, k, err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("%w: %s is required", ErrInvalidEvent, keys[0])
}

func (f fields) index(keys ...string) (int, bool, error) {
	v := f.get(keys...)
	if v == nil {
		return 0, false, nil
	}
	var raw string
	switch t := v.(type) {
	case json.Number:
		raw = t.String()
	case string:
		raw = strings.TrimSpace(t)
	default:
		return 0, false, fmt.Errorf("%w: %s must be a number", ErrInvalidEvent, keys[0])
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false, fmt.Errorf("%w: invalid %s %q", ErrInvalidEvent, keys[0], raw)
	}
	return n, true, nil
}

func firstTime(values ...any) *time.Time {
	for _, v := range values {
		if t, ok := parseTime(v); ok {
			return &t
		}
	}
	return nil
}

// parseTime accepts RFC3339 strings and unix seconds or milliseconds, as numbers or
// numeric strings.
func parseTime(v any) (time.Time, bool) {
	var s string
	switch t := v.(type) {
	case nil:
		return time.Time{}, false
	case json.Number:
		s = t.String()
	case string:
		s = strings.TrimSpace(t)
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts.UTC(), true
		}
	default:
		return time.Time{}, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return time.Time{}, false
	}
	if f > millisThreshold {
		return time.UnixMilli(int64(f)).UTC(), true
	}
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC(), true
}
