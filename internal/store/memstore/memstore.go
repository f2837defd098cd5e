// Package memstore is an in-memory store.Repository used by tests. Each call holds one
// mutex, which gives it the same atomicity as the conditional statements in Postgres.
package memstore

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"time"

	"tonrody/internal/store"
)

type Store struct {
	mu      sync.Mutex
	now     func() time.Time
	lobbies map[string]*store.Lobby
	seats   map[string]*store.Seat
	rounds  map[string]*store.Round
	ledger  []*store.LedgerEntry
	audit   []*store.AuditRecord
	// PingErr is returned by Ping when set.
	PingErr error
}

var _ store.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		now:     time.Now,
		lobbies: map[string]*store.Lobby{},
		seats:   map[string]*store.Seat{},
		rounds:  map[string]*store.Round{},
	}
}

func (m *Store) Ping(context.Context) error { return m.PingErr }

func (m *Store) CreateLobby(_ context.Context, p store.CreateLobbyParams) (store.Lobby, store.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = store.NewID()
	}
	if p.Code == "" {
		p.Code = store.NewLobbyCode()
	}
	if _, ok := m.lobbies[p.ID]; ok {
		return store.Lobby{}, store.Round{}, store.ErrDuplicate
	}
	for _, l := range m.lobbies {
		if l.Code == p.Code {
			return store.Lobby{}, store.Round{}, store.ErrDuplicate
		}
	}
	now := m.now().UTC()
	round := &store.Round{ID: store.NewID(), LobbyID: p.ID, Number: 1, SeedCommit: p.SeedCommit, RoundHash: p.RoundHash, CreatedAt: now}
	lobby := &store.Lobby{
		ID: p.ID, Code: p.Code, Class: p.Class, StakeNano: p.StakeNano, SeatCount: p.SeatCount,
		Status: store.LobbyOpen, SeedCommit: p.SeedCommit, CurrentRoundID: round.ID, CreatedBy: p.CreatedBy,
		CreatedAt: now, UpdatedAt: now,
	}
	m.lobbies[lobby.ID] = lobby
	m.rounds[round.ID] = round
	for i := 0; i < p.SeatCount; i++ {
		seat := &store.Seat{ID: store.NewID(), LobbyID: lobby.ID, SeatIndex: i, Status: store.SeatFree}
		m.seats[seat.ID] = seat
	}
	return *lobby, *round, nil
}

func (m *Store) GetLobby(_ context.Context, id string) (store.Lobby, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lobbies[id]
	if !ok {
		return store.Lobby{}, store.ErrNotFound
	}
	return *l, nil
}

func (m *Store) ListLobbies(_ context.Context, f store.LobbyFilter) ([]store.LobbySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.LobbySummary{}
	for _, l := range m.lobbies {
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		sum := store.LobbySummary{Lobby: *l}
		for _, s := range m.lobbySeatsLocked(l.ID) {
			if s.Status != store.SeatFree {
				sum.SeatsTaken++
			}
			if s.Status == store.SeatPaid {
				sum.SeatsPaid++
			}
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, f.Limit, f.Offset), nil
}

func (m *Store) RefreshLobbyStatus(_ context.Context, id string) (store.Lobby, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lobbies[id]
	if !ok {
		return store.Lobby{}, store.ErrNotFound
	}
	if l.Status == store.LobbyFinalized {
		return *l, nil
	}
	var free, paid, total int
	for _, s := range m.lobbySeatsLocked(id) {
		total++
		switch s.Status {
		case store.SeatFree:
			free++
		case store.SeatPaid:
			paid++
		}
	}
	switch {
	case free > 0:
		l.Status = store.LobbyOpen
	case paid == total:
		l.Status = store.LobbyLocked
	default:
		l.Status = store.LobbyFilling
	}
	l.UpdatedAt = m.now().UTC()
	return *l, nil
}

func (m *Store) OpenNextRound(_ context.Context, p store.OpenRoundParams) (store.Lobby, store.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lobbies[p.LobbyID]
	if !ok {
		return store.Lobby{}, store.Round{}, store.ErrNotFound
	}
	if l.Status != store.LobbyFinalized {
		return store.Lobby{}, store.Round{}, store.ErrConflict
	}
	for _, r := range m.rounds {
		if r.LobbyID == p.LobbyID && r.Number == p.Number {
			return store.Lobby{}, store.Round{}, store.ErrConflict
		}
	}
	now := m.now().UTC()
	round := &store.Round{ID: store.NewID(), LobbyID: p.LobbyID, Number: p.Number, SeedCommit: p.SeedCommit, RoundHash: p.RoundHash, CreatedAt: now}
	m.rounds[round.ID] = round
	for _, s := range m.lobbySeatsLocked(p.LobbyID) {
		freeSeat(s, now)
	}
	l.Status = store.LobbyOpen
	l.SeedCommit = p.SeedCommit
	l.SeedReveal = ""
	l.CurrentRoundID = round.ID
	l.UpdatedAt = now
	return *l, *round, nil
}

func (m *Store) FinalizeRound(_ context.Context, p store.FinalizeRoundParams) (store.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rounds[p.RoundID]
	if !ok || r.LobbyID != p.LobbyID {
		return store.Round{}, store.ErrNotFound
	}
	l, ok := m.lobbies[p.LobbyID]
	if !ok {
		return store.Round{}, store.ErrNotFound
	}
	if r.FinalizedAt != nil || l.Status == store.LobbyFinalized {
		return store.Round{}, store.ErrConflict
	}
	at := p.At.UTC()
	payout := p.PayoutNano
	r.WinnerSeatID = p.WinnerSeatID
	r.WinnerOccupantID = p.WinnerOccupantID
	r.WinnerWallet = p.WinnerWallet
	r.PayoutNano = &payout
	r.FinalizedAt = &at
	l.Status = store.LobbyFinalized
	l.SeedReveal = p.SeedReveal
	l.UpdatedAt = m.now().UTC()
	return *r, nil
}

func (m *Store) ListSeats(_ context.Context, lobbyID string) ([]store.Seat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Seat{}
	for _, s := range m.lobbySeatsLocked(lobbyID) {
		out = append(out, *s)
	}
	return out, nil
}

func (m *Store) GetSeat(_ context.Context, id string) (store.Seat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.seats[id]
	if !ok {
		return store.Seat{}, store.ErrNotFound
	}
	return *s, nil
}

func (m *Store) GetSeatByIndex(_ context.Context, lobbyID string, index int) (store.Seat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.lobbySeatsLocked(lobbyID) {
		if s.SeatIndex == index {
			return *s, nil
		}
	}
	return store.Seat{}, store.ErrNotFound
}

func (m *Store) FindSeatByOccupant(_ context.Context, lobbyID, occupantID string) (store.Seat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.occupiedLocked(lobbyID, occupantID); s != nil {
		return *s, nil
	}
	return store.Seat{}, store.ErrNotFound
}

func (m *Store) ReserveFirstFree(_ context.Context, p store.ReserveParams) (store.Seat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.occupiedLocked(p.LobbyID, p.OccupantID) != nil {
		return store.Seat{}, store.ErrDuplicate
	}
	for _, s := range m.lobbySeatsLocked(p.LobbyID) {
		if s.Status != store.SeatFree {
			continue
		}
		at := p.At.UTC()
		s.Status = store.SeatTaken
		s.OccupantID = p.OccupantID
		s.OccupantWallet = p.Wallet
		s.ReservedAt = &at
		s.PaidAt = nil
		s.ReleasedAt = nil
		s.AmountNano = nil
		s.TxHash = ""
		return *s, nil
	}
	return store.Seat{}, store.ErrNotFound
}

func (m *Store) TransitionSeat(_ context.Context, t store.SeatTransition) (store.Seat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.seats[t.SeatID]
	if !ok {
		return store.Seat{}, store.ErrNotFound
	}
	if !slices.Contains(t.From, s.Status) {
		return store.Seat{}, store.ErrConflict
	}
	if t.ExpectOccupant != "" && s.OccupantID != t.ExpectOccupant {
		return store.Seat{}, store.ErrConflict
	}
	if t.ReservedAfter != nil && (s.ReservedAt == nil || s.ReservedAt.Before(*t.ReservedAfter)) {
		return store.Seat{}, store.ErrConflict
	}
	at := t.At.UTC()
	switch t.To {
	case store.SeatFree:
		freeSeat(s, at)
		return *s, nil
	case store.SeatPaid:
		s.PaidAt = &at
		s.AmountNano = t.AmountNano
	}
	s.Status = t.To
	if t.TxHash != "" {
		s.TxHash = t.TxHash
	}
	if t.Wallet != "" {
		s.OccupantWallet = t.Wallet
	}
	return *s, nil
}

func (m *Store) ReleaseExpired(_ context.Context, lobbyID string, cutoff, at time.Time) ([]store.Seat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Seat{}
	for _, s := range m.lobbySeatsLocked(lobbyID) {
		if !s.Status.Held() || s.PaidAt != nil || s.ReservedAt == nil || !s.ReservedAt.Before(cutoff) {
			continue
		}
		freeSeat(s, at.UTC())
		out = append(out, *s)
	}
	return out, nil
}

func (m *Store) ListLobbiesWithHeldSeats(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	out := []string{}
	for _, s := range m.seats {
		if s.Status.Held() && !seen[s.LobbyID] {
			seen[s.LobbyID] = true
			out = append(out, s.LobbyID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Store) CurrentRound(_ context.Context, lobbyID string) (store.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lobbies[lobbyID]
	if !ok {
		return store.Round{}, store.ErrNotFound
	}
	r, ok := m.rounds[l.CurrentRoundID]
	if !ok {
		return store.Round{}, store.ErrNotFound
	}
	return *r, nil
}

func (m *Store) GetRound(_ context.Context, id string) (store.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rounds[id]
	if !ok {
		return store.Round{}, store.ErrNotFound
	}
	return *r, nil
}

func (m *Store) UpdateRoundSettlement(_ context.Context, p store.RoundSettlement) (store.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rounds[p.RoundID]
	if !ok {
		return store.Round{}, store.ErrNotFound
	}
	setIf(&r.RoundHash, p.RoundHash)
	setIf(&r.WinnerWallet, p.WinnerWallet)
	if p.ClearWinnerSeat {
		r.WinnerSeatID, r.WinnerOccupantID = "", ""
	} else {
		setIf(&r.WinnerSeatID, p.WinnerSeatID)
		setIf(&r.WinnerOccupantID, p.WinnerOccID)
	}
	setIf(&r.TxHash, p.TxHash)
	if p.PayoutNano != nil {
		v := *p.PayoutNano
		r.PayoutNano = &v
	}
	if r.FinalizedAt == nil && p.FinalizedAt != nil {
		v := p.FinalizedAt.UTC()
		r.FinalizedAt = &v
	}
	if p.CloseLobby {
		if l, ok := m.lobbies[r.LobbyID]; ok && l.Status != store.LobbyFinalized {
			l.Status = store.LobbyFinalized
			l.UpdatedAt = m.now().UTC()
		}
	}
	return *r, nil
}

func (m *Store) InsertLedgerEntry(_ context.Context, e store.LedgerEntry) (store.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lobbies[e.LobbyID]; !ok {
		return store.LedgerEntry{}, store.ErrNotFound
	}
	if e.Action == store.ActionPay && e.Status == store.LedgerConfirmed && e.TxHash != "" && m.confirmedPayLocked(e.TxHash, "") {
		return store.LedgerEntry{}, store.ErrDuplicate
	}
	if e.ID == "" {
		e.ID = store.NewID()
	}
	if len(e.Metadata) == 0 {
		e.Metadata = json.RawMessage("{}")
	}
	e.CreatedAt = m.now().UTC()
	stored := e
	m.ledger = append(m.ledger, &stored)
	return e, nil
}

func (m *Store) UpdateLedgerStatus(_ context.Context, p store.LedgerStatusUpdate) (store.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.ledger {
		if e.ID != p.ID {
			continue
		}
		if e.Status != p.From {
			return store.LedgerEntry{}, store.ErrConflict
		}
		txHash := e.TxHash
		if p.TxHash != "" {
			txHash = p.TxHash
		}
		if e.Action == store.ActionPay && p.To == store.LedgerConfirmed && txHash != "" && m.confirmedPayLocked(txHash, e.ID) {
			return store.LedgerEntry{}, store.ErrDuplicate
		}
		e.Status = p.To
		e.TxHash = txHash
		return *e, nil
	}
	return store.LedgerEntry{}, store.ErrNotFound
}

func (m *Store) FindLedgerEntry(_ context.Context, q store.LedgerLookup) (store.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.ledger) - 1; i >= 0; i-- {
		e := m.ledger[i]
		if e.Action != q.Action ||
			(q.TxHash != "" && e.TxHash != q.TxHash) ||
			(q.RoundID != "" && e.RoundID != q.RoundID) ||
			(q.SeatID != "" && e.SeatID != q.SeatID) ||
			(q.Status != "" && e.Status != q.Status) ||
			(q.Source != "" && metaSource(e.Metadata) != q.Source) {
			continue
		}
		return *e, nil
	}
	return store.LedgerEntry{}, store.ErrNotFound
}

func (m *Store) ListLedgerEntries(_ context.Context, f store.LedgerFilter) ([]store.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.LedgerEntry{}
	for i := len(m.ledger) - 1; i >= 0; i-- {
		if f.LobbyID == "" || m.ledger[i].LobbyID == f.LobbyID {
			out = append(out, *m.ledger[i])
		}
	}
	return page(out, f.Limit, f.Offset), nil
}

func (m *Store) InsertAudit(_ context.Context, r store.AuditRecord) (store.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.audit {
		if existing.Action == r.Action && existing.Hash == r.Hash {
			return store.AuditRecord{}, store.ErrDuplicate
		}
	}
	if r.ID == "" {
		r.ID = store.NewID()
	}
	if len(r.Payload) == 0 {
		r.Payload = json.RawMessage("{}")
	}
	r.CreatedAt = m.now().UTC()
	stored := r
	m.audit = append(m.audit, &stored)
	return r, nil
}

func (m *Store) FindAuditByHash(_ context.Context, action, hash string) (store.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.audit {
		if r.Action == action && r.Hash == hash {
			return *r, nil
		}
	}
	return store.AuditRecord{}, store.ErrNotFound
}

func (m *Store) ListAudit(_ context.Context, f store.AuditFilter) ([]store.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.AuditRecord{}
	for i := len(m.audit) - 1; i >= 0; i-- {
		if f.Action == "" || m.audit[i].Action == f.Action {
			out = append(out, *m.audit[i])
		}
	}
	return page(out, f.Limit, f.Offset), nil
}

// lobbySeatsLocked returns the lobby's seats ordered by index. Callers hold m.mu.
func (m *Store) lobbySeatsLocked(lobbyID string) []*store.Seat {
	out := []*store.Seat{}
	for _, s := range m.seats {
		if s.LobbyID == lobbyID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeatIndex < out[j].SeatIndex })
	return out
}

func (m *Store) occupiedLocked(lobbyID, occupantID string) *store.Seat {
	for _, s := range m.lobbySeatsLocked(lobbyID) {
		if s.Status != store.SeatFree && s.OccupantID == occupantID {
			return s
		}
	}
	return nil
}

func (m *Store) confirmedPayLocked(txHash, exceptID string) bool {
	for _, e := range m.ledger {
		if e.ID != exceptID && e.Action == store.ActionPay && e.Status == store.LedgerConfirmed && e.TxHash == txHash {
			return true
		}
	}
	return false
}

func freeSeat(s *store.Seat, at time.Time) {
	s.Status = store.SeatFree
	s.OccupantID = ""
	s.OccupantWallet = ""
	s.ReservedAt = nil
	s.PaidAt = nil
	s.AmountNano = nil
	s.TxHash = ""
	s.ReleasedAt = &at
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func page[T any](in []T, limit, offset int) []T {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(in) {
		return []T{}
	}
	end := offset + limit
	if end > len(in) {
		end = len(in)
	}
	return in[offset:end]
}

func metaSource(raw json.RawMessage) string {
	var meta struct {
		Source string `json:"source"`
	}
	_ = json.Unmarshal(raw, &meta)
	return meta.Source
}
