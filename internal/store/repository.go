package store

import (
	"context"
	"time"
)

// Repository is the storage contract the lobby components depend on. Every mutation is a
// single conditional statement or one short transaction; a failed precondition surfaces
// as ErrConflict, never as a partial write.
type Repository interface {
	Ping(ctx context.Context) error

	CreateLobby(ctx context.Context, p CreateLobbyParams) (Lobby, Round, error)
	GetLobby(ctx context.Context, id string) (Lobby, error)
	ListLobbies(ctx context.Context, f LobbyFilter) ([]LobbySummary, error)
	RefreshLobbyStatus(ctx context.Context, id string) (Lobby, error)
	OpenNextRound(ctx context.Context, p OpenRoundParams) (Lobby, Round, error)
	FinalizeRound(ctx context.Context, p FinalizeRoundParams) (Round, error)

	ListSeats(ctx context.Context, lobbyID string) ([]Seat, error)
	GetSeat(ctx context.Context, id string) (Seat, error)
	GetSeatByIndex(ctx context.Context, lobbyID string, index int) (Seat, error)
	FindSeatByOccupant(ctx context.Context, lobbyID, occupantID string) (Seat, error)
	ReserveFirstFree(ctx context.Context, p ReserveParams) (Seat, error)
	TransitionSeat(ctx context.Context, t SeatTransition) (Seat, error)
	ReleaseExpired(ctx context.Context, lobbyID string, cutoff, at time.Time) ([]Seat, error)
	ListLobbiesWithHeldSeats(ctx context.Context) ([]string, error)

	CurrentRound(ctx context.Context, lobbyID string) (Round, error)
	GetRound(ctx context.Context, id string) (Round, error)
	UpdateRoundSettlement(ctx context.Context, p RoundSettlement) (Round, error)

	InsertLedgerEntry(ctx context.Context, e LedgerEntry) (LedgerEntry, error)
	UpdateLedgerStatus(ctx context.Context, p LedgerStatusUpdate) (LedgerEntry, error)
	FindLedgerEntry(ctx context.Context, q LedgerLookup) (LedgerEntry, error)
	ListLedgerEntries(ctx context.Context, f LedgerFilter) ([]LedgerEntry, error)

	InsertAudit(ctx context.Context, r AuditRecord) (AuditRecord, error)
	FindAuditByHash(ctx context.Context, action, hash string) (AuditRecord, error)
	ListAudit(ctx context.Context, f AuditFilter) ([]AuditRecord, error)
}

type CreateLobbyParams struct {
	ID         string
	Code       string
	Class      string
	StakeNano  int64
	SeatCount  int
	SeedCommit string
	RoundHash  string
	CreatedBy  string
}

type LobbyFilter struct {
	Status LobbyStatus
	Limit  int
	Offset int
}

type OpenRoundParams struct {
	LobbyID    string
	Number     int
	SeedCommit string
	RoundHash  string
}

type FinalizeRoundParams struct {
	LobbyID          string
	RoundID          string
	SeedReveal       string
	WinnerSeatID     string
	WinnerOccupantID string
	WinnerWallet     string
	PayoutNano       int64
	At               time.Time
}

type ReserveParams struct {
	LobbyID    string
	OccupantID string
	Wallet     string
	At         time.Time
}

// SeatTransition is a compare-and-swap on one seat row. From lists the accepted prior
// statuses; ExpectOccupant and ReservedAfter add optional guards.
type SeatTransition struct {
	SeatID         string
	From           []SeatStatus
	To             SeatStatus
	ExpectOccupant string
	ReservedAfter  *time.Time
	At             time.Time
	AmountNano     *int64
	TxHash         string
	Wallet         string
}

// RoundSettlement carries externally confirmed values. Empty fields keep the stored value.
type RoundSettlement struct {
	RoundID      string
	RoundHash    string
	WinnerWallet string
	WinnerSeatID string
	WinnerOccID  string
	PayoutNano   *int64
	TxHash       string
	FinalizedAt  *time.Time
	// ClearWinnerSeat nulls winner_seat_id and winner_occupant_id when the reported winner
	// holds no seat here.
	ClearWinnerSeat bool
	// CloseLobby also moves the owning lobby to finalized in the same transaction.
	CloseLobby bool
}

type LedgerStatusUpdate struct {
	ID     string
	From   LedgerStatus
	To     LedgerStatus
	TxHash string
}

// LedgerLookup finds the newest entry matching every non-empty field.
type LedgerLookup struct {
	Action  LedgerAction
	TxHash  string
	RoundID string
	SeatID  string
	Status  LedgerStatus
	// Source matches metadata->>'source'.
	Source string
}

type LedgerFilter struct {
	LobbyID string
	Limit   int
	Offset  int
}

type AuditFilter struct {
	Action string
	Limit  int
	Offset int
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
