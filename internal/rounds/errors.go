package rounds

import "tonrody/internal/apperr"

var (
	ErrInvalidRequest    = apperr.New(apperr.KindValidation, "invalid_request")
	ErrLobbyNotFound     = apperr.New(apperr.KindNotFound, "lobby_not_found")
	ErrRoundNotFound     = apperr.New(apperr.KindNotFound, "round_not_found")
	ErrRoundFinalized    = apperr.New(apperr.KindStateConflict, "round_finalized")
	ErrRoundHashMissing  = apperr.New(apperr.KindStateConflict, "round_hash_missing")
	ErrNoPaidSeats       = apperr.New(apperr.KindStateConflict, "no_paid_seats")
	ErrLobbyNotFinalized = apperr.New(apperr.KindStateConflict, "lobby_not_finalized")
	ErrInvalidReveal     = apperr.New(apperr.KindInvalidReveal, "invalid_reveal")
)
