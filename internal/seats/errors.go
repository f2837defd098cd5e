package seats

import "tonrody/internal/apperr"

var (
	ErrInvalidRequest       = apperr.New(apperr.KindValidation, "invalid_request")
	ErrLobbyNotFound        = apperr.New(apperr.KindNotFound, "lobby_not_found")
	ErrSeatNotFound         = apperr.New(apperr.KindNotFound, "seat_not_found")
	ErrLobbyClosed          = apperr.New(apperr.KindStateConflict, "lobby_closed")
	ErrNoFreeSeat           = apperr.New(apperr.KindStateConflict, "no_free_seat")
	ErrAlreadyOccupying     = apperr.New(apperr.KindStateConflict, "already_occupying")
	ErrNotOccupant          = apperr.New(apperr.KindStateConflict, "not_seat_occupant")
	ErrSeatConflict         = apperr.New(apperr.KindStateConflict, "seat_state_conflict")
	ErrPaymentWindowExpired = apperr.New(apperr.KindStateConflict, "payment_window_expired")
	ErrSeatAlreadyPaid      = apperr.New(apperr.KindStateConflict, "seat_already_paid")
)
