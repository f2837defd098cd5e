package lobby

import "tonrody/internal/apperr"

var (
	ErrInvalidRequest   = apperr.New(apperr.KindValidation, "invalid_request")
	ErrInvalidStake     = apperr.New(apperr.KindValidation, "invalid_stake")
	ErrInvalidSeatCount = apperr.New(apperr.KindValidation, "invalid_seat_count")
	ErrTxAlreadyUsed    = apperr.New(apperr.KindStateConflict, "tx_already_used")
)
