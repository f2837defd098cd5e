package apperr

import (
	"errors"
	"net/http"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthentication
	KindForbidden
	KindDuplicate
	KindNotFound
	KindStateConflict
	KindStakeMismatch
	KindInvalidReveal
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindForbidden:
		return "forbidden"
	case KindDuplicate:
		return "duplicate"
	case KindNotFound:
		return "not_found"
	case KindStateConflict:
		return "state_conflict"
	case KindStakeMismatch:
		return "stake_mismatch"
	case KindInvalidReveal:
		return "invalid_reveal"
	case KindUpstream:
		return "upstream"
	default:
		return "unknown"
	}
}

// Error carries a Kind and a stable snake_case code that is safe to return to clients.
type Error struct {
	Kind Kind
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a sentinel. Compare with errors.Is.
func New(kind Kind, code string) *Error {
	return &Error{Kind: kind, Code: code}
}

func Wrap(kind Kind, code string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Code: code, Err: err}
}

// Upstream wraps storage and chain failures that may be transient.
func Upstream(err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Kind: KindUpstream, Code: "upstream_error", Err: err}
}

func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return "internal_error"
}

// HTTPStatus maps an error to a response status and client code.
func HTTPStatus(err error) (int, string) {
	var ae *Error
	if !errors.As(err, &ae) {
		return http.StatusInternalServerError, "internal_error"
	}
	switch ae.Kind {
	case KindValidation:
		return http.StatusBadRequest, ae.Code
	case KindAuthentication:
		return http.StatusUnauthorized, ae.Code
	case KindForbidden:
		return http.StatusForbidden, ae.Code
	case KindNotFound:
		return http.StatusNotFound, ae.Code
	case KindStateConflict, KindStakeMismatch, KindInvalidReveal:
		return http.StatusConflict, ae.Code
	case KindDuplicate:
		return http.StatusOK, ae.Code
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
