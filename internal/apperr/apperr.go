// Package apperr defines the error taxonomy shared across the payment
// authorization core. Every failure crossing a public boundary is one of
// these kinds so callers can react without string matching.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	// KindNotFound covers records that are absent or not owned by the
	// caller. The two cases are deliberately indistinguishable.
	KindNotFound Kind = iota
	KindValidation
	KindConflict
	KindUnauthorized
	KindThrottled
	KindUpstream
)

// Error is a kinded domain error. Wrapped causes stay reachable via
// errors.Unwrap for logging; the Kind is what handlers dispatch on.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func NotFound(msg string) error          { return &Error{Kind: KindNotFound, Msg: msg} }
func Validation(msg string) error        { return &Error{Kind: KindValidation, Msg: msg} }
func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}
func Conflict(msg string) error          { return &Error{Kind: KindConflict, Msg: msg} }
func Unauthorized(msg string) error      { return &Error{Kind: KindUnauthorized, Msg: msg} }
func Throttled(msg string) error         { return &Error{Kind: KindThrottled, Msg: msg} }
func Upstream(msg string, err error) error {
	return &Error{Kind: KindUpstream, Msg: msg, Err: err}
}

// KindOf returns the Kind of err, or ok=false when err is not a domain error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// HTTPStatus maps a domain error to its HTTP status. Non-domain errors map
// to 500 so nothing opaque leaks a misleading status.
func HTTPStatus(err error) int {
	kind, ok := KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindThrottled:
		return http.StatusTooManyRequests
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
