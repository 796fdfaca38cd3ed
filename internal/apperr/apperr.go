// Package apperr defines the error taxonomy shared by the remote client, the stores
// and the sync engine.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorizes a failure.
type Kind string

const (
	// KindNetwork is a transport failure or timeout. Retryable.
	KindNetwork Kind = "network"

	// KindClient is a 4xx answer from the remote service. Never retried.
	KindClient Kind = "client"

	// KindServer is a 5xx answer from the remote service. Retryable.
	KindServer Kind = "server"

	// KindData is a payload that does not have the expected shape. Never retried.
	KindData Kind = "data"

	// KindStore is a failed transactional write or read. Never retried.
	KindStore Kind = "store"

	// KindCanceled marks work abandoned because the run was canceled.
	KindCanceled Kind = "canceled"

	// KindUnknown is anything that was not classified.
	KindUnknown Kind = "unknown"
)

// ErrRetryBudgetExhausted is joined to the last transient error once the
// attempt budget for a request is spent.
var ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

// Error is a classified failure.
type Error struct {
	Kind       Kind
	Op         string
	Station    string
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Station != "" {
		msg += " (station=" + e.Station + ")"
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" status %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// FromStatus classifies a non-success HTTP status code.
func FromStatus(op string, status int, err error) *Error {
	kind := KindClient
	if status >= http.StatusInternalServerError {
		kind = KindServer
	}
	return &Error{Kind: kind, Op: op, StatusCode: status, Err: err}
}

// KindOf returns the Kind of the first *Error in the chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// StatusOf returns the HTTP status carried by the error chain, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

// IsRetryable reports whether err is a transient failure that may be retried.
// Errors carrying ErrRetryBudgetExhausted are not retryable anymore.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrRetryBudgetExhausted) {
		return false
	}
	switch KindOf(err) {
	case KindNetwork, KindServer:
		return true
	}
	return false
}

// IsFatal reports whether err implies a systemic credential problem (401/403).
func IsFatal(err error) bool {
	if KindOf(err) != KindClient {
		return false
	}
	status := StatusOf(err)
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// IsNotFound reports whether err is a 404 from the remote service.
func IsNotFound(err error) bool {
	return KindOf(err) == KindClient && StatusOf(err) == http.StatusNotFound
}

// WithStation annotates the first *Error in the chain with a station code.
func WithStation(err error, station string) error {
	var e *Error
	if errors.As(err, &e) && e.Station == "" {
		e.Station = station
	}
	return err
}
