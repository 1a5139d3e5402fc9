package broker

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
)

// ErrorKind buckets broker failures for the retry/abort decision upstream.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindNetwork
	KindRateLimited
	KindNotFound
	KindInvalidState
	KindRaceCondition
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindRaceCondition:
		return "race_condition"
	default:
		return "other"
	}
}

// alpacaCodeAlreadyFilled is Alpaca's error code for cancelling an order
// that filled before the cancel landed.
const alpacaCodeAlreadyFilled = 42210000

// Error wraps a broker failure with its kind and the operation that failed.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("broker %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind from err, or KindOther if it is not a
// broker error.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindOther
}

// IsRace reports whether err is the cancel/fill race: the broker refused a
// cancel because the order already filled. Callers must treat this as a
// fill, not a failure.
func IsRace(err error) bool {
	return KindOf(err) == KindRaceCondition
}

// Retryable reports whether the failure is transient and the call may be
// retried.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindRateLimited:
		return true
	}
	return false
}

// classify maps an underlying SDK or transport error to an Error with the
// right kind. String inspection is confined to this function; everything
// upstream branches on kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		kind := KindOther
		switch {
		case apiErr.Code == alpacaCodeAlreadyFilled || mentionsFilled(apiErr.Message):
			kind = KindRaceCondition
		case apiErr.StatusCode == 429:
			kind = KindRateLimited
		case apiErr.StatusCode == 404:
			kind = KindNotFound
		case apiErr.StatusCode == 422 || apiErr.StatusCode == 403:
			kind = KindInvalidState
		case apiErr.StatusCode >= 500:
			kind = KindNetwork
		}
		return &Error{Kind: kind, Op: op, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &Error{Kind: KindNetwork, Op: op, Err: err}
	}

	return &Error{Kind: KindOther, Op: op, Err: err}
}

func mentionsFilled(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "already filled") ||
		strings.Contains(m, "already executed") ||
		strings.Contains(m, "already in filled state")
}
