package aggregator

import (
	"errors"
	"fmt"
)

// Kind classifies an aggregator failure. It drives both retry decisions and
// the error kind reported to HTTP clients.
type Kind string

const (
	// KindRejected is a 4xx: the request itself was refused.
	KindRejected Kind = "rejected"
	// KindTransient is a 5xx or a transport failure.
	KindTransient Kind = "transient"
	KindTimeout   Kind = "timeout"
)

type Error struct {
	Op     string
	Kind   Kind
	Status int
	// Code is the aggregator's own error code, when the body carried one.
	Code   string
	Detail string
	// Responded is true once any HTTP response came back, error or not.
	Responded bool
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("aggregator %s: %s", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether link-token creation and item removal may try
// again after e.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindTimeout
}

// AsError extracts an *Error from err.
func AsError(err error) (*Error, bool) {
	var aggErr *Error
	if errors.As(err, &aggErr) {
		return aggErr, true
	}
	return nil, false
}

// IsTimeout reports whether err is an aggregator timeout.
func IsTimeout(err error) bool {
	aggErr, ok := AsError(err)
	return ok && aggErr.Kind == KindTimeout
}
