// Package errs defines the error taxonomy shared by every generation component.
package errs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure so callers can react without string matching.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidRequest
	KindRateLimited
	KindProviderUnavailable
	KindTimeout
	KindUnknownEntry
	KindCompositionUnavailable
	KindUnauthenticated
	// KindCancelled marks work abandoned because a sibling failed or the caller left.
	KindCancelled
)

var kindNames = map[Kind]string{
	KindInternal:               "Internal",
	KindInvalidRequest:         "InvalidRequest",
	KindRateLimited:            "RateLimited",
	KindProviderUnavailable:    "ProviderUnavailable",
	KindTimeout:                "Timeout",
	KindUnknownEntry:           "UnknownEntry",
	KindCompositionUnavailable: "CompositionUnavailable",
	KindUnauthenticated:        "Unauthenticated",
	KindCancelled:              "Cancelled",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String. Unknown names are KindInternal.
func ParseKind(name string) Kind {
	for k, s := range kindNames {
		if s == name {
			return k
		}
	}
	return KindInternal
}

// MarshalText lets a Kind appear as its name in JSON payloads.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Sentinel values for errors.Is. An *Error matches the sentinel of its Kind.
var (
	ErrInternal               = &Error{Kind: KindInternal}
	ErrInvalidRequest         = &Error{Kind: KindInvalidRequest}
	ErrRateLimited            = &Error{Kind: KindRateLimited}
	ErrProviderUnavailable    = &Error{Kind: KindProviderUnavailable}
	ErrTimeout                = &Error{Kind: KindTimeout}
	ErrUnknownEntry           = &Error{Kind: KindUnknownEntry}
	ErrCompositionUnavailable = &Error{Kind: KindCompositionUnavailable}
	ErrUnauthenticated        = &Error{Kind: KindUnauthenticated}
	ErrCancelled              = &Error{Kind: KindCancelled}
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind       Kind
	Op         string
	Msg        string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel (or any *Error) of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

// New returns a classified error with a message.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Newf is New with a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// RateLimited builds a RateLimited error carrying the time until the window frees a slot.
func RateLimited(op string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Op:         op,
		Msg:        fmt.Sprintf("retry after %s", retryAfter.Round(time.Millisecond)),
		RetryAfter: retryAfter,
	}
}

// KindOf classifies any error. Context errors map to Timeout and Cancelled.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindInternal
}

// RetryAfter returns the reset hint carried by a RateLimited error, or zero.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
