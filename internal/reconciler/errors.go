package reconciler

import (
	"errors"
	"fmt"
)

// Kind classifies why a run did not succeed.
type Kind string

const (
	KindNone            Kind = ""
	KindUnsupportedHost Kind = "UnsupportedHost"
	KindInvalidParams   Kind = "InvalidParams"
	KindProbe           Kind = "ProbeError"
	KindConsistency     Kind = "ConsistencyError"
	KindUnknownApp      Kind = "UnknownApp"
	KindCredential      Kind = "CredentialError"
	KindActionFailure   Kind = "ActionFailure"
	KindInternal        Kind = "InternalLogicError"
)

// Error is a failed run. Msg is safe to show to the caller; Err carries the
// underlying cause when there is one.
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

// KindOf returns the Kind of err, KindInternal for foreign errors and
// KindNone for nil.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind
	}
	return KindInternal
}

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}
