package memphis

import (
	"errors"
	"fmt"

	"memphisflow/transport"
)

// Kind classifies an Error so callers can branch with errors.Is instead of
// matching message text.
type Kind uint8

const (
	KindValidation Kind = iota + 1
	KindConnection
	KindControlRequest
	KindNotFound
	KindPublishUnavailable
	KindPublish
	KindFetch
	KindClosed
	KindDestroyed
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConnection:
		return "connection"
	case KindControlRequest:
		return "control request"
	case KindNotFound:
		return "not found"
	case KindPublishUnavailable:
		return "publish unavailable"
	case KindPublish:
		return "publish"
	case KindFetch:
		return "fetch"
	case KindClosed:
		return "closed"
	case KindDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Error is the single domain error returned by this package.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return "memphis: " + msg
	}
	return fmt.Sprintf("memphis: %s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so the exported sentinels below
// work with errors.Is. KindNotFound is also a control-request failure and
// KindPublishUnavailable also a publish failure.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	switch {
	case t.Kind == e.Kind:
		return true
	case e.Kind == KindNotFound && t.Kind == KindControlRequest:
		return true
	case e.Kind == KindPublishUnavailable && t.Kind == KindPublish:
		return true
	}
	return false
}

var (
	ErrValidation         = &Error{Kind: KindValidation, Msg: "invalid argument"}
	ErrConnection         = &Error{Kind: KindConnection, Msg: "connection failed"}
	ErrControlRequest     = &Error{Kind: KindControlRequest, Msg: "control request failed"}
	ErrNotFound           = &Error{Kind: KindNotFound, Msg: "does not exist"}
	ErrPublishUnavailable = &Error{Kind: KindPublishUnavailable, Msg: "produce operation has failed, please check whether station/producer still exist"}
	ErrPublish            = &Error{Kind: KindPublish, Msg: "produce failed"}
	ErrFetch              = &Error{Kind: KindFetch, Msg: "fetch failed"}
	ErrConnectionClosed   = &Error{Kind: KindClosed, Msg: "connection is closed"}
	ErrDestroyed          = &Error{Kind: KindDestroyed, Msg: "handle was destroyed"}
)

func newError(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

func wrapError(kind Kind, op string, err error) *Error {
	if errors.Is(err, transport.ErrConnectionClosed) {
		kind = KindClosed
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
