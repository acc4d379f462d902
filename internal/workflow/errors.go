package workflow

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures so callers can react without parsing text.
type ErrorKind string

const (
	KindConfiguration ErrorKind = "configuration"
	KindPrecondition  ErrorKind = "precondition"
	KindConcurrency   ErrorKind = "concurrency"
	KindNotFound      ErrorKind = "not_found"
)

// Error is the engine's error type. Reason is safe to show to users.
type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Reason == "" {
		return e.Err.Error()
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// Sentinel errors. Wrap them with Precondition, Configuration and friends to
// add context; errors.Is still matches the sentinel.
var (
	ErrRequestNotFound = &Error{Kind: KindNotFound, Reason: "approval request not found"}
	ErrChainNotFound   = &Error{Kind: KindNotFound, Reason: "approval chain not found"}
	ErrLevelNotFound   = &Error{Kind: KindNotFound, Reason: "approval level not found"}
	ErrNoActiveChain   = &Error{Kind: KindNotFound, Reason: "no active approval chain for entity type"}

	ErrInvalidChain   = &Error{Kind: KindConfiguration, Reason: "invalid approval chain"}
	ErrInvalidRule    = &Error{Kind: KindConfiguration, Reason: "invalid escalation rule"}
	ErrInvalidRequest = &Error{Kind: KindPrecondition, Reason: "invalid approval request"}

	ErrAlreadyActed     = &Error{Kind: KindPrecondition, Reason: "already acted on this level"}
	ErrLevelResolved    = &Error{Kind: KindPrecondition, Reason: "level already resolved"}
	ErrRequestTerminal  = &Error{Kind: KindPrecondition, Reason: "request is no longer pending"}
	ErrNotEligible      = &Error{Kind: KindPrecondition, Reason: "user is not an approver at the current level"}
	ErrWrongLevel       = &Error{Kind: KindPrecondition, Reason: "action targets a level that is not open"}
	ErrInvalidAction    = &Error{Kind: KindPrecondition, Reason: "invalid action"}
	ErrInvalidDelegate  = &Error{Kind: KindPrecondition, Reason: "invalid delegate"}
	ErrNotRequester     = &Error{Kind: KindPrecondition, Reason: "only the requester can cancel the request"}
	ErrNotBreached      = &Error{Kind: KindPrecondition, Reason: "level deadline has not passed"}
	ErrAlreadyEscalated = &Error{Kind: KindPrecondition, Reason: "level already escalated for this breach"}

	ErrConcurrentModification = &Error{Kind: KindConcurrency, Reason: "concurrent modification, retry the request"}
)

func wrap(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...), Err: cause}
}

// Precondition returns a precondition error with a specific reason.
func Precondition(cause error, format string, args ...interface{}) *Error {
	return wrap(KindPrecondition, cause, format, args...)
}

// Configuration returns a configuration error with a specific reason.
func Configuration(cause error, format string, args ...interface{}) *Error {
	return wrap(KindConfiguration, cause, format, args...)
}

// NotFound returns a not-found error with a specific reason.
func NotFound(cause error, format string, args ...interface{}) *Error {
	return wrap(KindNotFound, cause, format, args...)
}

// Concurrency returns a concurrency error wrapping the underlying cause.
func Concurrency(cause error) *Error {
	return &Error{Kind: KindConcurrency, Reason: ErrConcurrentModification.Reason, Err: joinCause(ErrConcurrentModification, cause)}
}

func joinCause(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return errors.Join(sentinel, cause)
}

// KindOf returns the kind of the outermost engine error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
