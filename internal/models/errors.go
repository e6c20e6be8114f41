package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed source operation so the orchestrator can
// branch on taxonomy instead of matching error text.
type ErrorKind int

const (
	// KindNotFound: source queried successfully but no matching artifact exists.
	KindNotFound ErrorKind = iota
	// KindAccessRestricted: resource exists but is gated; retryable with a token.
	KindAccessRestricted
	// KindTransient: network/timeout/subprocess failure; next source may be tried.
	KindTransient
	// KindCancelled: user-initiated; terminal for the whole resolution.
	KindCancelled
	// KindInvalid: malformed input identifier; fails fast with no network calls.
	KindInvalid
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindAccessRestricted:
		return "access_restricted"
	case KindTransient:
		return "transient"
	case KindCancelled:
		return "cancelled"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// SourceError is the tagged result every source client returns on failure.
// Clients never let raw transport errors escape untyped.
type SourceError struct {
	Kind    ErrorKind
	Source  Source
	Message string // user-facing explanation, mandatory for access restrictions
	Err     error  // underlying cause, may be nil
}

func (e *SourceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Source, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Source, e.Message)
}

func (e *SourceError) Unwrap() error { return e.Err }

// NewSourceError builds a tagged error.
func NewSourceError(kind ErrorKind, source Source, message string, err error) *SourceError {
	return &SourceError{Kind: kind, Source: source, Message: message, Err: err}
}

// KindOf extracts the taxonomy kind from an error chain. Untagged errors are
// treated as transient.
func KindOf(err error) ErrorKind {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransient
}

// IsCancelled reports whether the error chain carries a cancellation.
func IsCancelled(err error) bool {
	return err != nil && KindOf(err) == KindCancelled
}
