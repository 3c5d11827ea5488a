// Package errs defines the error taxonomy shared across the transfer
// subsystem. Errors are classified by Kind rather than by Go type so
// that callers at every layer (connection handler, client retry loop,
// recovery coordinator) can make the same retry/abort decision from a
// single switch.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry/abort decisions and logging.
type Kind string

const (
	KindAuth        Kind = "AuthError"
	KindAuthz       Kind = "AuthzError"
	KindTokenExp    Kind = "TokenExpired"
	KindLockedOut   Kind = "LockedOut"
	KindStorageFull Kind = "StorageFull"
	KindIntegrity   Kind = "IntegrityError"
	KindChecksum    Kind = "ChecksumError"
	KindOrder       Kind = "OrderError"
	KindProtocol    Kind = "ProtocolError"
	KindTransport   Kind = "TransportError"
	KindTimeout     Kind = "TimeoutError"
	KindNotFound    Kind = "NotFound"
	KindConflict    Kind = "Conflict"
	KindUnavail     Kind = "Unavailable"
	KindInternal    Kind = "Internal"
)

// Error wraps an underlying error with a Kind and the operation that
// produced it. Op is a short dotted path, e.g. "ChunkManager.ingest".
type Error struct {
	Kind Kind
	Op   string
	Err  error

	// Scope distinguishes sub-cases of a Kind that drive different
	// retry behavior, e.g. ChecksumError(chunk) vs ChecksumError(file).
	Scope string
}

func (e *Error) Error() string {
	if e.Scope != "" {
		return fmt.Sprintf("%s: %s(%s): %v", e.Op, e.Kind, e.Scope, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// NewScoped constructs an *Error carrying a sub-case scope.
func NewScoped(kind Kind, scope, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err, Scope: scope}
}

// Of returns the Kind carried by err, or KindInternal if err does not
// wrap an *Error.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ScopeOf returns the Scope carried by err, if any.
func ScopeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Scope
	}
	return ""
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}
