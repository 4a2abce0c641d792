// Package mperror defines the typed error kinds used across the tile
// serving pipeline, per the failure semantics table in the core design.
package mperror

import (
	"errors"
	"fmt"
)

// Kind identifies the category of a pipeline error.
type Kind string

const (
	KindConfig        Kind = "config"
	KindSource        Kind = "source"
	KindSourceTimeout Kind = "source_timeout"
	KindSourceHTTP    Kind = "source_http"
	KindUnsupportedSRS Kind = "unsupported_srs"
	KindUnsupportedFormat Kind = "unsupported_format"
	KindCacheIO       Kind = "cache_io"
	KindCacheLocked   Kind = "cache_locked"
	KindCacheCorrupt  Kind = "cache_corrupt"
	KindLockTimeout   Kind = "lock_timeout"
	KindCoverage      Kind = "coverage"
	KindImage         Kind = "image"
)

// Error is a typed pipeline error carrying a Kind for errors.As dispatch
// and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is comparisons against a bare Kind sentinel created
// via New(kind, "").
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// LockTimeout is the distinct sentinel returned when lock acquisition
// exceeds its configured timeout (spec: "Abort with LockTimeout").
var LockTimeout = &Error{Kind: KindLockTimeout, Message: "lock acquisition timed out"}

// IsKind reports whether err (or any error it wraps) is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}
