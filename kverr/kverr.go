// Package kverr defines the error taxonomy shared by all HyperKV components.
//
// Every failure that crosses a package boundary is classified by a Kind.
// Callers branch on KindOf(err) rather than on error strings; wrapping with
// fmt.Errorf("...: %w", err) preserves the kind.
package kverr

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind uint8

const (
	// Unknown is the zero kind; errors that did not originate in HyperKV.
	Unknown Kind = iota
	// NotFound — key absent or expired. Surfaced as an empty result, not a
	// failure, for read paths.
	NotFound
	// TypeMismatch — CRDT operation on the wrong variant, or a persisted
	// frame that cannot be decoded as the expected kind.
	TypeMismatch
	// InvalidArgument — non-positive TTL, malformed configuration, bad
	// scan pattern.
	InvalidArgument
	// NotLeader — the clustering collaborator reports this node is a
	// follower; writes only.
	NotLeader
	// StorageIO — I/O failure from persistence, including fsync failures.
	StorageIO
	// OutOfMemory — an allocation would violate max_memory even after
	// eviction.
	OutOfMemory
	// Shutdown — operation attempted after Stop was initiated.
	Shutdown
)

var kindNames = [...]string{
	Unknown:         "unknown",
	NotFound:        "not_found",
	TypeMismatch:    "type_mismatch",
	InvalidArgument: "invalid_argument",
	NotLeader:       "not_leader",
	StorageIO:       "storage_io",
	OutOfMemory:     "out_of_memory",
	Shutdown:        "shutdown",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Kinds lists every classified kind, for stats initialization.
func Kinds() []Kind {
	return []Kind{NotFound, TypeMismatch, InvalidArgument, NotLeader, StorageIO, OutOfMemory, Shutdown}
}

// Error is a classified error. It wraps an optional cause.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	switch {
	case e.msg != "" && e.err != nil:
		return e.msg + ": " + e.err.Error()
	case e.msg != "":
		return e.msg
	case e.err != nil:
		return e.err.Error()
	}
	return e.kind.String()
}

func (e *Error) Unwrap() error { return e.err }

// Kind returns the error's classification.
func (e *Error) Kind() Kind { return e.kind }

// New builds a classified error with a static message.
func New(kind Kind, msg string) error {
	return &Error{kind: kind, msg: msg}
}

// Newf builds a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil cause yields nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, msg: msg, err: err}
}

// KindOf extracts the Kind of err, unwrapping as needed.
// Errors without a classification report Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return Unknown
}

// IsKind reports whether err (or anything it wraps) carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
