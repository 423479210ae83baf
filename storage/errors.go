package storage

import (
	"errors"
	"fmt"
)

// Kind classifies storage failures so that callers can match on a
// structured error kind rather than driver message text. Backends are
// responsible for translating their driver errors into one of these
// kinds at the point the error crosses the backend boundary.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNotFound reports an update or delete against a missing key.
	KindNotFound
	// KindConstraint reports a unique index or unique column violation.
	KindConstraint
	// KindSchemaMissing reports an operation against a collection,
	// table or column that does not (yet) exist. The account-scoped
	// store recovers from this kind exactly once per call by running a
	// schema-ensure and retrying.
	KindSchemaMissing
	// KindNotInitialized reports use of a component before its
	// initialization step has completed.
	KindNotInitialized
	// KindDecryption reports an authenticated-decryption failure.
	KindDecryption
	// KindInvalidOperation reports a request that is well-formed but
	// not permitted, such as deleting the active account.
	KindInvalidOperation
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindNotFound:         "not found",
	KindConstraint:       "constraint violation",
	KindSchemaMissing:    "schema missing",
	KindNotInitialized:   "not initialized",
	KindDecryption:       "decryption failure",
	KindInvalidOperation: "invalid operation",
}

// String returns the Kind name string.
func (k Kind) String() string {
	return kindNames[k]
}

// Error is the typed error returned by storage backends and facades.
type Error struct {
	Kind       Kind
	Collection string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Collection != "" {
		msg = fmt.Sprintf("%s: collection %q", msg, e.Collection)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap supports errors.Is and errors.As against the wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError makes a typed storage error wrapping err, which may be nil.
func NewError(kind Kind, collection string, err error) *Error {
	return &Error{Kind: kind, Collection: collection, Err: err}
}

// KindOf extracts the Kind from err, returning KindUnknown for nil or
// untyped errors.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}
