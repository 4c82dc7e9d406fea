package metadata

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures.
type ErrorKind string

const (
	// KindResourceUnavailable is an open or read failure on the media resource.
	KindResourceUnavailable ErrorKind = "resource_unavailable"
	// KindAccessDenied is a permission failure on the media resource.
	KindAccessDenied ErrorKind = "access_denied"
	// KindCorrupt is an undecodable durable-tier entry.
	KindCorrupt ErrorKind = "corrupt"
	// KindUnknown is anything unclassified.
	KindUnknown ErrorKind = "unknown"
)

var (
	ErrResourceUnavailable = errors.New("resource unavailable")
	ErrAccessDenied        = errors.New("access denied")
	ErrCorrupt             = errors.New("corrupt cache entry")
)

// Error carries the kind, the failing operation and the item id.
type Error struct {
	Kind ErrorKind
	Op   string
	ID   string
	Err  error
}

func (e *Error) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s in %s for %s: %v", e.Kind, e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("%s in %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind as well as the wrapped error.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrResourceUnavailable:
		return e.Kind == KindResourceUnavailable
	case ErrAccessDenied:
		return e.Kind == KindAccessDenied
	case ErrCorrupt:
		return e.Kind == KindCorrupt
	}
	return false
}

// NewError builds an *Error.
func NewError(kind ErrorKind, op, id string, err error) *Error {
	return &Error{Kind: kind, Op: op, ID: id, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) ErrorKind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	switch {
	case errors.Is(err, ErrResourceUnavailable):
		return KindResourceUnavailable
	case errors.Is(err, ErrAccessDenied):
		return KindAccessDenied
	case errors.Is(err, ErrCorrupt):
		return KindCorrupt
	}
	return KindUnknown
}
