// Package errkind classifies failures so that callers can decide between
// retrying and aborting. Transient errors (network hiccups, throttled
// storage) are safe to retry; malformed errors (unparseable input, null
// index keys) are not and fail the whole query.
package errkind

import (
	"errors"
	"fmt"
)

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Transientf formats a retryable error.
func Transientf(format string, args ...any) error {
	return &transientError{err: fmt.Errorf(format, args...)}
}

// IsTransient reports whether err is marked retryable anywhere in its chain.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

type malformedError struct{ err error }

func (e *malformedError) Error() string { return e.err.Error() }
func (e *malformedError) Unwrap() error { return e.err }

// Malformed marks err as caused by invalid input data. Malformed errors
// abort the query; retrying cannot fix the data.
func Malformed(err error) error {
	if err == nil {
		return nil
	}
	return &malformedError{err: err}
}

// Malformedf formats a malformed input error.
func Malformedf(format string, args ...any) error {
	return &malformedError{err: fmt.Errorf(format, args...)}
}

// IsMalformed reports whether err is marked as malformed input anywhere in
// its chain.
func IsMalformed(err error) bool {
	var m *malformedError
	return errors.As(err, &m)
}
