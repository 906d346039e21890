package qcache

import "github.com/pkg/errors"

// ErrMissingFetcher is returned when an Entry has no FetchFunc of its own
// and no attached observer supplies one either (for example, an entry built
// by Hydrate that has never been observed).
var ErrMissingFetcher = errors.New("qcache: entry has no fetch function")

// ErrUndefinedResult is returned when a fetch function resolves
// successfully but with a nil value.
var ErrUndefinedResult = errors.New("qcache: fetch resolved with no data")

// CancelledError is the error recorded on an Entry or Mutation whose
// in-flight attempt was cancelled via Cancel. A silent cancellation is not
// recorded on the Entry's state, but the cancelled Fetch call still returns
// the CancelledError, with Silent set.
type CancelledError struct {
	// Revert is true if the cancellation requested restoring the entry's
	// pre-fetch snapshot.
	Revert bool
	// Silent is true if the cancellation requested suppressing error
	// dispatch and logger output.
	Silent bool
	cause  error
}

func (e *CancelledError) Error() string {
	if e.cause != nil {
		return "qcache: cancelled: " + e.cause.Error()
	}
	return "qcache: cancelled"
}

func (e *CancelledError) Unwrap() error { return e.cause }

// IsCancelled reports whether err is (or wraps) a *CancelledError.
func IsCancelled(err error) bool {
	_, ok := errors.Cause(err).(*CancelledError)
	if ok {
		return true
	}
	var ce *CancelledError
	return errors.As(err, &ce)
}

// SelectorError wraps an error returned by an EntryObserver's Select
// function. It is surfaced only on the derived Result, never written back
// onto the Entry itself (spec design note, §9: "select" errors leave Entry
// state untouched).
type SelectorError struct {
	cause error
}

func (e *SelectorError) Error() string { return "qcache: select: " + e.cause.Error() }
func (e *SelectorError) Unwrap() error { return e.cause }
