package undo

import (
	"errors"
	"fmt"
)

var (
	// ErrSkipped marks an undo or redo whose record was discarded without
	// touching the tree. It is recoverable: the next call works on the next
	// older record.
	ErrSkipped = errors.New("undo step skipped")

	// ErrStaleTarget indicates that a record's targets no longer exist or its
	// positions are out of range, usually after a concurrent remote edit.
	ErrStaleTarget = errors.New("stale target")

	// ErrMalformedRecord indicates a record that failed its consistency check.
	ErrMalformedRecord = errors.New("malformed record")
)

// SkipError reports a discarded record. It matches ErrSkipped and its cause
// with errors.Is.
type SkipError struct {
	Action string
	Seq    uint64
	Err    error
}

func (e *SkipError) Error() string {
	return fmt.Sprintf("%s of record %d skipped: %v", e.Action, e.Seq, e.Err)
}

func (e *SkipError) Unwrap() []error {
	return []error{ErrSkipped, e.Err}
}
