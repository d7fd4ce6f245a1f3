// Package undo implements the per-client undo/redo manager for the shared
// tree. Only edits made on this client are tracked; remote edits are never
// recorded and a record invalidated by one is discarded instead of replayed.
package undo

import (
	"errors"
	"fmt"

	"collabtext/tree"
)

// Record is one revertible atomic edit: the changes that, applied in order,
// revert the edit it was captured from. Records are immutable once built and
// are held by exactly one stack at a time.
type Record struct {
	Seq     uint64
	Changes []tree.Change
}

// newRecord captures the inverse of a committed transaction.
func newRecord(seq uint64, committed []tree.Change) *Record {
	return &Record{Seq: seq, Changes: tree.Invert(committed)}
}

// Targets returns the node ids the record touches, in change order.
func (r *Record) Targets() []string {
	ids := make([]string, 0, len(r.Changes))
	for _, c := range r.Changes {
		ids = append(ids, c.Target)
	}
	return ids
}

// Validate checks that every change carries the data needed to replay it.
func (r *Record) Validate() error {
	if r == nil || len(r.Changes) == 0 {
		return errors.New("record has no changes")
	}
	for i, c := range r.Changes {
		if err := validateChange(c); err != nil {
			return fmt.Errorf("change %d (%s): %w", i, c.Kind, err)
		}
	}
	return nil
}

func validateChange(c tree.Change) error {
	if c.Target == "" {
		return errors.New("missing target id")
	}
	switch c.Kind {
	case tree.KindInsert:
		if c.Parent == "" {
			return errors.New("missing parent id")
		}
		if c.Subtree == nil || c.Subtree.ID != c.Target {
			return errors.New("missing subtree snapshot")
		}
		if c.Index < 0 {
			return errors.New("negative index")
		}
	case tree.KindRemove:
		if c.Parent == "" {
			return errors.New("missing parent id")
		}
	case tree.KindSetField:
		if c.Field == "" {
			return errors.New("missing field name")
		}
		if c.HasValue && c.Value == nil {
			return errors.New("missing field value")
		}
	case tree.KindMove:
		if c.Parent == "" || c.ToParent == "" {
			return errors.New("missing move endpoints")
		}
		if c.Index < 0 || c.ToIndex < 0 {
			return errors.New("negative index")
		}
	default:
		return tree.ErrUnknownChange
	}
	return nil
}
