package undo

import (
	"errors"
	"fmt"

	"collabtext/tree"
)

// applier is the only writer for replays. It re-checks a record against the
// live tree, then applies it in one transaction tagged with the replay origin.
type applier struct {
	tree *tree.Tree
}

// apply reports whether the replay changed the tree. A replay can succeed
// without changing anything when remote edits already produced its result;
// no event is emitted then, so the caller has to move the record itself.
func (a *applier) apply(rec *Record, origin tree.Origin) (changed bool, err error) {
	if err := rec.Validate(); err != nil {
		return false, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	if err := a.check(rec); err != nil {
		return false, fmt.Errorf("%w: %w", ErrStaleTarget, err)
	}
	err = a.tree.Transact(origin, func(tx *tree.Tx) error {
		for _, c := range rec.Changes {
			if err := tx.Apply(c); err != nil {
				return err
			}
		}
		changed = len(tx.Changes()) > 0
		return nil
	})
	switch {
	case err == nil:
		return changed, nil
	case errors.Is(err, tree.ErrReentrant):
		return false, err
	default:
		return false, fmt.Errorf("%w: %w", ErrStaleTarget, err)
	}
}

// check validates each change against the current tree. Ids produced or moved
// by an earlier change of the same record are left to the transaction, which
// rolls back on the first failure.
func (a *applier) check(rec *Record) error {
	touched := map[string]bool{}
	for _, c := range rec.Changes {
		if err := a.checkChange(c, touched); err != nil {
			return err
		}
		touched[c.Target] = true
		touched[c.Parent] = true
		if c.ToParent != "" {
			touched[c.ToParent] = true
		}
		if c.Subtree != nil {
			c.Subtree.Walk(func(n *tree.Node) { touched[n.ID] = true })
		}
	}
	return nil
}

func (a *applier) checkChange(c tree.Change, touched map[string]bool) error {
	switch c.Kind {
	case tree.KindInsert:
		if !touched[c.Parent] {
			parent, ok := a.tree.Get(c.Parent)
			if !ok {
				return fmt.Errorf("%w: parent %s", tree.ErrNodeNotFound, c.Parent)
			}
			if c.Index > len(parent.Children) {
				return fmt.Errorf("%w: insert at %d into %d children", tree.ErrIndexOutOfRange, c.Index, len(parent.Children))
			}
		}
		var err error
		c.Subtree.Walk(func(n *tree.Node) {
			if _, exists := a.tree.Get(n.ID); exists && !touched[n.ID] && err == nil {
				err = fmt.Errorf("%w: %s", tree.ErrDuplicateID, n.ID)
			}
		})
		return err
	case tree.KindRemove, tree.KindMove:
		if touched[c.Target] {
			return nil
		}
		return a.checkChild(c.Target, c.Parent)
	case tree.KindSetField:
		if touched[c.Target] {
			return nil
		}
		if _, ok := a.tree.Get(c.Target); !ok {
			return fmt.Errorf("%w: %s", tree.ErrNodeNotFound, c.Target)
		}
	}
	return nil
}

func (a *applier) checkChild(id, parentID string) error {
	n, ok := a.tree.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", tree.ErrNodeNotFound, id)
	}
	if p := n.Parent(); p == nil || p.ID != parentID {
		return fmt.Errorf("%w: %s", tree.ErrWrongParent, id)
	}
	return nil
}
