package tree

import (
	"fmt"
	"slices"
)

// Tx is an open transaction. It is only valid inside the Transact callback.
type Tx struct {
	t       *Tree
	changes []Change
	done    bool
}

// Changes returns the changes made so far in this transaction.
func (tx *Tx) Changes() []Change {
	return slices.Clone(tx.changes)
}

func (tx *Tx) node(id string) (*Node, error) {
	n, ok := tx.t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return n, nil
}

// Insert places a copy of n at index among parentID's children.
func (tx *Tx) Insert(parentID string, index int, n *Node) error {
	parent, err := tx.node(parentID)
	if err != nil {
		return err
	}
	if index < 0 || index > len(parent.Children) {
		return fmt.Errorf("%w: insert at %d into %d children", ErrIndexOutOfRange, index, len(parent.Children))
	}
	if err := n.validateDetached(); err != nil {
		return err
	}
	var dup string
	n.Walk(func(c *Node) {
		if _, ok := tx.t.nodes[c.ID]; ok && dup == "" {
			dup = c.ID
		}
	})
	if dup != "" {
		return fmt.Errorf("%w: %s", ErrDuplicateID, dup)
	}

	inserted := n.Clone()
	normalizeFields(inserted)
	tx.t.attach(parent, index, inserted)
	tx.changes = append(tx.changes, Change{
		Kind:    KindInsert,
		Target:  inserted.ID,
		Parent:  parentID,
		Index:   index,
		Subtree: inserted.Clone(),
	})
	return nil
}

// Append inserts a copy of n after parentID's last child.
func (tx *Tx) Append(parentID string, n *Node) error {
	parent, err := tx.node(parentID)
	if err != nil {
		return err
	}
	return tx.Insert(parentID, len(parent.Children), n)
}

// Remove detaches the child at index from parentID and returns a copy of the
// removed subtree.
func (tx *Tx) Remove(parentID string, index int) (*Node, error) {
	parent, err := tx.node(parentID)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(parent.Children) {
		return nil, fmt.Errorf("%w: remove at %d of %d children", ErrIndexOutOfRange, index, len(parent.Children))
	}
	removed := tx.t.detach(parent, index)
	tx.changes = append(tx.changes, Change{
		Kind:    KindRemove,
		Target:  removed.ID,
		Parent:  parentID,
		Index:   index,
		Subtree: removed.Clone(),
	})
	return removed.Clone(), nil
}

// RemoveNode removes the node with the given id from wherever it currently is.
func (tx *Tx) RemoveNode(id string) (*Node, error) {
	n, err := tx.node(id)
	if err != nil {
		return nil, err
	}
	if n.parent == nil {
		return nil, ErrRootImmutable
	}
	return tx.Remove(n.parent.ID, n.parent.IndexOf(id))
}

// SetField sets a field on the node with the given id.
func (tx *Tx) SetField(id, field string, v Value) error {
	n, err := tx.node(id)
	if err != nil {
		return err
	}
	nv, err := NormalizeValue(v)
	if err != nil {
		return err
	}
	prior, had := n.Fields[field]
	if had && valuesEqual(prior, nv) {
		return nil
	}
	if n.Fields == nil {
		n.Fields = make(map[string]Value)
	}
	n.Fields[field] = nv
	tx.changes = append(tx.changes, Change{
		Kind:     KindSetField,
		Target:   id,
		Field:    field,
		Prior:    cloneValue(prior),
		HadPrior: had,
		Value:    cloneValue(nv),
		HasValue: true,
	})
	return nil
}

// DeleteField clears a field. Clearing an absent field changes nothing.
func (tx *Tx) DeleteField(id, field string) error {
	n, err := tx.node(id)
	if err != nil {
		return err
	}
	prior, had := n.Fields[field]
	if !had {
		return nil
	}
	delete(n.Fields, field)
	tx.changes = append(tx.changes, Change{
		Kind:     KindSetField,
		Target:   id,
		Field:    field,
		Prior:    cloneValue(prior),
		HadPrior: true,
	})
	return nil
}

// Move detaches the child at srcIndex of srcParent and inserts it at dstIndex
// of dstParent. dstIndex is interpreted after the detach.
func (tx *Tx) Move(srcParent string, srcIndex int, dstParent string, dstIndex int) error {
	src, err := tx.node(srcParent)
	if err != nil {
		return err
	}
	dst, err := tx.node(dstParent)
	if err != nil {
		return err
	}
	if srcIndex < 0 || srcIndex >= len(src.Children) {
		return fmt.Errorf("%w: move from %d of %d children", ErrIndexOutOfRange, srcIndex, len(src.Children))
	}
	n := src.Children[srcIndex]
	for p := dst; p != nil; p = p.parent {
		if p == n {
			return ErrCycle
		}
	}
	limit := len(dst.Children)
	if src == dst {
		limit--
	}
	if dstIndex < 0 || dstIndex > limit {
		return fmt.Errorf("%w: move to %d of %d children", ErrIndexOutOfRange, dstIndex, limit)
	}
	if src == dst && srcIndex == dstIndex {
		return nil
	}
	tx.t.relocate(src, srcIndex, dst, dstIndex)
	tx.changes = append(tx.changes, Change{
		Kind:     KindMove,
		Target:   n.ID,
		Parent:   srcParent,
		Index:    srcIndex,
		ToParent: dstParent,
		ToIndex:  dstIndex,
	})
	return nil
}

// Apply replays a recorded change against the current tree. Removes and moves
// locate their target by id under the recorded parent, so the recorded index
// only has to be accurate for inserts and move destinations.
func (tx *Tx) Apply(c Change) error {
	switch c.Kind {
	case KindInsert:
		if c.Subtree == nil {
			return ErrInvalidNode
		}
		return tx.Insert(c.Parent, c.Index, c.Subtree)
	case KindRemove:
		idx, err := tx.locate(c.Target, c.Parent)
		if err != nil {
			return err
		}
		_, err = tx.Remove(c.Parent, idx)
		return err
	case KindSetField:
		if c.HasValue {
			return tx.SetField(c.Target, c.Field, c.Value)
		}
		return tx.DeleteField(c.Target, c.Field)
	case KindMove:
		idx, err := tx.locate(c.Target, c.Parent)
		if err != nil {
			return err
		}
		return tx.Move(c.Parent, idx, c.ToParent, c.ToIndex)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownChange, c.Kind)
	}
}

func (tx *Tx) locate(id, parentID string) (int, error) {
	n, err := tx.node(id)
	if err != nil {
		return 0, err
	}
	if n.parent == nil {
		return 0, ErrRootImmutable
	}
	if n.parent.ID != parentID {
		return 0, fmt.Errorf("%w: %s under %s, expected %s", ErrWrongParent, id, n.parent.ID, parentID)
	}
	return n.parent.IndexOf(id), nil
}

func (tx *Tx) rollback() {
	if tx.done {
		return
	}
	t := tx.t
	for i := len(tx.changes) - 1; i >= 0; i-- {
		c := tx.changes[i]
		switch c.Kind {
		case KindInsert:
			t.detach(t.nodes[c.Parent], c.Index)
		case KindRemove:
			t.attach(t.nodes[c.Parent], c.Index, c.Subtree.Clone())
		case KindSetField:
			n := t.nodes[c.Target]
			if c.HadPrior {
				n.Fields[c.Field] = cloneValue(c.Prior)
			} else {
				delete(n.Fields, c.Field)
			}
		case KindMove:
			t.relocate(t.nodes[c.ToParent], c.ToIndex, t.nodes[c.Parent], c.Index)
		}
	}
	tx.changes = nil
	tx.done = true
}
