package tree

import (
	"encoding/json"
	"fmt"
)

// Kind is the kind of a point mutation.
type Kind string

const (
	KindInsert   Kind = "insert"
	KindRemove   Kind = "remove"
	KindSetField Kind = "set_field"
	KindMove     Kind = "move"
)

// Change describes one committed point mutation with enough detail to invert
// it.
//
// Insert and Remove carry the subtree that was inserted or removed. SetField
// carries the prior and new value; HadPrior/HasValue distinguish an absent
// field from a set one. Move carries the source position (Parent, Index) and
// the destination (ToParent, ToIndex), with ToIndex counted after the node was
// detached from its source.
type Change struct {
	Kind     Kind   `json:"kind"`
	Target   string `json:"target"`
	Parent   string `json:"parent,omitempty"`
	Index    int    `json:"index"`
	Field    string `json:"field,omitempty"`
	Prior    Value  `json:"prior,omitempty"`
	HadPrior bool   `json:"hadPrior,omitempty"`
	Value    Value  `json:"value,omitempty"`
	HasValue bool   `json:"hasValue,omitempty"`
	Subtree  *Node  `json:"subtree,omitempty"`
	ToParent string `json:"toParent,omitempty"`
	ToIndex  int    `json:"toIndex,omitempty"`
}

// Clone returns a deep copy of c.
func (c Change) Clone() Change {
	c.Prior = cloneValue(c.Prior)
	c.Value = cloneValue(c.Value)
	c.Subtree = c.Subtree.Clone()
	return c
}

// Inverse returns the change that undoes c when applied right after it.
func (c Change) Inverse() Change {
	inv := c.Clone()
	switch c.Kind {
	case KindInsert:
		inv.Kind = KindRemove
	case KindRemove:
		inv.Kind = KindInsert
	case KindSetField:
		inv.Prior, inv.Value = inv.Value, inv.Prior
		inv.HadPrior, inv.HasValue = c.HasValue, c.HadPrior
	case KindMove:
		inv.Parent, inv.ToParent = c.ToParent, c.Parent
		inv.Index, inv.ToIndex = c.ToIndex, c.Index
	}
	return inv
}

// UnmarshalJSON decodes a change, normalizing its values.
func (c *Change) UnmarshalJSON(b []byte) error {
	type plain Change
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	var err error
	if p.HadPrior {
		if p.Prior, err = NormalizeValue(p.Prior); err != nil {
			return fmt.Errorf("change prior: %w", err)
		}
	}
	if p.HasValue {
		if p.Value, err = NormalizeValue(p.Value); err != nil {
			return fmt.Errorf("change value: %w", err)
		}
	}
	*c = Change(p)
	return nil
}

// Invert returns the inverse of a sequence of changes: each change inverted,
// in reverse order.
func Invert(changes []Change) []Change {
	out := make([]Change, len(changes))
	for i, c := range changes {
		out[len(changes)-1-i] = c.Inverse()
	}
	return out
}
