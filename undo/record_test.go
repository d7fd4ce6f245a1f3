package undo

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"collabtext/tree"
)

func TestRecordValidate(t *testing.T) {
	thing := tree.NewThing("x", nil)
	tests := []struct {
		name   string
		change tree.Change
		ok     bool
	}{
		{"insert", tree.Change{Kind: tree.KindInsert, Target: thing.ID, Parent: "p", Subtree: thing}, true},
		{"insert without subtree", tree.Change{Kind: tree.KindInsert, Target: thing.ID, Parent: "p"}, false},
		{"insert with mismatched subtree", tree.Change{Kind: tree.KindInsert, Target: "other", Parent: "p", Subtree: thing}, false},
		{"remove", tree.Change{Kind: tree.KindRemove, Target: "n", Parent: "p"}, true},
		{"remove without parent", tree.Change{Kind: tree.KindRemove, Target: "n"}, false},
		{"set", tree.Change{Kind: tree.KindSetField, Target: "n", Field: "text", Value: "v", HasValue: true}, true},
		{"clear", tree.Change{Kind: tree.KindSetField, Target: "n", Field: "text"}, true},
		{"set without field", tree.Change{Kind: tree.KindSetField, Target: "n", Value: "v", HasValue: true}, false},
		{"set without value", tree.Change{Kind: tree.KindSetField, Target: "n", Field: "text", HasValue: true}, false},
		{"move", tree.Change{Kind: tree.KindMove, Target: "n", Parent: "a", ToParent: "b"}, true},
		{"move without destination", tree.Change{Kind: tree.KindMove, Target: "n", Parent: "a"}, false},
		{"no target", tree.Change{Kind: tree.KindRemove, Parent: "p"}, false},
		{"unknown kind", tree.Change{Kind: "split", Target: "n"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (&Record{Seq: 1, Changes: []tree.Change{tc.change}}).Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}

	assert.Error(t, (&Record{Seq: 1}).Validate())
	var nilRecord *Record
	assert.Error(t, nilRecord.Validate())
}

func TestNewRecordInvertsInReverseOrder(t *testing.T) {
	committed := []tree.Change{
		{Kind: tree.KindInsert, Target: "a", Parent: "root", Index: 0, Subtree: &tree.Node{ID: "a"}},
		{Kind: tree.KindSetField, Target: "a", Field: "text", Value: "hi", HasValue: true},
	}
	rec := newRecord(7, committed)
	assert.Equal(t, uint64(7), rec.Seq)
	assert.Equal(t, []string{"a", "a"}, rec.Targets())
	assert.Equal(t, tree.KindSetField, rec.Changes[0].Kind)
	assert.False(t, rec.Changes[0].HasValue)
	assert.Equal(t, tree.KindRemove, rec.Changes[1].Kind)
	assert.NoError(t, rec.Validate())
}
