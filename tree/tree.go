package tree

import (
	"encoding/json"
	"fmt"
	"slices"
)

type subscriber struct {
	id int
	fn func(Event)
}

// Tree is the local replica of the shared document.
//
// A Tree is not safe for concurrent use: callers serialize every Transact and
// read onto one execution context. All writes go through Transact.
type Tree struct {
	root  *Node
	nodes map[string]*Node

	subs    []subscriber
	nextSub int

	busy bool
}

// New builds a tree around root. The root subtree is copied.
func New(root *Node) (*Tree, error) {
	if err := root.validateDetached(); err != nil {
		return nil, err
	}
	r := root.Clone()
	normalizeFields(r)
	t := &Tree{root: r, nodes: make(map[string]*Node)}
	t.index(r)
	return t, nil
}

// NewItems returns a tree whose root is an empty Items list with id RootID,
// so replicas created independently agree on the root.
func NewItems() *Tree {
	root := NewNode(TypeItems)
	root.ID = RootID
	t, _ := New(root)
	return t
}

// FromJSON decodes a tree previously encoded with MarshalJSON.
func FromJSON(b []byte) (*Tree, error) {
	var root Node
	if err := json.Unmarshal(b, &root); err != nil {
		return nil, fmt.Errorf("decode tree: %w", err)
	}
	return New(&root)
}

// MarshalJSON encodes the whole tree from the root.
func (t *Tree) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.root)
}

// Root returns the root node. The returned node must not be modified.
func (t *Tree) Root() *Node {
	return t.root
}

// Get returns the node with the given id. The returned node must not be
// modified.
func (t *Tree) Get(id string) (*Node, bool) {
	n, ok := t.nodes[id]
	return n, ok
}

// Children returns the ordered children of the node with the given id.
func (t *Tree) Children(id string) ([]*Node, error) {
	n, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return n.Children, nil
}

// Len returns the number of nodes including the root.
func (t *Tree) Len() int {
	return len(t.nodes)
}

// Snapshot returns a detached deep copy of the root subtree.
func (t *Tree) Snapshot() *Node {
	return t.root.Clone()
}

// Equal reports whether both trees hold identical structure and payloads.
func (t *Tree) Equal(o *Tree) bool {
	return t.root.Equal(o.root)
}

// Subscribe registers fn for every committed transaction. Delivery is
// synchronous and in subscription order. The returned function removes the
// subscription.
func (t *Tree) Subscribe(fn func(Event)) (unsubscribe func()) {
	id := t.nextSub
	t.nextSub++
	t.subs = append(t.subs, subscriber{id: id, fn: fn})
	return func() {
		t.subs = slices.DeleteFunc(t.subs, func(s subscriber) bool { return s.id == id })
	}
}

// Edit runs fn as a Local transaction.
func (t *Tree) Edit(fn func(tx *Tx) error) error {
	return t.Transact(Local, fn)
}

// Transact runs fn against a transaction tagged with origin. If fn returns an
// error, every change it made is rolled back and no event is emitted.
// Otherwise exactly one Event carrying all changes is delivered to the
// subscribers before Transact returns. Transactions that change nothing emit
// no event.
func (t *Tree) Transact(origin Origin, fn func(tx *Tx) error) (err error) {
	if t.busy {
		return ErrReentrant
	}
	t.busy = true
	defer func() { t.busy = false }()

	tx := &Tx{t: t}
	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	tx.done = true
	if len(tx.changes) == 0 {
		return nil
	}
	ev := Event{Origin: origin, Changes: tx.changes}
	for _, s := range slices.Clone(t.subs) {
		s.fn(ev)
	}
	return nil
}

func (t *Tree) index(n *Node) {
	n.Walk(func(c *Node) { t.nodes[c.ID] = c })
}

func (t *Tree) unindex(n *Node) {
	n.Walk(func(c *Node) { delete(t.nodes, c.ID) })
}

func (t *Tree) attach(parent *Node, index int, n *Node) {
	parent.Children = slices.Insert(parent.Children, index, n)
	n.parent = parent
	t.index(n)
}

func (t *Tree) detach(parent *Node, index int) *Node {
	n := parent.Children[index]
	parent.Children = slices.Delete(parent.Children, index, index+1)
	n.parent = nil
	t.unindex(n)
	return n
}

func (t *Tree) relocate(src *Node, srcIndex int, dst *Node, dstIndex int) {
	n := src.Children[srcIndex]
	src.Children = slices.Delete(src.Children, srcIndex, srcIndex+1)
	dst.Children = slices.Insert(dst.Children, dstIndex, n)
	n.parent = dst
}

func normalizeFields(n *Node) {
	n.Walk(func(c *Node) {
		for k, v := range c.Fields {
			if nv, err := NormalizeValue(v); err == nil {
				c.Fields[k] = nv
			}
		}
	})
}
