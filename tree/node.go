package tree

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/google/uuid"
)

// Schema type names used by the demo document.
const (
	TypeItems = "Items"
	TypeThing = "Thing"
)

// RootID is the id of the Items root of every shared document.
const RootID = "root"

// Field names carried by Thing nodes.
const (
	FieldText  = "text"
	FieldArray = "array"
)

// Node is one structural unit of the document. Ids are assigned once by the
// schema layer and never change.
type Node struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Fields   map[string]Value `json:"fields,omitempty"`
	Children []*Node          `json:"children,omitempty"`

	parent *Node
}

// NewID returns a fresh globally unique node id.
func NewID() string {
	return uuid.NewString()
}

// NewNode creates a detached node of the given schema type.
func NewNode(typ string) *Node {
	return &Node{ID: NewID(), Type: typ, Fields: map[string]Value{}}
}

// NewThing builds a Thing carrying text and a numeric array.
func NewThing(text string, numbers []float64) *Node {
	n := NewNode(TypeThing)
	n.Fields[FieldText] = text
	n.Fields[FieldArray] = cloneValue(numbers)
	if numbers == nil {
		n.Fields[FieldArray] = []float64{}
	}
	return n
}

// Parent returns the node's parent, or nil for the root and detached nodes.
func (n *Node) Parent() *Node {
	return n.parent
}

// Field returns a field value and whether it is set.
func (n *Node) Field(name string) (Value, bool) {
	v, ok := n.Fields[name]
	return v, ok
}

// Text returns the text field, or "" when absent.
func (n *Node) Text() string {
	s, _ := n.Fields[FieldText].(string)
	return s
}

// IndexOf returns the position of the child with the given id, or -1.
func (n *Node) IndexOf(id string) int {
	for i, c := range n.Children {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// Clone returns a deep, detached copy of the subtree rooted at n.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := &Node{ID: n.ID, Type: n.Type}
	if n.Fields != nil {
		c.Fields = make(map[string]Value, len(n.Fields))
		for k, v := range n.Fields {
			c.Fields[k] = cloneValue(v)
		}
	}
	if len(n.Children) > 0 {
		c.Children = make([]*Node, len(n.Children))
		for i, child := range n.Children {
			cc := child.Clone()
			cc.parent = c
			c.Children[i] = cc
		}
	}
	return c
}

// Equal reports whether two subtrees have identical ids, types, fields and
// child order.
func (n *Node) Equal(o *Node) bool {
	if n == nil || o == nil {
		return n == o
	}
	if n.ID != o.ID || n.Type != o.Type || len(n.Fields) != len(o.Fields) || len(n.Children) != len(o.Children) {
		return false
	}
	for k, v := range n.Fields {
		ov, ok := o.Fields[k]
		if !ok || !valuesEqual(v, ov) {
			return false
		}
	}
	for i := range n.Children {
		if !n.Children[i].Equal(o.Children[i]) {
			return false
		}
	}
	return true
}

// Walk visits n and its descendants depth-first, parents before children.
func (n *Node) Walk(fn func(*Node)) {
	fn(n)
	for _, c := range n.Children {
		if c != nil {
			c.Walk(fn)
		}
	}
}

// UnmarshalJSON decodes a subtree, normalizing field values and restoring
// parent links.
func (n *Node) UnmarshalJSON(b []byte) error {
	type plain Node
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	for k, v := range p.Fields {
		nv, err := NormalizeValue(v)
		if err != nil {
			return fmt.Errorf("node %s field %q: %w", p.ID, k, err)
		}
		p.Fields[k] = nv
	}
	*n = Node(p)
	for _, c := range n.Children {
		if c == nil {
			return fmt.Errorf("node %s: %w", n.ID, ErrInvalidNode)
		}
		c.parent = n
	}
	return nil
}

func (n *Node) validateDetached() error {
	if n == nil || n.ID == "" {
		return ErrInvalidNode
	}
	seen := map[string]bool{}
	var err error
	n.Walk(func(c *Node) {
		if err != nil {
			return
		}
		if c.ID == "" || slices.Contains(c.Children, nil) {
			err = ErrInvalidNode
			return
		}
		if seen[c.ID] {
			err = fmt.Errorf("%w: %s", ErrDuplicateID, c.ID)
			return
		}
		seen[c.ID] = true
		for k, v := range c.Fields {
			if _, verr := NormalizeValue(v); verr != nil {
				err = fmt.Errorf("node %s field %q: %w", c.ID, k, verr)
				return
			}
		}
	})
	return err
}
