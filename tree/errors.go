// Package tree is the local view of the shared document: a tree of typed
// nodes mutated only through transactions, with a synchronous notification
// stream describing every committed change.
package tree

import "errors"

// Structure errors
var (
	// ErrNodeNotFound indicates that a node id does not exist in the tree.
	ErrNodeNotFound = errors.New("node not found")

	// ErrIndexOutOfRange indicates that a child index is outside the parent's children.
	ErrIndexOutOfRange = errors.New("child index out of range")

	// ErrDuplicateID indicates that an inserted subtree reuses an id already in the tree.
	ErrDuplicateID = errors.New("duplicate node id")

	// ErrCycle indicates that a move would place a node under itself.
	ErrCycle = errors.New("move would create a cycle")

	// ErrRootImmutable indicates an attempt to remove or move the root.
	ErrRootImmutable = errors.New("root node cannot be removed or moved")

	// ErrWrongParent indicates that a node is no longer a child of the expected parent.
	ErrWrongParent = errors.New("node is not a child of the expected parent")
)

// Payload errors
var (
	// ErrInvalidValue indicates a field value of an unsupported type.
	ErrInvalidValue = errors.New("unsupported field value")

	// ErrInvalidNode indicates a nil node or a node without an id.
	ErrInvalidNode = errors.New("invalid node")
)

// Transaction errors
var (
	// ErrReentrant indicates a mutation started while another transaction or
	// its notification cycle is still running.
	ErrReentrant = errors.New("tree is already inside a transaction")

	// ErrUnknownChange indicates a change record with an unrecognized kind.
	ErrUnknownChange = errors.New("unknown change kind")
)
