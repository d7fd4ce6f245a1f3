package tree

// Origin tags a transaction with where it came from. The tag lives only for
// the duration of one Transact call and its notification cycle.
type Origin int

const (
	// Local is a direct edit made by this client's command handlers.
	Local Origin = iota
	// UndoReplay is an inverse applied by the undo manager.
	UndoReplay
	// RedoReplay is a forward change re-applied by the undo manager.
	RedoReplay
	// Remote is an edit received through the synchronization layer.
	Remote
)

func (o Origin) String() string {
	switch o {
	case Local:
		return "local"
	case UndoReplay:
		return "undo"
	case RedoReplay:
		return "redo"
	case Remote:
		return "remote"
	default:
		return "unknown"
	}
}

// IsLocal reports whether the edit was produced on this client.
func (o Origin) IsLocal() bool {
	return o == Local || o == UndoReplay || o == RedoReplay
}

// Event is delivered once per committed transaction.
// Changes must be treated as read-only by subscribers.
type Event struct {
	Origin  Origin
	Changes []Change
}
