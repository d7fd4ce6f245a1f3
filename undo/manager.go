package undo

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"collabtext/metrics"
	"collabtext/tree"
)

// ConnectionState mirrors the synchronization layer's connection signal. It is
// advisory: replays never wait on it.
type ConnectionState string

const (
	Connecting   ConnectionState = "connecting"
	Connected    ConnectionState = "connected"
	Disconnected ConnectionState = "disconnected"
	CatchingUp   ConnectionState = "catching-up"
)

// Unsettled reports whether remote edits may arrive in a burst, making stale
// records more likely.
func (s ConnectionState) Unsettled() bool {
	return s == Disconnected || s == CatchingUp
}

// Status is a point-in-time view of the manager for enabling UI affordances.
type Status struct {
	UndoDepth  int             `json:"undoDepth"`
	RedoDepth  int             `json:"redoDepth"`
	Connection ConnectionState `json:"connection"`
	Skipped    int             `json:"skipped"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics reports operations to m.
func WithMetrics(mt *metrics.Undo) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithLimit bounds the undo stack; the oldest records are dropped first.
// Zero means unbounded.
func WithLimit(n int) Option {
	return func(m *Manager) { m.limit = n }
}

type listener struct {
	id int
	fn func(Status)
}

// Manager owns the undo and redo stacks of one client for one tree.
//
// It shares the tree's execution context and is not safe for concurrent use.
type Manager struct {
	tree    *tree.Tree
	applier *applier

	undo []*Record
	redo []*Record
	seq  uint64

	limit   int
	conn    ConnectionState
	skipped int

	listeners    []listener
	nextListener int

	logger      *slog.Logger
	metrics     *metrics.Undo
	unsubscribe func()
}

// New attaches a manager to t. Edits committed before New are not undoable.
func New(t *tree.Tree, opts ...Option) *Manager {
	m := &Manager{
		tree:    t,
		applier: &applier{tree: t},
		conn:    Connecting,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.unsubscribe = t.Subscribe(m.observe)
	return m
}

// Close detaches the manager from the tree.
func (m *Manager) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
}

// Undo reverts the most recent local edit. It is a no-op when there is
// nothing to undo. When the record no longer applies it is discarded, the
// tree is left untouched and a *SkipError is returned. When remote edits
// already produced the undone state, nothing changes but the edit still moves
// to the redo stack.
func (m *Manager) Undo() error {
	return m.replay("undo", &m.undo, tree.UndoReplay)
}

// Redo re-applies the most recently undone edit. It mirrors Undo.
func (m *Manager) Redo() error {
	return m.replay("redo", &m.redo, tree.RedoReplay)
}

func (m *Manager) replay(action string, stack *[]*Record, origin tree.Origin) error {
	if len(*stack) == 0 {
		m.metrics.Observe(action, "empty")
		return nil
	}
	rec := (*stack)[len(*stack)-1]
	*stack = (*stack)[:len(*stack)-1]

	changed, err := m.applier.apply(rec, origin)
	if errors.Is(err, tree.ErrReentrant) {
		*stack = append(*stack, rec)
		return err
	}
	defer m.notify()
	if err != nil {
		m.skipped++
		m.metrics.Observe(action, "skipped")
		level := slog.LevelInfo
		if m.conn.Unsettled() {
			level = slog.LevelWarn
		}
		m.logger.Log(context.Background(), level, "Discarded stale record",
			slog.String("action", action),
			slog.Uint64("seq", rec.Seq),
			slog.String("connection", string(m.conn)),
			slog.String("error", err.Error()))
		return &SkipError{Action: action, Seq: rec.Seq, Err: err}
	}
	if !changed {
		// the tree already holds the replay's result; keep the edit reachable
		// from the opposite stack
		m.seq++
		fwd := newRecord(m.seq, rec.Changes)
		if origin == tree.UndoReplay {
			m.redo = append(m.redo, fwd)
		} else {
			m.pushUndo(fwd)
		}
		m.metrics.Observe(action, "noop")
		m.logger.Debug("Replay changed nothing",
			slog.String("action", action),
			slog.Uint64("seq", rec.Seq))
		return nil
	}
	m.metrics.Observe(action, "applied")
	return nil
}

// Clear empties both stacks.
func (m *Manager) Clear() {
	m.undo = nil
	m.redo = nil
	m.notify()
}

// CanUndo reports whether the undo stack holds a record.
func (m *Manager) CanUndo() bool {
	return len(m.undo) > 0
}

// CanRedo reports whether the redo stack holds a record.
func (m *Manager) CanRedo() bool {
	return len(m.redo) > 0
}

// Status returns the current stack sizes and connection hint.
func (m *Manager) Status() Status {
	return Status{
		UndoDepth:  len(m.undo),
		RedoDepth:  len(m.redo),
		Connection: m.conn,
		Skipped:    m.skipped,
	}
}

// SetConnectionState records the synchronization layer's connection state.
func (m *Manager) SetConnectionState(s ConnectionState) {
	if s == m.conn {
		return
	}
	m.logger.Debug("Connection state changed",
		slog.String("from", string(m.conn)),
		slog.String("to", string(s)))
	m.conn = s
	m.notify()
}

// OnChange registers fn to run whenever the stacks or connection state change.
func (m *Manager) OnChange(fn func(Status)) (cancel func()) {
	id := m.nextListener
	m.nextListener++
	m.listeners = append(m.listeners, listener{id: id, fn: fn})
	return func() {
		m.listeners = slices.DeleteFunc(m.listeners, func(l listener) bool { return l.id == id })
	}
}

func (m *Manager) notify() {
	st := m.Status()
	m.metrics.SetDepth(st.UndoDepth, st.RedoDepth)
	for _, l := range slices.Clone(m.listeners) {
		l.fn(st)
	}
}
