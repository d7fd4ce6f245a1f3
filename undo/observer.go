package undo

import (
	"log/slog"

	"collabtext/tree"
)

// observe is the manager's only path for pushing records. Each committed
// transaction is routed by its origin tag.
func (m *Manager) observe(ev tree.Event) {
	if ev.Origin == tree.Remote {
		return
	}
	m.seq++
	rec := newRecord(m.seq, ev.Changes)

	switch ev.Origin {
	case tree.Local:
		m.pushUndo(rec)
		if len(m.redo) > 0 {
			m.logger.Debug("Redo history discarded", slog.Int("records", len(m.redo)))
		}
		m.redo = nil
		m.notify()
	case tree.UndoReplay:
		m.redo = append(m.redo, rec)
	case tree.RedoReplay:
		m.pushUndo(rec)
	}
	m.logger.Debug("Recorded change",
		slog.String("origin", ev.Origin.String()),
		slog.Uint64("seq", rec.Seq),
		slog.Int("changes", len(rec.Changes)))
}

func (m *Manager) pushUndo(rec *Record) {
	m.undo = append(m.undo, rec)
	if m.limit > 0 && len(m.undo) > m.limit {
		m.undo = m.undo[len(m.undo)-m.limit:]
	}
}
