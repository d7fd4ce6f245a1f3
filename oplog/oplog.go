// Package oplog stores relayed ops durably and fans them out to every relay
// instance serving the same document.
package oplog

import (
	"context"
	"sync"

	"collabtext/wire"
)

// Log is the ordered, durable history of ops per document.
type Log interface {
	// Append stores an op and returns its log position, starting at 1.
	Append(ctx context.Context, f wire.Frame) (int64, error)
	// Since returns the ops of docID with a position greater than seq, in order.
	Since(ctx context.Context, docID string, seq int64) ([]wire.Frame, error)
}

// Bus broadcasts stored ops to subscribers of a document.
type Bus interface {
	Publish(ctx context.Context, docID string, f wire.Frame) error
	// Subscribe delivers frames published after it returns. The channel is
	// closed when cancel is called or ctx ends.
	Subscribe(ctx context.Context, docID string) (frames <-chan wire.Frame, cancel func(), err error)
}

// MemoryLog is an in-process Log used when no database is configured.
type MemoryLog struct {
	mu     sync.Mutex
	docs   map[string][]wire.Frame
	stored map[memoryKey]int64
	seq    int64
}

type memoryKey struct {
	doc string
	id  wire.OpID
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{docs: make(map[string][]wire.Frame), stored: make(map[memoryKey]int64)}
}

// Append stores f. A resent op returns the position it was first stored at.
func (l *MemoryLog) Append(_ context.Context, f wire.Frame) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := memoryKey{doc: f.DocID, id: f.OpID}
	if seq, ok := l.stored[key]; ok {
		return seq, nil
	}
	l.seq++
	l.stored[key] = l.seq
	f.Seq = l.seq
	l.docs[f.DocID] = append(l.docs[f.DocID], f)
	return l.seq, nil
}

func (l *MemoryLog) Since(_ context.Context, docID string, seq int64) ([]wire.Frame, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []wire.Frame
	for _, f := range l.docs[docID] {
		if f.Seq > seq {
			out = append(out, f)
		}
	}
	return out, nil
}

// MemoryBus is an in-process Bus used when no Redis is configured.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[string]map[int]*memorySub
	nextID int
}

type memorySub struct {
	ch   chan wire.Frame
	done chan struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[int]*memorySub)}
}

// Publish delivers f to every subscriber of docID. A subscriber whose buffer
// is full is dropped and its channel closed, so its reader knows it missed
// frames and must resync from the log.
func (b *MemoryBus) Publish(_ context.Context, docID string, f wire.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs[docID] {
		select {
		case sub.ch <- f:
		default:
			b.dropLocked(docID, id)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, docID string) (<-chan wire.Frame, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	sub := &memorySub{ch: make(chan wire.Frame, 256), done: make(chan struct{})}
	if b.subs[docID] == nil {
		b.subs[docID] = make(map[int]*memorySub)
	}
	b.subs[docID][id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.dropLocked(docID, id)
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-sub.done:
		}
	}()
	return sub.ch, cancel, nil
}

func (b *MemoryBus) dropLocked(docID string, id int) {
	sub, ok := b.subs[docID][id]
	if !ok {
		return
	}
	delete(b.subs[docID], id)
	if len(b.subs[docID]) == 0 {
		delete(b.subs, docID)
	}
	close(sub.ch)
	close(sub.done)
}
