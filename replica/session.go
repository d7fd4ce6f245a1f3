// Package replica keeps a local tree in sync with the relay. Local commits are
// sent upstream, remote ops are applied tagged Remote, and the connection
// state is forwarded to the undo manager.
package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"collabtext/metrics"
	"collabtext/tree"
	"collabtext/undo"
	"collabtext/wire"
)

var errConnectionClosed = errors.New("connection closed")

// Status describes the session for the UI.
type Status struct {
	DocID      string               `json:"docID"`
	ClientID   string               `json:"clientID"`
	Connection undo.ConnectionState `json:"connection"`
	Saved      bool                 `json:"saved"`
	Pending    int                  `json:"pending"`
	LastSeq    int64                `json:"lastSeq"`
	Undo       undo.Status          `json:"undo"`
}

// Option configures a Session.
type Option func(*Session)

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

func WithMetrics(m *metrics.Sync) Option {
	return func(s *Session) { s.metrics = m }
}

// WithClientID overrides the generated client id.
func WithClientID(id string) Option {
	return func(s *Session) { s.clientID = id }
}

// WithLastSeq resumes from a log position restored with the tree.
func WithLastSeq(seq int64) Option {
	return func(s *Session) { s.lastSeq = seq }
}

// WithMaxBackoff caps the delay between reconnect attempts.
func WithMaxBackoff(d time.Duration) Option {
	return func(s *Session) { s.maxBackoff = d }
}

// Session serializes every tree mutation, undo call and remote op onto one
// mutex, which is the tree's single execution context.
type Session struct {
	mu sync.Mutex

	tree *tree.Tree
	undo *undo.Manager

	docID     string
	clientID  string
	clientSeq uint64
	lastSeq   int64
	ackedSeq  int64
	pending   []wire.Frame
	out       chan []byte
	state     undo.ConnectionState
	changed   chan struct{}

	dialer     *websocket.Dialer
	maxBackoff time.Duration
	logger     *slog.Logger
	metrics    *metrics.Sync
}

// New attaches a session to t and its undo manager.
func New(t *tree.Tree, m *undo.Manager, docID string, opts ...Option) *Session {
	s := &Session{
		tree:       t,
		undo:       m,
		docID:      docID,
		clientID:   wire.NewClientID(),
		state:      undo.Disconnected,
		changed:    make(chan struct{}, 1),
		dialer:     websocket.DefaultDialer,
		maxBackoff: 30 * time.Second,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	m.SetConnectionState(s.state)
	t.Subscribe(s.onCommit)
	m.OnChange(func(undo.Status) { s.poke() })
	return s
}

// Changed signals after anything visible in Status or the tree has changed.
// Signals coalesce; read Status or the tree again on every receive.
func (s *Session) Changed() <-chan struct{} {
	return s.changed
}

func (s *Session) poke() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// Do runs fn on the session's execution context.
func (s *Session) Do(fn func(t *tree.Tree, m *undo.Manager) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.tree, s.undo)
}

// Checkpoint runs fn with the tree and the log position it reflects, but only
// when every local op has been confirmed and echoed back by the relay, so the
// tree holds nothing past lastSeq. It reports whether fn ran.
func (s *Session) Checkpoint(fn func(t *tree.Tree, lastSeq int64) error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) > 0 || s.ackedSeq > s.lastSeq {
		return false, nil
	}
	return true, fn(s.tree, s.lastSeq)
}

// Status returns a snapshot of the session state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() Status {
	return Status{
		DocID:      s.docID,
		ClientID:   s.clientID,
		Connection: s.state,
		Saved:      len(s.pending) == 0,
		Pending:    len(s.pending),
		LastSeq:    s.lastSeq,
		Undo:       s.undo.Status(),
	}
}

// onCommit queues every local transaction, including undo and redo replays,
// for the relay. It runs inside the tree's notification cycle.
func (s *Session) onCommit(ev tree.Event) {
	s.poke()
	if !ev.Origin.IsLocal() {
		return
	}
	s.clientSeq++
	f := wire.Op(s.docID, wire.OpID{ClientID: s.clientID, ClientSeq: s.clientSeq}, ev.Changes)
	s.pending = append(s.pending, f)
	s.metrics.Pending(len(s.pending))
	s.sendLocked(f)
}

func (s *Session) sendLocked(f wire.Frame) {
	if s.out == nil {
		return
	}
	b, err := wire.Encode(f)
	if err != nil {
		s.logger.Error("Failed to encode frame", slog.String("error", err.Error()))
		return
	}
	select {
	case s.out <- b:
		if f.Type == wire.TypeOp {
			s.metrics.Sent()
		}
	default:
		s.logger.Warn("Outbound queue full, op stays pending", slog.Uint64("clientSeq", f.ClientSeq))
	}
}

func (s *Session) setStateLocked(st undo.ConnectionState) {
	if st == s.state {
		return
	}
	s.logger.Info("Connection state changed", slog.String("doc", s.docID), slog.String("state", string(st)))
	s.state = st
	s.undo.SetConnectionState(st)
}

// Run keeps the session connected to the relay at url until ctx ends,
// reconnecting with exponential backoff.
func (s *Session) Run(ctx context.Context, url string) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	b.MaxInterval = s.maxBackoff

	err := backoff.Retry(func() error {
		err := s.connect(ctx, url, b)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errConnectionClosed
		}
		s.logger.Warn("Relay connection lost", slog.String("url", url), slog.String("error", err.Error()))
		return err
	}, backoff.WithContext(b, ctx))
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Session) connect(ctx context.Context, url string, b *backoff.ExponentialBackOff) error {
	s.mu.Lock()
	s.setStateLocked(undo.Connecting)
	s.mu.Unlock()
	s.metrics.Reconnect()

	conn, _, err := s.dialer.DialContext(ctx, url, nil)
	if err != nil {
		s.mu.Lock()
		s.setStateLocked(undo.Disconnected)
		s.mu.Unlock()
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	s.mu.Lock()
	hello, err := wire.Encode(wire.Hello(s.docID, s.clientID, s.lastSeq))
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	out := make(chan []byte, 256)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range out {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Warn("Error writing to relay", slog.String("error", err.Error()))
				conn.Close()
				return
			}
		}
	}()

	s.mu.Lock()
	s.setStateLocked(undo.CatchingUp)
	s.mu.Unlock()

	err = s.readLoop(conn, out, b)

	s.mu.Lock()
	s.out = nil
	close(out)
	s.setStateLocked(undo.Disconnected)
	s.mu.Unlock()
	<-writerDone
	return err
}

func (s *Session) readLoop(conn *websocket.Conn, out chan []byte, b *backoff.ExponentialBackOff) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f, err := wire.Decode(msg)
		if err != nil {
			s.logger.Warn("Error decoding frame from relay", slog.String("error", err.Error()))
			continue
		}
		if f.Type == wire.TypeCaughtUp {
			b.Reset()
			s.mu.Lock()
			s.resumeLocked(out)
			s.mu.Unlock()
			continue
		}
		s.Handle(f)
	}
}

// resumeLocked opens the outbound path once the backlog has been applied and
// resends every op the relay has not confirmed.
func (s *Session) resumeLocked(out chan []byte) {
	s.out = out
	for _, f := range slices.Clone(s.pending) {
		s.sendLocked(f)
	}
	s.setStateLocked(undo.Connected)
}

// Handle processes one frame received from the relay.
func (s *Session) Handle(f wire.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch f.Type {
	case wire.TypeOp:
		if f.Seq <= s.lastSeq {
			return
		}
		s.lastSeq = f.Seq
		if f.ClientID == s.clientID {
			s.confirmLocked(f.ClientSeq)
			return
		}
		s.applyRemoteLocked(f)
	case wire.TypeAck:
		s.ackedSeq = max(s.ackedSeq, f.Seq)
		s.confirmLocked(f.ClientSeq)
	case wire.TypeError:
		s.logger.Warn("Relay rejected frame", slog.String("error", f.Error))
	}
}

func (s *Session) confirmLocked(clientSeq uint64) {
	s.pending = slices.DeleteFunc(s.pending, func(p wire.Frame) bool { return p.ClientSeq <= clientSeq })
	s.metrics.Pending(len(s.pending))
	s.poke()
}

// applyRemoteLocked applies a remote op in one transaction. An op that no
// longer fits the local tree is dropped whole.
func (s *Session) applyRemoteLocked(f wire.Frame) {
	err := s.tree.Transact(tree.Remote, func(tx *tree.Tx) error {
		for _, c := range f.Changes {
			if err := tx.Apply(c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.metrics.Rejected()
		s.logger.Warn("Remote op does not apply",
			slog.Int64("seq", f.Seq),
			slog.String("client", f.ClientID),
			slog.String("error", err.Error()))
		return
	}
	s.metrics.Received()
}
