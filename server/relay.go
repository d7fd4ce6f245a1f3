package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"collabtext/metrics"
	"collabtext/oplog"
	"collabtext/wire"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Relay accepts agent connections, stores their ops in the log and fans them
// out to every connection on the same document.
type Relay struct {
	log     oplog.Log
	bus     oplog.Bus
	logger  *slog.Logger
	metrics *metrics.Relay

	mu      sync.Mutex
	docs    map[string]*sync.Mutex
	members map[string]map[string]int
}

func NewRelay(log oplog.Log, bus oplog.Bus, logger *slog.Logger, m *metrics.Relay) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		log:     log,
		bus:     bus,
		logger:  logger,
		metrics: m,
		docs:    make(map[string]*sync.Mutex),
		members: make(map[string]map[string]int),
	}
}

// conn is one agent connection. Every write goes through send so only
// writePump touches the websocket writer.
type conn struct {
	ws   *websocket.Conn
	send chan []byte
}

func (c *conn) queue(f wire.Frame) bool {
	b, err := wire.Encode(f)
	if err != nil {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		// too slow; drop the connection, the agent catches up on reconnect
		c.ws.Close()
		return false
	}
}

func (c *conn) writePump(ctx context.Context, logger *slog.Logger) {
	for {
		select {
		case msg := <-c.send:
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Debug("Error writing message to client", slog.String("error", err.Error()))
				c.ws.Close()
				return
			}
		case <-ctx.Done():
			_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// ServeWS runs one agent session: hello, backlog replay, caught_up, then live
// ops in both directions.
func (r *Relay) ServeWS(w http.ResponseWriter, req *http.Request) {
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("Websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	_, msg, err := ws.ReadMessage()
	if err != nil {
		return
	}
	hello, err := wire.Decode(msg)
	if err == nil && hello.Type != wire.TypeHello {
		err = wire.ErrMalformedFrame
	}
	if err != nil {
		r.reject(ws, err)
		return
	}
	docID, clientID := hello.DocID, hello.ClientID
	logger := r.logger.With(slog.String("doc", docID), slog.String("client", clientID))
	logger.Info("New connection for document", slog.Int64("since", hello.Since))

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	frames, stop, err := r.bus.Subscribe(ctx, docID)
	if err != nil {
		logger.Error("Subscribe failed", slog.String("error", err.Error()))
		r.reject(ws, err)
		return
	}
	defer stop()

	backlog, err := r.log.Since(ctx, docID, hello.Since)
	if err != nil {
		logger.Error("Loading backlog failed", slog.String("error", err.Error()))
		r.reject(ws, err)
		return
	}

	r.join(docID, clientID)
	defer r.leave(docID, clientID)
	r.metrics.Connected()
	defer r.metrics.Disconnected()

	c := &conn{ws: ws, send: make(chan []byte, 256+len(backlog))}
	go c.writePump(ctx, logger)

	lastSent := hello.Since
	for _, f := range backlog {
		c.queue(f)
		lastSent = f.Seq
		r.metrics.Op("replayed")
	}
	c.queue(wire.Frame{Type: wire.TypeCaughtUp, Seq: lastSent})

	go func() {
		for f := range frames {
			if f.Seq <= lastSent {
				continue
			}
			lastSent = f.Seq
			if !c.queue(f) {
				cancel()
				return
			}
		}
		if ctx.Err() == nil {
			// the bus dropped us; closing makes the agent resync from the log
			logger.Warn("Live feed closed, dropping connection")
			cancel()
		}
	}()

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			logger.Info("Client disconnected", slog.String("error", err.Error()))
			return
		}
		f, err := wire.Decode(msg)
		if err != nil || f.Type != wire.TypeOp || f.DocID != docID || f.ClientID != clientID {
			r.metrics.Op("rejected")
			c.queue(wire.Frame{Type: wire.TypeError, Error: "expected op frame for this session"})
			continue
		}
		seq, err := r.store(ctx, f)
		if err != nil {
			r.metrics.Op("failed")
			logger.Error("Storing op failed", slog.String("error", err.Error()))
			c.queue(wire.Frame{Type: wire.TypeError, Error: "op not stored"})
			continue
		}
		r.metrics.Op("stored")
		c.queue(wire.Frame{Type: wire.TypeAck, OpID: f.OpID, Seq: seq})
	}
}

// store appends and publishes under the document lock so the bus sees ops in
// log order.
func (r *Relay) store(ctx context.Context, f wire.Frame) (int64, error) {
	lock := r.docLock(f.DocID)
	lock.Lock()
	defer lock.Unlock()

	seq, err := r.log.Append(ctx, f)
	if err != nil {
		return 0, err
	}
	f.Seq = seq
	if err := r.bus.Publish(ctx, f.DocID, f); err != nil {
		return 0, err
	}
	return seq, nil
}

func (r *Relay) reject(ws *websocket.Conn, err error) {
	b, encErr := wire.Encode(wire.Frame{Type: wire.TypeError, Error: err.Error()})
	if encErr == nil {
		_ = ws.WriteMessage(websocket.TextMessage, b)
	}
}

func (r *Relay) docLock(docID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.docs[docID]
	if !ok {
		l = &sync.Mutex{}
		r.docs[docID] = l
	}
	return l
}

func (r *Relay) join(docID, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members[docID] == nil {
		r.members[docID] = make(map[string]int)
	}
	r.members[docID][clientID]++
}

func (r *Relay) leave(docID, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[docID][clientID]--
	if r.members[docID][clientID] <= 0 {
		delete(r.members[docID], clientID)
	}
	// only members call store, so nobody holds the lock once the last one left
	if len(r.members[docID]) == 0 {
		delete(r.members, docID)
		delete(r.docs, docID)
	}
}

// Members lists the clients currently connected to docID.
func (r *Relay) Members(docID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.members[docID]))
	for id := range r.members[docID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Relay) handleMembers(w http.ResponseWriter, req *http.Request) {
	docID := mux.Vars(req)["id"]
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"docID":   docID,
		"members": r.Members(docID),
	})
}
