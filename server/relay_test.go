package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/metrics"
	"collabtext/oplog"
	"collabtext/tree"
	"collabtext/wire"
)

type testRelay struct {
	relay  *Relay
	server *httptest.Server
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	return newTestRelayWithBus(t, oplog.NewMemoryBus())
}

func newTestRelayWithBus(t *testing.T, bus oplog.Bus) *testRelay {
	t.Helper()
	reg := prometheus.NewRegistry()
	r := NewRelay(oplog.NewMemoryLog(), bus, nil, metrics.NewRelay(reg))
	srv := httptest.NewServer(newRouter(r, reg))
	t.Cleanup(srv.Close)
	return &testRelay{relay: r, server: srv}
}

func (tr *testRelay) dial(t *testing.T, client string, since int64) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(tr.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	send(t, conn, wire.Hello("doc", client, since))
	return conn
}

func send(t *testing.T, conn *websocket.Conn, f wire.Frame) {
	t.Helper()
	b, err := wire.Encode(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))
}

func next(t *testing.T, conn *websocket.Conn) wire.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := wire.Decode(msg)
	require.NoError(t, err)
	return f
}

func insertOp(client string, clientSeq uint64, text string) wire.Frame {
	n := tree.NewThing(text, nil)
	return wire.Op("doc", wire.OpID{ClientID: client, ClientSeq: clientSeq}, []tree.Change{
		{Kind: tree.KindInsert, Target: n.ID, Parent: tree.RootID, Index: 0, Subtree: n},
	})
}

func TestRelayFansOutAndAcks(t *testing.T) {
	tr := newTestRelay(t)
	a := tr.dial(t, "a", 0)
	b := tr.dial(t, "b", 0)
	assert.Equal(t, wire.TypeCaughtUp, next(t, a).Type)
	assert.Equal(t, wire.TypeCaughtUp, next(t, b).Type)

	send(t, a, insertOp("a", 1, "hello"))

	// the ack and the echo race each other on a's connection
	var gotAck, gotEcho bool
	for range 2 {
		f := next(t, a)
		switch f.Type {
		case wire.TypeAck:
			gotAck = true
			assert.Equal(t, uint64(1), f.ClientSeq)
			assert.Equal(t, int64(1), f.Seq)
		case wire.TypeOp:
			gotEcho = true
		}
	}
	assert.True(t, gotAck)
	assert.True(t, gotEcho)

	f := next(t, b)
	assert.Equal(t, wire.TypeOp, f.Type)
	assert.Equal(t, "a", f.ClientID)
	assert.Equal(t, int64(1), f.Seq)

	resp, err := http.Get(tr.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `collabtext_relay_ops_total{result="stored"} 1`)
	assert.Contains(t, string(body), `collabtext_relay_connections 2`)
}

func TestRelayReplaysBacklogBeforeCaughtUp(t *testing.T) {
	tr := newTestRelay(t)
	a := tr.dial(t, "a", 0)
	next(t, a)
	send(t, a, insertOp("a", 1, "one"))
	send(t, a, insertOp("a", 2, "two"))
	acks := 0
	for acks < 2 {
		if next(t, a).Type == wire.TypeAck {
			acks++
		}
	}

	late := tr.dial(t, "late", 1)
	f := next(t, late)
	assert.Equal(t, wire.TypeOp, f.Type)
	assert.Equal(t, int64(2), f.Seq)
	f = next(t, late)
	assert.Equal(t, wire.TypeCaughtUp, f.Type)
	assert.Equal(t, int64(2), f.Seq)
}

func TestRelayRejectsForeignOps(t *testing.T) {
	tr := newTestRelay(t)
	a := tr.dial(t, "a", 0)
	next(t, a)

	send(t, a, insertOp("someone-else", 1, "x"))
	f := next(t, a)
	assert.Equal(t, wire.TypeError, f.Type)
}

func TestRelayRejectsMissingHello(t *testing.T) {
	tr := newTestRelay(t)
	url := "ws" + strings.TrimPrefix(tr.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	send(t, conn, insertOp("a", 1, "x"))
	f := next(t, conn)
	assert.Equal(t, wire.TypeError, f.Type)
}

func TestMembersEndpoint(t *testing.T) {
	tr := newTestRelay(t)
	a := tr.dial(t, "a", 0)
	next(t, a)

	resp, err := http.Get(tr.server.URL + "/docs/doc/members")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		DocID   string   `json:"docID"`
		Members []string `json:"members"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "doc", body.DocID)
	assert.Equal(t, []string{"a"}, body.Members)
}

// feedBus hands every subscriber the same test-controlled channel.
type feedBus struct {
	*oplog.MemoryBus
	feed chan wire.Frame
}

func (b *feedBus) Subscribe(context.Context, string) (<-chan wire.Frame, func(), error) {
	return b.feed, func() {}, nil
}

func TestRelayClosesConnectionWhenFeedEnds(t *testing.T) {
	bus := &feedBus{MemoryBus: oplog.NewMemoryBus(), feed: make(chan wire.Frame)}
	tr := newTestRelayWithBus(t, bus)
	a := tr.dial(t, "a", 0)
	assert.Equal(t, wire.TypeCaughtUp, next(t, a).Type)

	close(bus.feed)

	require.NoError(t, a.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := a.ReadMessage()
	var closeErr *websocket.CloseError
	assert.ErrorAs(t, err, &closeErr)
}

func TestRelayForgetsDocumentWhenLastMemberLeaves(t *testing.T) {
	tr := newTestRelay(t)
	a := tr.dial(t, "a", 0)
	next(t, a)
	send(t, a, insertOp("a", 1, "x"))
	for next(t, a).Type != wire.TypeAck {
	}
	require.NoError(t, a.Close())

	require.Eventually(t, func() bool {
		tr.relay.mu.Lock()
		defer tr.relay.mu.Unlock()
		return len(tr.relay.members) == 0 && len(tr.relay.docs) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, tr.relay.Members("doc"))
}
