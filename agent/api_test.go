package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
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
	"collabtext/replica"
	"collabtext/tree"
	"collabtext/undo"
	"collabtext/wire"
)

type testAgent struct {
	app    *App
	server *httptest.Server
}

func newTestAgent(t *testing.T) *testAgent {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	tr := tree.NewItems()
	m := undo.New(tr, undo.WithLogger(logger), undo.WithMetrics(metrics.NewUndo(reg)))
	t.Cleanup(m.Close)
	s := replica.New(tr, m, "doc", replica.WithLogger(logger), replica.WithClientID("me"))

	hub := newHub(logger)
	go hub.run()
	app := newApp(s, hub, logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go app.watch(ctx)

	srv := httptest.NewServer(newRouter(app, reg, ""))
	t.Cleanup(srv.Close)
	return &testAgent{app: app, server: srv}
}

func (ta *testAgent) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ta.server.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ta *testAgent) texts(t *testing.T) []string {
	t.Helper()
	resp := ta.do(t, http.MethodGet, "/tree", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var v struct {
		Items tree.Node `json:"items"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	out := []string{}
	for _, c := range v.Items.Children {
		out = append(out, c.Text())
	}
	return out
}

func (ta *testAgent) insert(t *testing.T, text string) tree.Node {
	t.Helper()
	resp := ta.do(t, http.MethodPost, "/items", map[string]any{"text": text, "array": []float64{1}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var n tree.Node
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&n))
	return n
}

func replay(t *testing.T, resp *http.Response) replayResult {
	t.Helper()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var r replayResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&r))
	return r
}

func TestInsertUndoRedo(t *testing.T) {
	ta := newTestAgent(t)
	ta.insert(t, "a")
	ta.insert(t, "b")
	assert.Equal(t, []string{"a", "b"}, ta.texts(t))

	r := replay(t, ta.do(t, http.MethodPost, "/undo", nil))
	assert.False(t, r.Skipped)
	assert.Equal(t, 1, r.Undo.UndoDepth)
	assert.Equal(t, 1, r.Undo.RedoDepth)
	assert.Equal(t, []string{"a"}, ta.texts(t))

	replay(t, ta.do(t, http.MethodPost, "/redo", nil))
	assert.Equal(t, []string{"a", "b"}, ta.texts(t))
}

func TestInsertWithoutBodyMakesRandomThing(t *testing.T) {
	ta := newTestAgent(t)
	resp := ta.do(t, http.MethodPost, "/items", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var n tree.Node
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&n))
	assert.NotEmpty(t, n.Text())
	assert.Len(t, n.Fields[tree.FieldArray], randomLen)
}

func TestDeleteAllIsOneUndoStep(t *testing.T) {
	ta := newTestAgent(t)
	ta.insert(t, "a")
	ta.insert(t, "b")
	ta.insert(t, "c")

	resp := ta.do(t, http.MethodDelete, "/items", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, ta.texts(t))

	replay(t, ta.do(t, http.MethodPost, "/undo", nil))
	assert.Equal(t, []string{"a", "b", "c"}, ta.texts(t))
}

func TestEditMoveAndDelete(t *testing.T) {
	ta := newTestAgent(t)
	a := ta.insert(t, "a")
	b := ta.insert(t, "b")

	resp := ta.do(t, http.MethodPut, "/items/"+a.ID+"/text", map[string]string{"text": "A"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = ta.do(t, http.MethodPost, "/items/"+b.ID+"/move", map[string]int{"index": 0})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"b", "A"}, ta.texts(t))

	resp = ta.do(t, http.MethodDelete, "/items/"+b.ID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"A"}, ta.texts(t))

	resp = ta.do(t, http.MethodDelete, "/items/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUndoAfterRemoteDeleteIsSkipped(t *testing.T) {
	ta := newTestAgent(t)
	x := ta.insert(t, "x")
	resp := ta.do(t, http.MethodPut, "/items/"+x.ID+"/text", map[string]string{"text": "y"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	remove := wire.Op("doc", wire.OpID{ClientID: "other", ClientSeq: 1}, []tree.Change{
		{Kind: tree.KindRemove, Target: x.ID, Parent: tree.RootID, Index: 0},
	})
	remove.Seq = 1
	ta.app.session.Handle(remove)
	require.Empty(t, ta.texts(t))

	r := replay(t, ta.do(t, http.MethodPost, "/undo", nil))
	assert.True(t, r.Skipped)
	assert.Equal(t, 1, r.Undo.Skipped)
	assert.Empty(t, ta.texts(t))
}

func TestStatusReportsPendingAndConnection(t *testing.T) {
	ta := newTestAgent(t)
	ta.insert(t, "a")

	resp := ta.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st replica.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.False(t, st.Saved)
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, undo.Disconnected, st.Connection)
	assert.Equal(t, "me", st.ClientID)
}

func TestHubPushesViews(t *testing.T) {
	ta := newTestAgent(t)
	url := "ws" + strings.TrimPrefix(ta.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() View {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		var v View
		require.NoError(t, json.Unmarshal(msg, &v))
		return v
	}
	initial := read()
	assert.Equal(t, 0, initial.Status.Undo.UndoDepth)

	require.NoError(t, conn.WriteJSON(command{Action: "insert", Text: "from ui"}))
	// views coalesce, so skip any that predate the insert
	var depth int
	for range 5 {
		if depth = read().Status.Undo.UndoDepth; depth == 1 {
			break
		}
	}
	assert.Equal(t, 1, depth)
	assert.Equal(t, []string{"from ui"}, ta.texts(t))
}

func TestDispatchRejectsUnknownAction(t *testing.T) {
	ta := newTestAgent(t)
	assert.ErrorIs(t, ta.app.dispatch(command{Action: "explode"}), errUnknownAction)
}
