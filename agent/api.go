package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"collabtext/tree"
	"collabtext/undo"
)

func newRouter(a *App, reg *prometheus.Registry, uiDir string) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", a.serveWs)
	r.HandleFunc("/tree", a.handleTree).Methods(http.MethodGet)
	r.HandleFunc("/status", a.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/items", a.handleInsert).Methods(http.MethodPost)
	r.HandleFunc("/items", a.handleDeleteAll).Methods(http.MethodDelete)
	r.HandleFunc("/items/{id}", a.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/items/{id}/text", a.handleSetText).Methods(http.MethodPut)
	r.HandleFunc("/items/{id}/move", a.handleMove).Methods(http.MethodPost)
	r.HandleFunc("/undo", a.handleUndo).Methods(http.MethodPost)
	r.HandleFunc("/redo", a.handleRedo).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	if uiDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(uiDir)))
	}
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps tree and undo errors onto status codes.
func (a *App) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, tree.ErrNodeNotFound):
		code = http.StatusNotFound
	case errors.Is(err, tree.ErrIndexOutOfRange),
		errors.Is(err, tree.ErrInvalidValue),
		errors.Is(err, tree.ErrRootImmutable),
		errors.Is(err, errUnknownAction):
		code = http.StatusBadRequest
	case errors.Is(err, tree.ErrReentrant):
		code = http.StatusConflict
	}
	if code == http.StatusInternalServerError {
		a.logger.Error("Request failed", slog.String("error", err.Error()))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (a *App) handleTree(w http.ResponseWriter, _ *http.Request) {
	b, err := a.view()
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.session.Status())
}

func (a *App) handleInsert(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text  string    `json:"text"`
		Array []float64 `json:"array"`
		Index *int      `json:"index"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	n, err := a.InsertThing(body.Text, body.Array, body.Index)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (a *App) handleDeleteAll(w http.ResponseWriter, _ *http.Request) {
	if err := a.DeleteAll(); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.DeleteItem(mux.Vars(r)["id"]); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleSetText(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := a.SetText(mux.Vars(r)["id"], body.Text); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleMove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Index int `json:"index"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := a.Move(mux.Vars(r)["id"], body.Index); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type replayResult struct {
	Skipped bool        `json:"skipped"`
	Undo    undo.Status `json:"undo"`
}

func (a *App) handleUndo(w http.ResponseWriter, _ *http.Request) {
	a.writeReplay(w, a.Undo)
}

func (a *App) handleRedo(w http.ResponseWriter, _ *http.Request) {
	a.writeReplay(w, a.Redo)
}

func (a *App) writeReplay(w http.ResponseWriter, fn func() (bool, error)) {
	skipped, err := fn()
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, replayResult{Skipped: skipped, Undo: a.session.Status().Undo})
}
