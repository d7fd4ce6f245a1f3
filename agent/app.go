package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"collabtext/replica"
	"collabtext/snapshot"
	"collabtext/tree"
	"collabtext/undo"
)

// randomLen is how many numbers a generated Thing carries.
const randomLen = 64

var errUnknownAction = errors.New("unknown action")

// App is the agent's command surface. Every edit runs on the session's
// execution context so it is ordered with remote ops and undo replays.
type App struct {
	session *replica.Session
	hub     *Hub
	logger  *slog.Logger
}

func newApp(s *replica.Session, hub *Hub, logger *slog.Logger) *App {
	return &App{session: s, hub: hub, logger: logger}
}

// View is what rendering clients receive after every change.
type View struct {
	Items  json.RawMessage `json:"items"`
	Status replica.Status  `json:"status"`
}

func (a *App) view() ([]byte, error) {
	st := a.session.Status()
	var items []byte
	err := a.session.Do(func(t *tree.Tree, _ *undo.Manager) error {
		var err error
		items, err = json.Marshal(t)
		return err
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(View{Items: items, Status: st})
}

// watch pushes a fresh view to the hub whenever the session changes.
func (a *App) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.session.Changed():
			b, err := a.view()
			if err != nil {
				a.logger.Error("Building view failed", slog.String("error", err.Error()))
				continue
			}
			select {
			case a.hub.broadcast <- b:
			case <-ctx.Done():
				return
			}
		}
	}
}

// checkpoints saves the tree to store every interval and once more on exit.
func (a *App) checkpoints(ctx context.Context, store *snapshot.Store, docID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.checkpoint(store, docID)
			return
		case <-ticker.C:
			a.checkpoint(store, docID)
		}
	}
}

func (a *App) checkpoint(store *snapshot.Store, docID string) {
	saved, err := a.session.Checkpoint(func(t *tree.Tree, lastSeq int64) error {
		return store.Save(docID, t, lastSeq)
	})
	if err != nil {
		a.logger.Error("Saving snapshot failed", slog.String("error", err.Error()))
		return
	}
	if !saved {
		a.logger.Debug("Snapshot deferred, ops in flight")
	}
}

// InsertThing adds a Thing at index, or at the end when index is nil. A Thing
// without text or numbers gets random ones.
func (a *App) InsertThing(text string, numbers []float64, index *int) (*tree.Node, error) {
	if text == "" && numbers == nil {
		text, numbers = randomThing()
	}
	n := tree.NewThing(text, numbers)
	err := a.session.Do(func(t *tree.Tree, _ *undo.Manager) error {
		return t.Edit(func(tx *tree.Tx) error {
			if index == nil {
				return tx.Append(tree.RootID, n)
			}
			return tx.Insert(tree.RootID, *index, n)
		})
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

func randomThing() (string, []float64) {
	numbers := make([]float64, randomLen)
	var sb strings.Builder
	for i := range numbers {
		v := rand.IntN(1000000)
		numbers[i] = float64(v)
		sb.WriteString(strconv.Itoa(v))
	}
	return sb.String(), numbers
}

// DeleteAll empties the list in one transaction, so one undo restores it.
func (a *App) DeleteAll() error {
	return a.session.Do(func(t *tree.Tree, _ *undo.Manager) error {
		return t.Edit(func(tx *tree.Tx) error {
			for i := len(t.Root().Children) - 1; i >= 0; i-- {
				if _, err := tx.Remove(tree.RootID, i); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

func (a *App) DeleteItem(id string) error {
	return a.session.Do(func(t *tree.Tree, _ *undo.Manager) error {
		return t.Edit(func(tx *tree.Tx) error {
			_, err := tx.RemoveNode(id)
			return err
		})
	})
}

func (a *App) SetText(id, text string) error {
	return a.session.Do(func(t *tree.Tree, _ *undo.Manager) error {
		return t.Edit(func(tx *tree.Tx) error {
			return tx.SetField(id, tree.FieldText, text)
		})
	})
}

// Move places the item id at index within the list.
func (a *App) Move(id string, index int) error {
	return a.session.Do(func(t *tree.Tree, _ *undo.Manager) error {
		from := t.Root().IndexOf(id)
		if from < 0 {
			return fmt.Errorf("%w: %s", tree.ErrNodeNotFound, id)
		}
		return t.Edit(func(tx *tree.Tx) error {
			return tx.Move(tree.RootID, from, tree.RootID, index)
		})
	})
}

// Undo reverts the last local edit. A record that no longer applies is
// reported as skipped rather than as an error.
func (a *App) Undo() (skipped bool, err error) {
	return a.replay((*undo.Manager).Undo)
}

func (a *App) Redo() (skipped bool, err error) {
	return a.replay((*undo.Manager).Redo)
}

func (a *App) replay(fn func(*undo.Manager) error) (bool, error) {
	err := a.session.Do(func(_ *tree.Tree, m *undo.Manager) error {
		return fn(m)
	})
	if errors.Is(err, undo.ErrSkipped) {
		a.logger.Info("Undo record skipped", slog.String("reason", err.Error()))
		return true, nil
	}
	return false, err
}

func (a *App) dispatch(cmd command) error {
	var err error
	switch cmd.Action {
	case "insert":
		_, err = a.InsertThing(cmd.Text, cmd.Array, cmd.Index)
	case "delete":
		err = a.DeleteItem(cmd.ID)
	case "deleteAll":
		err = a.DeleteAll()
	case "setText":
		err = a.SetText(cmd.ID, cmd.Text)
	case "move":
		if cmd.Index == nil {
			return fmt.Errorf("%w: move needs an index", tree.ErrIndexOutOfRange)
		}
		err = a.Move(cmd.ID, *cmd.Index)
	case "undo":
		_, err = a.Undo()
	case "redo":
		_, err = a.Redo()
	default:
		return fmt.Errorf("%w: %q", errUnknownAction, cmd.Action)
	}
	return err
}
