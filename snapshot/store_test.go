package snapshot

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/tree"
)

func TestSaveAndLoad(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "snap.db"))
	require.NoError(t, err)
	defer s.Close()

	tr := tree.NewItems()
	require.NoError(t, tr.Edit(func(tx *tree.Tx) error {
		return tx.Append(tr.Root().ID, tree.NewThing("persisted", []float64{7}))
	}))
	require.NoError(t, s.Save("doc", tr, 12))

	got, seq, err := s.Load("doc")
	require.NoError(t, err)
	assert.Equal(t, int64(12), seq)
	assert.True(t, tr.Equal(got))
}

func TestLoadMissing(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "snap.db"))
	require.NoError(t, err)
	defer s.Close()

	_, _, err = s.Load("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Save("doc", tree.NewItems(), 3))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	_, seq, err := s.Load("doc")
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq)
}
