package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/tree"
)

func TestOpFrameCarriesChanges(t *testing.T) {
	thing := tree.NewThing("hello", []float64{1, 2})
	f := Op("doc", OpID{ClientID: "c1", ClientSeq: 3}, []tree.Change{
		{Kind: tree.KindInsert, Target: thing.ID, Parent: "root", Subtree: thing},
	})
	b, err := Encode(f)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, TypeOp, got.Type)
	assert.Equal(t, "c1", got.ClientID)
	assert.Equal(t, uint64(3), got.ClientSeq)
	require.Len(t, got.Changes, 1)
	assert.True(t, thing.Equal(got.Changes[0].Subtree))
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	tests := map[string]string{
		"not json":        `{`,
		"unknown type":    `{"type":"gossip"}`,
		"hello no client": `{"type":"hello","docID":"d"}`,
		"op no changes":   `{"type":"op","docID":"d","clientID":"c","clientSeq":1}`,
		"op no seq":       `{"type":"op","docID":"d","clientID":"c","changes":[{"kind":"remove","target":"x","parent":"p","index":0}]}`,
		"ack no seq":      `{"type":"ack","clientSeq":1}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestHello(t *testing.T) {
	id := NewClientID()
	b, err := Encode(Hello("doc", id, 42))
	require.NoError(t, err)
	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.Since)
	assert.Equal(t, id, got.ClientID)
}
