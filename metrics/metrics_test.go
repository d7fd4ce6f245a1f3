package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUndoCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewUndo(reg)

	m.Observe("undo", "applied")
	m.Observe("undo", "applied")
	m.Observe("redo", "skipped")
	m.SetDepth(3, 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ops.WithLabelValues("undo", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ops.WithLabelValues("redo", "skipped")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.depth.WithLabelValues("undo")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 2)
}

func TestNilReceiversAreNoops(t *testing.T) {
	var u *Undo
	var s *Sync
	var r *Relay
	assert.NotPanics(t, func() {
		u.Observe("undo", "empty")
		u.SetDepth(1, 1)
		s.Sent()
		s.Pending(2)
		r.Connected()
		r.Op("stored")
	})
}

func TestSyncCollectors(t *testing.T) {
	m := NewSync(prometheus.NewRegistry())
	m.Sent()
	m.Received()
	m.Received()
	m.Pending(4)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sent))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.received))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.pending))
}
