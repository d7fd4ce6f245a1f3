package oplog

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These run against real services: set TEST_DATABASE_URL and TEST_REDIS_ADDR.

func TestPostgresLog(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	defer pool.Close()

	l := NewPostgresLog(pool)
	require.NoError(t, l.Migrate(ctx))

	doc := "it-" + uuid.NewString()
	s1, err := l.Append(ctx, op(doc, "c1", 1))
	require.NoError(t, err)
	s2, err := l.Append(ctx, op(doc, "c1", 2))
	require.NoError(t, err)
	assert.Greater(t, s2, s1)

	again, err := l.Append(ctx, op(doc, "c1", 1))
	require.NoError(t, err)
	assert.Equal(t, s1, again, "resent op keeps its seq")

	tail, err := l.Since(ctx, doc, s1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, s2, tail[0].Seq)
	assert.Equal(t, uint64(2), tail[0].ClientSeq)
	require.Len(t, tail[0].Changes, 1)
}

func TestRedisBus(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	require.NoError(t, rdb.Ping(ctx).Err())

	b := NewRedisBus(rdb, nil)
	doc := "it-" + uuid.NewString()
	ch, stop, err := b.Subscribe(ctx, doc)
	require.NoError(t, err)
	defer stop()

	f := op(doc, "c1", 1)
	f.Seq = 7
	require.NoError(t, b.Publish(ctx, doc, f))

	select {
	case got := <-ch:
		assert.Equal(t, int64(7), got.Seq)
		assert.Equal(t, "c1", got.ClientID)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame delivered")
	}
}
