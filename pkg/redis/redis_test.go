package redis

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/testinfra"
	"github.com/Ramsey-B/fern/pkg/storage"
)

var testLogger = ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

func testClient(t *testing.T) *Client {
	t.Helper()
	addr := testinfra.RedisAddr(t)
	host, portText, _ := strings.Cut(addr, ":")
	port, err := strconv.Atoi(portText)
	require.NoError(t, err)

	client, err := NewClient(Config{Host: host, Port: port}, testLogger)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestObjectStore(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()
	store := NewObjectStore(client, "fern-test:"+uuid.NewString())

	require.NoError(t, store.Put(ctx, "staging/b1/b.json", []byte("b")))
	require.NoError(t, store.Put(ctx, "staging/b1/a.json", []byte("a")))
	require.NoError(t, store.Put(ctx, "staging/b10/a.json", []byte("x")))

	keys, err := store.List(ctx, "staging/b1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"staging/b1/a.json", "staging/b1/b.json"}, keys)

	data, err := store.Get(ctx, "staging/b1/a.json")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), data)

	created, err := store.Create(ctx, "staging/b1/a.json", []byte("again"))
	require.NoError(t, err)
	assert.False(t, created)
	created, err = store.Create(ctx, "staging/b1/c.json", []byte("c"))
	require.NoError(t, err)
	assert.True(t, created)
	keys, err = store.List(ctx, "staging/b1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"staging/b1/a.json", "staging/b1/b.json", "staging/b1/c.json"}, keys)

	require.NoError(t, store.Delete(ctx, "staging/b1/a.json"))
	_, err = store.Get(ctx, "staging/b1/a.json")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "staging/b1/a.json"), storage.ErrNotFound)
}

func TestLocker(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()
	locker := NewLocker(client, "fern-test:lock:")
	key := uuid.NewString()

	release, err := locker.Hold(ctx, key, time.Minute)
	require.NoError(t, err)

	_, err = locker.Hold(ctx, key, time.Minute)
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	require.NoError(t, release(ctx))
	assert.ErrorIs(t, release(ctx), ErrLockNotHeld)

	again, err := locker.Hold(ctx, key, time.Minute)
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestLocker_HoldOutlivesTTL(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()
	locker := NewLocker(client, "fern-test:lock:")
	key := uuid.NewString()

	release, err := locker.Hold(ctx, key, 300*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(time.Second)
	_, err = locker.Acquire(ctx, key, time.Minute)
	assert.ErrorIs(t, err, ErrLockNotAcquired, "held lock is extended past its ttl")

	require.NoError(t, release(ctx))
	lock, err := locker.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)

	require.NoError(t, lock.Extend(ctx, time.Minute))
	require.NoError(t, lock.Release(ctx))
	assert.ErrorIs(t, lock.Extend(ctx, time.Minute), ErrLockNotHeld)
}
