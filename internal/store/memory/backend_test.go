package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/jobwatch/internal/store"
	"github.com/wolfeidau/jobwatch/internal/store/storetest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestBackendKV(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}

	b := New(WithClock(clock.Now))
	defer func() { _ = b.Close() }()

	t.Run("compare and swap does not extend expiry", func(t *testing.T) {
		ok, err := b.SetNX(ctx, "klage:build-2", []byte("one"), time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		clock.Advance(30 * time.Second)
		swapped, err := b.CompareAndSwap(ctx, "klage:build-2", []byte("one"), []byte("two"))
		require.NoError(t, err)
		require.True(t, swapped)

		value, err := b.Get(ctx, "klage:build-2")
		require.NoError(t, err)
		require.Equal(t, []byte("two"), value)

		clock.Advance(30 * time.Second)
		exists, err := b.Exists(ctx, "klage:build-2")
		require.NoError(t, err)
		require.False(t, exists)
	})

	t.Run("compare and swap on an expired key does not revive it", func(t *testing.T) {
		ok, err := b.SetNX(ctx, "klage:build-5", []byte("one"), time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		clock.Advance(time.Minute)
		_, err = b.CompareAndSwap(ctx, "klage:build-5", []byte("one"), []byte("two"))
		require.ErrorIs(t, err, store.ErrKeyNotFound)

		exists, err := b.Exists(ctx, "klage:build-5")
		require.NoError(t, err)
		require.False(t, exists)
	})

	t.Run("sweeper removes expired keys", func(t *testing.T) {
		_, err := b.SetNX(ctx, "klage:build-3", []byte("three"), time.Second)
		require.NoError(t, err)
		_, err = b.SetNX(ctx, "klage:build-4", []byte("four"), 0)
		require.NoError(t, err)

		clock.Advance(time.Second)
		b.removeExpired()

		b.mu.RLock()
		_, expired := b.data["klage:build-3"]
		_, kept := b.data["klage:build-4"]
		b.mu.RUnlock()
		require.False(t, expired)
		require.True(t, kept)
	})
}

func TestBackendContract(t *testing.T) {
	b := New()
	defer func() { _ = b.Close() }()

	storetest.Run(t, b)
}

func TestPublishAfterSubscriberClose(t *testing.T) {
	ctx := context.Background()
	b := New()
	defer func() { _ = b.Close() }()

	sub, err := b.NewSubscriber(ctx)
	require.NoError(t, err)
	require.NoError(t, sub.PSubscribe(ctx, "klage:*"))
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	require.NoError(t, b.Publish(ctx, "klage:build-1", []byte("closed")))
}

func TestSubscriberBufferFull(t *testing.T) {
	ctx := context.Background()
	b := New()
	defer func() { _ = b.Close() }()

	sub, err := b.NewSubscriber(ctx)
	require.NoError(t, err)
	require.NoError(t, sub.Subscribe(ctx, "klage:build-1"))

	for range DefaultSubscriberBuffer + 10 {
		require.NoError(t, b.Publish(ctx, "klage:build-1", []byte("x")))
	}
	require.Len(t, sub.Messages(), DefaultSubscriberBuffer)
}

func TestBackendClose(t *testing.T) {
	ctx := context.Background()
	b := New()

	sub, err := b.NewSubscriber(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	require.ErrorIs(t, b.Ping(ctx), store.ErrClosed)

	_, open := <-sub.Messages()
	require.False(t, open)

	_, err = b.NewSubscriber(ctx)
	require.ErrorIs(t, err, store.ErrClosed)
}
