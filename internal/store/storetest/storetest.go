// Package storetest holds behaviour tests shared by every store.Backend.
package storetest

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/jobwatch/internal/store"
)

// messageTimeout bounds how long a test waits for a published message.
const messageTimeout = 5 * time.Second

// Run exercises the KV and pub/sub contract against b. Keys are prefixed with
// the test name so a shared server can be reused across runs.
func Run(t *testing.T, b store.Backend) {
	t.Helper()

	t.Run("KV", func(t *testing.T) { testKV(t, b) })
	t.Run("PubSub", func(t *testing.T) { testPubSub(t, b) })
}

func testKV(t *testing.T, b store.Backend) {
	ctx := context.Background()

	require.NoError(t, b.Ping(ctx))

	ok, err := b.SetNX(ctx, "kvtest:build-1", []byte("one"), time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.SetNX(ctx, "kvtest:build-1", []byte("two"), time.Hour)
	require.NoError(t, err)
	require.False(t, ok, "second set if absent must not overwrite")

	value, err := b.Get(ctx, "kvtest:build-1")
	require.NoError(t, err)
	require.Equal(t, []byte("one"), value)

	swapped, err := b.CompareAndSwap(ctx, "kvtest:build-1", []byte("stale"), []byte("three"))
	require.NoError(t, err)
	require.False(t, swapped, "swap must not apply when the value changed")

	swapped, err = b.CompareAndSwap(ctx, "kvtest:build-1", []byte("one"), []byte("three"))
	require.NoError(t, err)
	require.True(t, swapped)
	value, err = b.Get(ctx, "kvtest:build-1")
	require.NoError(t, err)
	require.Equal(t, []byte("three"), value)

	_, err = b.CompareAndSwap(ctx, "kvtest:missing", []byte("one"), []byte("two"))
	require.ErrorIs(t, err, store.ErrKeyNotFound)
	_, err = b.Get(ctx, "kvtest:missing")
	require.ErrorIs(t, err, store.ErrKeyNotFound, "swap must never create a key")

	_, err = b.Get(ctx, "kvtest:missing")
	require.ErrorIs(t, err, store.ErrKeyNotFound)

	exists, err := b.Exists(ctx, "kvtest:build-1")
	require.NoError(t, err)
	require.True(t, exists)

	ok, err = b.SetNX(ctx, "kvtest:build-2", []byte("four"), time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = b.SetNX(ctx, "kvother:build-3", []byte("five"), time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	keys, err := b.Keys(ctx, "kvtest:*")
	require.NoError(t, err)
	sort.Strings(keys)
	require.Equal(t, []string{"kvtest:build-1", "kvtest:build-2"}, keys)

	values, err := b.MGet(ctx, "kvtest:build-2", "kvtest:missing", "kvother:build-3")
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("four"), nil, []byte("five")}, values)

	require.NoError(t, b.Del(ctx, "kvtest:build-1", "kvtest:build-2", "kvother:build-3"))
	exists, err = b.Exists(ctx, "kvtest:build-1")
	require.NoError(t, err)
	require.False(t, exists)

	keys, err = b.Keys(ctx, "kvtest:*")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func testPubSub(t *testing.T, b store.Backend) {
	ctx := context.Background()

	sub, err := b.NewSubscriber(ctx)
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	require.NoError(t, sub.Subscribe(ctx, "pstest:build-1"))
	require.NoError(t, sub.PSubscribe(ctx, "pstest:*"))

	// subscriptions are asynchronous on network backends
	require.Eventually(t, func() bool {
		if err := b.Publish(ctx, "pstest:ready", []byte("ready")); err != nil {
			return false
		}
		select {
		case msg := <-sub.Messages():
			return msg.Channel == "pstest:ready"
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, messageTimeout, 200*time.Millisecond)
	drain(sub)

	require.NoError(t, b.Publish(ctx, "psother:build-1", []byte("ignored")))
	require.NoError(t, b.Publish(ctx, "pstest:build-1", []byte("hello")))

	got := receive(t, sub, 2)
	patterns := []string{got[0].Pattern, got[1].Pattern}
	sort.Strings(patterns)
	require.Equal(t, []string{"", "pstest:*"}, patterns)
	for _, msg := range got {
		require.Equal(t, "pstest:build-1", msg.Channel)
		require.Equal(t, []byte("hello"), msg.Payload)
	}

	require.NoError(t, sub.Unsubscribe(ctx, "pstest:build-1"))
	require.NoError(t, b.Publish(ctx, "pstest:build-2", []byte("pattern only")))

	got = receive(t, sub, 1)
	require.Equal(t, "pstest:*", got[0].Pattern)
	require.Equal(t, "pstest:build-2", got[0].Channel)

	require.NoError(t, sub.Close())
	select {
	case _, open := <-sub.Messages():
		require.False(t, open)
	case <-time.After(messageTimeout):
		t.Fatal("messages not closed after Close")
	}
}

func receive(t *testing.T, sub store.Subscriber, n int) []*store.Message {
	t.Helper()

	var msgs []*store.Message
	for range n {
		select {
		case msg, ok := <-sub.Messages():
			require.True(t, ok, "messages closed early")
			msgs = append(msgs, msg)
		case <-time.After(messageTimeout):
			t.Fatalf("timed out waiting for message %d of %d", len(msgs)+1, n)
		}
	}
	return msgs
}

func drain(sub store.Subscriber) {
	for {
		select {
		case <-sub.Messages():
		case <-time.After(200 * time.Millisecond):
			return
		}
	}
}
