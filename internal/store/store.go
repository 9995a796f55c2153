package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for common error conditions
var (
	ErrKeyNotFound = errors.New("key not found")
	ErrClosed      = errors.New("store closed")
)

// KV is the data connection of the backing store. Keys are plain strings and
// values opaque bytes; patterns use glob syntax ("ns:*").
type KV interface {
	// Get returns ErrKeyNotFound when the key does not exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)
	// MGet returns one entry per key, nil for missing keys.
	MGet(ctx context.Context, keys ...string) ([][]byte, error)
	// SetNX stores value with the given expiry only if the key does not exist.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndSwap replaces the value with value only when it currently
	// equals old, keeping the key's expiry. It reports false when the value
	// differs and returns ErrKeyNotFound when the key does not exist or has
	// expired; a missing key is never created.
	CompareAndSwap(ctx context.Context, key string, old, value []byte) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	Ping(ctx context.Context) error
}

// Message is a payload delivered to a Subscriber.
type Message struct {
	Channel string
	Pattern string // set when delivered through a pattern subscription
	Payload []byte
}

// Broker publishes messages and opens subscriber connections.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// NewSubscriber opens a connection dedicated to subscriptions, so blocking
	// reads never contend with data operations.
	NewSubscriber(ctx context.Context) (Subscriber, error)
}

// Subscriber is a long lived subscribe connection.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	PSubscribe(ctx context.Context, patterns ...string) error
	PUnsubscribe(ctx context.Context, patterns ...string) error
	// Messages is closed when the subscriber is closed.
	Messages() <-chan *Message
	Close() error
}

// Backend bundles the data and pub/sub sides of one store.
type Backend interface {
	KV
	Broker
	Close() error
}
