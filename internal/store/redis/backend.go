// Package redis implements store.Backend on Redis or Valkey. Records are plain
// string keys with a PX expiry and job events use PUBLISH/PSUBSCRIBE.
//
// Usage:
//
//	b, err := redis.New(ctx, redis.Config{URL: "redis://localhost:6379"})
//	if err != nil { ... }
//	defer b.Close()
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/jobwatch/internal/store"
)

var _ store.Backend = (*Backend)(nil)

// scanCount is the COUNT hint passed to SCAN.
const scanCount = 100

// Config holds connection settings.
type Config struct {
	URL      string
	Username string
	Password string
}

// Backend implements store.Backend. Data commands and subscriptions use
// separate clients so a blocked subscriber never holds up a read.
type Backend struct {
	client *redis.Client
	sub    *redis.Client
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if cfg.Username != "" {
		opts.Username = cfg.Username
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	b := &Backend{
		client: redis.NewClient(opts),
		sub:    redis.NewClient(opts),
	}

	if err := b.client.Ping(ctx).Err(); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	log.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("Connected to redis")

	return b, nil
}

// Close closes both clients.
func (b *Backend) Close() error {
	return errors.Join(b.client.Close(), b.sub.Close())
}

func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET %s: %w", key, err)
	}
	return value, nil
}

func (b *Backend) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	results, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis MGET: %w", err)
	}

	values := make([][]byte, len(results))
	for i, r := range results {
		if s, ok := r.(string); ok {
			values[i] = []byte(s)
		}
	}
	return values, nil
}

func (b *Backend) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SET NX %s: %w", key, err)
	}
	return ok, nil
}

// compareAndSwap replies -1 for a missing key, 0 when the value differs and 1
// once the new value is set. The script runs atomically on the server.
var compareAndSwap = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
	return -1
end
if current ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[1], ARGV[2], "XX", "KEEPTTL")
return 1
`)

func (b *Backend) CompareAndSwap(ctx context.Context, key string, old, value []byte) (bool, error) {
	res, err := compareAndSwap.Run(ctx, b.client, []string{key}, old, value).Int()
	if err != nil {
		return false, fmt.Errorf("redis compare and swap %s: %w", key, err)
	}
	switch res {
	case -1:
		return false, store.ErrKeyNotFound
	case 0:
		return false, nil
	default:
		return true, nil
	}
}

func (b *Backend) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := b.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis DEL: %w", err)
	}
	return nil
}

func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis EXISTS %s: %w", key, err)
	}
	return n > 0, nil
}

// Keys walks the keyspace with SCAN rather than the blocking KEYS command.
func (b *Backend) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string

	iter := b.client.Scan(ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis SCAN %s: %w", pattern, err)
	}
	return keys, nil
}

func (b *Backend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Backend) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis PUBLISH %s: %w", channel, err)
	}
	return nil
}

// NewSubscriber opens a pub/sub connection on the subscriber client.
func (b *Backend) NewSubscriber(ctx context.Context) (store.Subscriber, error) {
	ps := b.sub.Subscribe(ctx)

	s := &Subscriber{
		ps:       ps,
		messages: make(chan *store.Message),
	}
	go s.forward(ps.Channel())

	return s, nil
}

// Subscriber adapts *redis.PubSub to store.Subscriber.
type Subscriber struct {
	ps       *redis.PubSub
	messages chan *store.Message
}

func (s *Subscriber) Subscribe(ctx context.Context, channels ...string) error {
	return s.ps.Subscribe(ctx, channels...)
}

func (s *Subscriber) Unsubscribe(ctx context.Context, channels ...string) error {
	return s.ps.Unsubscribe(ctx, channels...)
}

func (s *Subscriber) PSubscribe(ctx context.Context, patterns ...string) error {
	return s.ps.PSubscribe(ctx, patterns...)
}

func (s *Subscriber) PUnsubscribe(ctx context.Context, patterns ...string) error {
	return s.ps.PUnsubscribe(ctx, patterns...)
}

func (s *Subscriber) Messages() <-chan *store.Message {
	return s.messages
}

// Close closes the pub/sub connection, which ends forward and closes Messages.
func (s *Subscriber) Close() error {
	return s.ps.Close()
}

func (s *Subscriber) forward(in <-chan *redis.Message) {
	defer close(s.messages)

	for msg := range in {
		s.messages <- &store.Message{
			Channel: msg.Channel,
			Pattern: msg.Pattern,
			Payload: []byte(msg.Payload),
		}
	}
}
