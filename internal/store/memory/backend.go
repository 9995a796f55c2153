package memory

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/jobwatch/internal/store"
)

var _ store.Backend = (*Backend)(nil)

// DefaultSubscriberBuffer is the per-subscriber message buffer.
const DefaultSubscriberBuffer = 256

type entry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// Backend implements store.Backend using in-memory storage.
// This implementation is for development and testing - data is lost on restart.
type Backend struct {
	mu   sync.RWMutex
	data map[string]entry

	subMu       sync.RWMutex
	subscribers map[*Subscriber]struct{}

	now func() time.Time

	// Background cleanup
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

// Option configures a Backend.
type Option func(*Backend)

// WithClock overrides the clock used for expiry.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// New creates an in-memory backend and starts the expiry sweeper.
func New(opts ...Option) *Backend {
	b := &Backend{
		data:        make(map[string]entry),
		subscribers: make(map[*Subscriber]struct{}),
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.cleanupTicker = time.NewTicker(30 * time.Second)
	go b.cleanupLoop()

	return b
}

// Close stops background cleanup and closes all subscribers.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		b.cleanupTicker.Stop()
		close(b.stopCleanup)

		b.subMu.Lock()
		subs := b.subscribers
		b.subscribers = make(map[*Subscriber]struct{})
		b.subMu.Unlock()

		for sub := range subs {
			sub.closeMessages()
		}
	})
	return nil
}

// cleanupLoop runs background removal of expired keys
func (b *Backend) cleanupLoop() {
	for {
		select {
		case <-b.cleanupTicker.C:
			b.removeExpired()
		case <-b.stopCleanup:
			return
		}
	}
}

func (b *Backend) removeExpired() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for key, e := range b.data {
		if e.expired(now) {
			delete(b.data, key)
		}
	}
}

// lookup must be called with b.mu held.
func (b *Backend) lookup(key string) (entry, bool) {
	e, ok := b.data[key]
	if !ok || e.expired(b.now()) {
		return entry{}, false
	}
	return e, true
}

func (b *Backend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.lookup(key)
	if !ok {
		return nil, store.ErrKeyNotFound
	}
	return clone(e.value), nil
}

func (b *Backend) MGet(_ context.Context, keys ...string) ([][]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	values := make([][]byte, len(keys))
	for i, key := range keys {
		if e, ok := b.lookup(key); ok {
			values[i] = clone(e.value)
		}
	}
	return values, nil
}

func (b *Backend) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.lookup(key); ok {
		return false, nil
	}

	e := entry{value: clone(value)}
	if ttl > 0 {
		e.expires = b.now().Add(ttl)
	}
	b.data[key] = e
	return true, nil
}

func (b *Backend) CompareAndSwap(_ context.Context, key string, old, value []byte) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.lookup(key)
	if !ok {
		return false, store.ErrKeyNotFound
	}
	if !bytes.Equal(e.value, old) {
		return false, nil
	}
	e.value = clone(value)
	b.data[key] = e
	return true, nil
}

func (b *Backend) Del(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, key := range keys {
		delete(b.data, key)
	}
	return nil
}

func (b *Backend) Exists(_ context.Context, key string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, ok := b.lookup(key)
	return ok, nil
}

func (b *Backend) Keys(_ context.Context, pattern string) ([]string, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var keys []string
	for key := range b.data {
		if _, ok := b.lookup(key); ok && g.Match(key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (b *Backend) Ping(_ context.Context) error {
	select {
	case <-b.stopCleanup:
		return store.ErrClosed
	default:
		return nil
	}
}

// Publish delivers payload to every matching subscriber without blocking.
func (b *Backend) Publish(_ context.Context, channel string, payload []byte) error {
	b.subMu.RLock()
	defer b.subMu.RUnlock()

	for sub := range b.subscribers {
		sub.deliver(channel, payload)
	}
	return nil
}

func (b *Backend) NewSubscriber(_ context.Context) (store.Subscriber, error) {
	if err := b.Ping(context.Background()); err != nil {
		return nil, err
	}

	sub := &Subscriber{
		backend:  b,
		channels: make(map[string]struct{}),
		patterns: make(map[string]glob.Glob),
		messages: make(chan *store.Message, DefaultSubscriberBuffer),
	}

	b.subMu.Lock()
	b.subscribers[sub] = struct{}{}
	b.subMu.Unlock()

	return sub, nil
}

func (b *Backend) removeSubscriber(sub *Subscriber) {
	b.subMu.Lock()
	_, ok := b.subscribers[sub]
	delete(b.subscribers, sub)
	b.subMu.Unlock()

	if ok {
		sub.closeMessages()
	}
}

// Subscriber is an in-memory subscribe connection.
type Subscriber struct {
	backend *Backend

	mu       sync.RWMutex
	channels map[string]struct{}
	patterns map[string]glob.Glob
	messages chan *store.Message
	closed   bool
}

func (s *Subscriber) Subscribe(_ context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range channels {
		s.channels[ch] = struct{}{}
	}
	return nil
}

func (s *Subscriber) Unsubscribe(_ context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range channels {
		delete(s.channels, ch)
	}
	return nil
}

func (s *Subscriber) PSubscribe(_ context.Context, patterns ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return err
		}
		s.patterns[p] = g
	}
	return nil
}

func (s *Subscriber) PUnsubscribe(_ context.Context, patterns ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range patterns {
		delete(s.patterns, p)
	}
	return nil
}

func (s *Subscriber) Messages() <-chan *store.Message {
	return s.messages
}

func (s *Subscriber) Close() error {
	s.backend.removeSubscriber(s)
	return nil
}

// deliver sends one message per matching subscription, like Redis does when a
// channel and a pattern both match.
func (s *Subscriber) deliver(channel string, payload []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return
	}

	if _, ok := s.channels[channel]; ok {
		s.send(&store.Message{Channel: channel, Payload: clone(payload)})
	}
	for pattern, g := range s.patterns {
		if g.Match(channel) {
			s.send(&store.Message{Channel: channel, Pattern: pattern, Payload: clone(payload)})
		}
	}
}

// send must be called with s.mu held.
func (s *Subscriber) send(msg *store.Message) {
	select {
	case s.messages <- msg:
	default:
		log.Warn().Str("channel", msg.Channel).Msg("Subscriber buffer full, dropping message")
	}
}

func (s *Subscriber) closeMessages() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.messages)
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
