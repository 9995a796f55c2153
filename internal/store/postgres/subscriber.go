package postgres

import (
	"context"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/gobwas/glob"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/jobwatch/internal/store"
)

// Subscriber LISTENs on a connection hijacked from the pool and filters
// notifications against its channels and patterns locally.
type Subscriber struct {
	pool *pgxpool.Pool

	mu       sync.RWMutex
	channels map[string]struct{}
	patterns map[string]glob.Glob

	messages  chan *store.Message
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscriber(ctx context.Context, pool *pgxpool.Pool) (*Subscriber, error) {
	conn, err := listen(ctx, pool)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Subscriber{
		pool:     pool,
		channels: make(map[string]struct{}),
		patterns: make(map[string]glob.Glob),
		messages: make(chan *store.Message),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go s.run(runCtx, conn)

	return s, nil
}

func listen(ctx context.Context, pool *pgxpool.Pool) (*pgx.Conn, error) {
	pc, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire listen connection: %w", mapPostgresError(err))
	}
	conn := pc.Hijack()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{notifyChannel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("failed to listen: %w", mapPostgresError(err))
	}
	return conn, nil
}

func (s *Subscriber) run(ctx context.Context, conn *pgx.Conn) {
	defer close(s.done)
	defer close(s.messages)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			_ = conn.Close(context.Background())
			if ctx.Err() != nil {
				return
			}

			log.Warn().Err(err).Msg("Listen connection lost, reconnecting")
			conn, err = backoff.Retry(ctx, func() (*pgx.Conn, error) {
				return listen(ctx, s.pool)
			}, backoff.WithBackOff(backoff.NewExponentialBackOff()))
			if err != nil {
				log.Error().Err(err).Msg("Giving up on listen connection")
				return
			}
			continue
		}

		channel, payload, ok := decodeNotification(n.Payload)
		if !ok {
			log.Debug().Str("payload", n.Payload).Msg("Dropping malformed notification")
			continue
		}

		for _, msg := range s.match(channel, payload) {
			select {
			case s.messages <- msg:
			case <-ctx.Done():
				_ = conn.Close(context.Background())
				return
			}
		}
	}
}

// match returns one message per matching subscription.
func (s *Subscriber) match(channel string, payload []byte) []*store.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var msgs []*store.Message
	if _, ok := s.channels[channel]; ok {
		msgs = append(msgs, &store.Message{Channel: channel, Payload: payload})
	}
	for pattern, g := range s.patterns {
		if g.Match(channel) {
			msgs = append(msgs, &store.Message{Channel: channel, Pattern: pattern, Payload: payload})
		}
	}
	return msgs
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
			return fmt.Errorf("invalid pattern %q: %w", p, err)
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

// Close stops listening and waits for the connection to be released.
func (s *Subscriber) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}
