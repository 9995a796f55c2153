package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/jobwatch/internal/store"
)

var _ store.Backend = (*Backend)(nil)

// notifyChannel is the single LISTEN/NOTIFY channel. Logical channels travel
// in the payload as "<channel>\n<payload>".
const notifyChannel = "jobwatch_events"

// Backend implements store.Backend on a kv table. Publish uses pg_notify and
// each subscriber holds its own LISTEN connection.
type Backend struct {
	pool *pgxpool.Pool
	cfg  *Config

	// Lifecycle
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates the pool, optionally migrates and starts the expiry sweeper.
func New(ctx context.Context, cfg *Config) (*Backend, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	pool, err := NewPool(ctx, &cfg.Pool)
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := runMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	b := &Backend{
		pool:   pool,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.sweepExpired()
	}()

	return b, nil
}

// Close stops the sweeper and closes the pool.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		log.Info().Msg("Stopping PostgreSQL backend")
		close(b.stopCh)
		b.wg.Wait()
		b.pool.Close()
	})
	return nil
}

// sweepExpired periodically deletes expired rows. Reads already ignore them.
func (b *Backend) sweepExpired() {
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), b.cfg.QueryTimeout)
			tag, err := b.pool.Exec(ctx, `DELETE FROM kv WHERE expires_at <= now()`)
			cancel()
			if err != nil {
				log.Error().Err(mapPostgresError(err)).Msg("Failed to sweep expired keys")
				continue
			}
			if tag.RowsAffected() > 0 {
				log.Debug().Int64("deleted", tag.RowsAffected()).Msg("Swept expired keys")
			}
		}
	}
}

func (b *Backend) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.cfg.QueryTimeout)
}

func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := b.queryContext(ctx)
	defer cancel()

	var value []byte
	err := b.pool.QueryRow(ctx, `
		SELECT value FROM kv
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())
	`, key).Scan(&value)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	return value, nil
}

func (b *Backend) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	ctx, cancel := b.queryContext(ctx)
	defer cancel()

	rows, err := b.pool.Query(ctx, `
		SELECT key, value FROM kv
		WHERE key = ANY($1) AND (expires_at IS NULL OR expires_at > now())
	`, keys)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()

	found := make(map[string][]byte, len(keys))
	for rows.Next() {
		var (
			key   string
			value []byte
		)
		if err := rows.Scan(&key, &value); err != nil {
			return nil, mapPostgresError(err)
		}
		found[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError(err)
	}

	values := make([][]byte, len(keys))
	for i, key := range keys {
		values[i] = found[key]
	}
	return values, nil
}

// SetNX inserts the row, replacing it only when the existing row has expired.
func (b *Backend) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := b.queryContext(ctx)
	defer cancel()

	var inserted string
	err := b.pool.QueryRow(ctx, `
		INSERT INTO kv (key, value, expires_at)
		VALUES ($1, $2, CASE WHEN $3::bigint > 0 THEN now() + $3::bigint * interval '1 millisecond' END)
		ON CONFLICT (key) DO UPDATE
			SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
			WHERE kv.expires_at IS NOT NULL AND kv.expires_at <= now()
		RETURNING key
	`, key, value, ttl.Milliseconds()).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapPostgresError(err)
	}
	return true, nil
}

// CompareAndSwap updates a live row in place, leaving expires_at untouched.
// When no row matches, a second query tells a missing key from a stale value.
func (b *Backend) CompareAndSwap(ctx context.Context, key string, old, value []byte) (bool, error) {
	ctx, cancel := b.queryContext(ctx)
	defer cancel()

	tag, err := b.pool.Exec(ctx, `
		UPDATE kv SET value = $3
		WHERE key = $1 AND value = $2 AND (expires_at IS NULL OR expires_at > now())
	`, key, old, value)
	if err != nil {
		return false, mapPostgresError(err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	exists, err := b.Exists(ctx, key)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, store.ErrKeyNotFound
	}
	return false, nil
}

func (b *Backend) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	ctx, cancel := b.queryContext(ctx)
	defer cancel()

	_, err := b.pool.Exec(ctx, `DELETE FROM kv WHERE key = ANY($1)`, keys)
	return mapPostgresError(err)
}

func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := b.queryContext(ctx)
	defer cancel()

	var exists bool
	err := b.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM kv WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())
		)
	`, key).Scan(&exists)
	if err != nil {
		return false, mapPostgresError(err)
	}
	return exists, nil
}

// Keys narrows the scan with a LIKE on the pattern's literal prefix and then
// matches the full glob.
func (b *Backend) Keys(ctx context.Context, pattern string) ([]string, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	ctx, cancel := b.queryContext(ctx)
	defer cancel()

	rows, err := b.pool.Query(ctx, `
		SELECT key FROM kv
		WHERE key LIKE $1 AND (expires_at IS NULL OR expires_at > now())
	`, likePrefix(pattern))
	if err != nil {
		return nil, mapPostgresError(err)
	}

	candidates, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, mapPostgresError(err)
	}

	keys := candidates[:0]
	for _, key := range candidates {
		if g.Match(key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (b *Backend) Ping(ctx context.Context) error {
	return mapPostgresError(b.pool.Ping(ctx))
}

func (b *Backend) Publish(ctx context.Context, channel string, payload []byte) error {
	ctx, cancel := b.queryContext(ctx)
	defer cancel()

	_, err := b.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, encodeNotification(channel, payload))
	if err != nil {
		return fmt.Errorf("failed to publish on %s: %w", channel, mapPostgresError(err))
	}
	return nil
}

// NewSubscriber takes a connection out of the pool and LISTENs on it.
func (b *Backend) NewSubscriber(ctx context.Context) (store.Subscriber, error) {
	return newSubscriber(ctx, b.pool)
}

// likePrefix returns a LIKE pattern matching every key that starts with the
// glob's literal prefix.
func likePrefix(pattern string) string {
	prefix := pattern
	if i := strings.IndexAny(pattern, `*?[{\`); i >= 0 {
		prefix = pattern[:i]
	}

	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	return escaped + "%"
}

func encodeNotification(channel string, payload []byte) string {
	return channel + "\n" + string(payload)
}

func decodeNotification(s string) (channel string, payload []byte, ok bool) {
	channel, rest, ok := strings.Cut(s, "\n")
	if !ok || channel == "" {
		return "", nil, false
	}
	return channel, []byte(rest), true
}
