package postgres

import (
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLikePrefix(t *testing.T) {
	tests := []struct {
		pattern string
		want    string
	}{
		{pattern: "*", want: "%"},
		{pattern: "klage:*", want: "klage:%"},
		{pattern: "my_ns:*", want: `my\_ns:%`},
		{pattern: "klage:build-1", want: "klage:build-1%"},
		{pattern: "kla?e:*", want: "kla%"},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			require.Equal(t, tt.want, likePrefix(tt.pattern))
		})
	}
}

func TestNotificationEncoding(t *testing.T) {
	encoded := encodeNotification("klage:build-1", []byte(`{"eventType":"created"}`))

	channel, payload, ok := decodeNotification(encoded)
	require.True(t, ok)
	require.Equal(t, "klage:build-1", channel)
	require.Equal(t, `{"eventType":"created"}`, string(payload))

	_, _, ok = decodeNotification("no separator")
	require.False(t, ok)

	_, _, ok = decodeNotification("\npayload")
	require.False(t, ok)
}

func TestPoolConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := &Config{Pool: PoolConfig{ConnString: "postgres://jobs@localhost:5432/jobwatch"}}
		cfg.ApplyDefaults()
		require.NoError(t, cfg.Validate())

		poolConfig, err := parsePoolConfig(&cfg.Pool)
		require.NoError(t, err)
		require.EqualValues(t, 10, poolConfig.MaxConns)
		require.EqualValues(t, 1, poolConfig.MinConns)
		require.Equal(t, time.Hour, poolConfig.MaxConnLifetime)
		require.Equal(t, 10*time.Second, poolConfig.ConnConfig.ConnectTimeout)
		require.Equal(t, "jobwatch", poolConfig.ConnConfig.RuntimeParams["application_name"])
		require.Equal(t, "10000", poolConfig.ConnConfig.RuntimeParams["statement_timeout"])
	})

	t.Run("query timeout bounds statements", func(t *testing.T) {
		cfg := &Config{
			Pool:         PoolConfig{ConnString: "postgres://jobs@localhost:5432/jobwatch?application_name=other"},
			QueryTimeout: 2500 * time.Millisecond,
		}
		cfg.ApplyDefaults()

		poolConfig, err := parsePoolConfig(&cfg.Pool)
		require.NoError(t, err)
		require.Equal(t, "2500", poolConfig.ConnConfig.RuntimeParams["statement_timeout"])
		require.Equal(t, "jobwatch", poolConfig.ConnConfig.RuntimeParams["application_name"])
	})

	t.Run("invalid", func(t *testing.T) {
		require.Error(t, (&PoolConfig{}).Validate())
		require.Error(t, (&PoolConfig{ConnString: "postgres://localhost", MinConns: 5, MaxConns: 2}).Validate())

		_, err := parsePoolConfig(&PoolConfig{ConnString: "postgres://localhost:notaport"})
		require.Error(t, err)
	})
}

func TestLoadMigrations(t *testing.T) {
	t.Run("embedded", func(t *testing.T) {
		migrations, err := loadMigrations(migrationsFS, "migrations")
		require.NoError(t, err)
		require.NotEmpty(t, migrations)
		require.Equal(t, 1, migrations[0].version)
		require.Contains(t, migrations[0].sql, "CREATE TABLE IF NOT EXISTS kv")
	})

	t.Run("ordered by version", func(t *testing.T) {
		fsys := fstest.MapFS{
			"m/10_ttl_index.sql": {Data: []byte("SELECT 10")},
			"m/2_kv_value.sql":   {Data: []byte("SELECT 2")},
			"m/README.md":        {Data: []byte("notes")},
		}
		migrations, err := loadMigrations(fsys, "m")
		require.NoError(t, err)
		require.Len(t, migrations, 2)
		require.Equal(t, "2_kv_value.sql", migrations[0].name)
		require.Equal(t, "10_ttl_index.sql", migrations[1].name)
	})

	t.Run("bad names", func(t *testing.T) {
		for _, name := range []string{"m/schema.sql", "m/x_schema.sql", "m/0_schema.sql"} {
			_, err := loadMigrations(fstest.MapFS{name: {Data: []byte("SELECT 1")}}, "m")
			require.Error(t, err, name)
		}
	})

	t.Run("duplicate version", func(t *testing.T) {
		fsys := fstest.MapFS{
			"m/1_kv.sql":    {Data: []byte("SELECT 1")},
			"m/1_other.sql": {Data: []byte("SELECT 1")},
		}
		_, err := loadMigrations(fsys, "m")
		require.ErrorContains(t, err, "share version 1")
	})
}
