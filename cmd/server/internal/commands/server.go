package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/jobwatch/internal/api"
	"github.com/wolfeidau/jobwatch/internal/auth"
	"github.com/wolfeidau/jobwatch/internal/events"
	"github.com/wolfeidau/jobwatch/internal/jobs"
	"github.com/wolfeidau/jobwatch/internal/logger"
	"github.com/wolfeidau/jobwatch/internal/store"
	memorystore "github.com/wolfeidau/jobwatch/internal/store/memory"
	postgresstore "github.com/wolfeidau/jobwatch/internal/store/postgres"
	redisstore "github.com/wolfeidau/jobwatch/internal/store/redis"
	"github.com/wolfeidau/jobwatch/internal/stream"
	"github.com/wolfeidau/jobwatch/internal/telemetry"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

type ServerCmd struct {
	// Server configuration
	Listen string `help:"HTTP server listen address" default:"0.0.0.0:8080" env:"JOBWATCH_LISTEN"`
	Cert   string `help:"path to TLS cert file, serves cleartext HTTP/2 when empty" default:"" env:"JOBWATCH_TLS_CERT"`
	Key    string `help:"path to TLS key file" default:"" env:"JOBWATCH_TLS_KEY"`

	// CORS configuration
	CORSOrigins []string `help:"allowed CORS origins for browser requests" env:"JOBWATCH_CORS_ORIGINS"`

	// Authentication
	APIKeySecret string `help:"secret used to sign namespace API keys" env:"JOBWATCH_API_KEY_SECRET"`
	JWTPublicKey string `help:"PEM encoded ES256 public key for dashboard user tokens" env:"JOBWATCH_JWT_PUBLIC_KEY"`

	// Development and operational modes
	NoAuth  bool `help:"accept every dashboard request as the dev user (development only)" default:"false" env:"JOBWATCH_NO_AUTH"`
	Tracing bool `help:"export traces and metrics over OTLP" default:"false" env:"JOBWATCH_TRACING"`
	Metrics bool `help:"serve Prometheus metrics on /metrics" default:"false" env:"JOBWATCH_METRICS"`

	// Job lifecycle
	DefaultTimeout    time.Duration `help:"timeout of jobs created without one" default:"10m" env:"JOBWATCH_DEFAULT_TIMEOUT"`
	Retention         time.Duration `help:"how long job records are kept" default:"720h" env:"JOBWATCH_RETENTION"`
	HeartbeatInterval time.Duration `help:"interval between stream heartbeats" default:"1s" env:"JOBWATCH_HEARTBEAT_INTERVAL"`

	// Store configuration
	StoreType     string             `help:"store type (memory, redis or postgres)" default:"memory" env:"JOBWATCH_STORE_TYPE" enum:"memory,redis,postgres"`
	RedisStore    RedisStoreFlags    `embed:"" prefix:"redis-"`
	PostgresStore PostgresStoreFlags `embed:"" prefix:"postgres-"`
}

type RedisStoreFlags struct {
	URL      string `help:"Redis or Valkey URL" default:"redis://localhost:6379/0" env:"JOBWATCH_REDIS_URL"`
	Username string `help:"Redis username" env:"JOBWATCH_REDIS_USERNAME"`
	Password string `help:"Redis password" env:"JOBWATCH_REDIS_PASSWORD"`
}

type PostgresStoreFlags struct {
	// Connection Configuration
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Connection Pool Configuration
	MaxConns        int32         `help:"maximum number of connections in pool" default:"10"`
	MinConns        int32         `help:"minimum number of connections in pool" default:"1"`
	MaxConnLifetime time.Duration `help:"maximum connection lifetime" default:"1h"`
	MaxConnIdleTime time.Duration `help:"maximum connection idle time" default:"30m"`
	QueryTimeout    time.Duration `help:"server side bound on each job store statement" default:"10s"`

	// Expiry
	SweepInterval time.Duration `help:"interval between expired record sweeps" default:"1m"`

	// Migration Configuration
	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"JOBWATCH_POSTGRES_AUTO_MIGRATE"`
}

func (s *PostgresStoreFlags) Validate() error {
	if s.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}
	return nil
}

func (c *ServerCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Dev)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx)

	log.Info().Str("version", globals.Version).Bool("dev", globals.Dev).Msg("Starting server")

	tel, err := telemetry.InitTelemetry(ctx, "jobwatch-server", globals.Version, telemetry.Options{
		OTLP:       c.Tracing,
		Prometheus: c.Metrics,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
		tel = &telemetry.Telemetry{}
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown telemetry")
		}
	}()

	keys, err := auth.NewKeySigner(c.APIKeySecret)
	if err != nil {
		return fmt.Errorf("invalid API key configuration (--api-key-secret or JOBWATCH_API_KEY_SECRET): %w", err)
	}

	var users auth.Authenticator
	if c.NoAuth {
		log.Warn().Msg("Authentication is disabled (--no-auth). This should only be used in development!")
		users = auth.NoAuth{}
	} else {
		verifier, err := auth.NewJWTVerifierFromPEM(c.JWTPublicKey)
		if err != nil {
			return fmt.Errorf("invalid JWT public key (--jwt-public-key or JOBWATCH_JWT_PUBLIC_KEY): %w", err)
		}
		users = verifier
	}

	backend, err := c.openBackend(ctx, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close store")
		}
	}()

	fanout, err := events.New(ctx, backend, log)
	if err != nil {
		return fmt.Errorf("failed to start event fanout: %w", err)
	}
	defer func() {
		if err := fanout.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close event fanout")
		}
	}()

	jobStore := jobs.NewStore(backend, fanout, jobs.Config{
		DefaultTimeout: c.DefaultTimeout,
		Retention:      c.Retention,
	}, jobs.WithLogger(logger.Module(log, "jobs")))
	defer jobStore.Close()

	var opts []api.Option
	if len(c.CORSOrigins) > 0 {
		opts = append(opts, api.WithCORSOrigins(c.CORSOrigins...))
	}
	if tel.MetricsHandler != nil {
		opts = append(opts, api.WithMetricsHandler(tel.MetricsHandler))
	}

	streams := stream.NewServer(fanout, stream.WithHeartbeatInterval(c.HeartbeatInterval))
	apiServer := api.New(jobStore, streams, keys, users, opts...)

	handler, err := apiServer.Handler(log)
	if err != nil {
		return fmt.Errorf("failed to build handler: %w", err)
	}

	go func() {
		cleaned, err := jobStore.Clean(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Failed to clean invalid jobs")
		} else {
			log.Info().Int("deleted", cleaned).Msg("Cleaned invalid jobs")
		}
		apiServer.SetReady(true)
	}()

	// cancelled on shutdown so open event streams return
	baseCtx, cancelStreams := context.WithCancel(ctx)
	defer cancelStreams()

	srv := configureHTTPServer(c.Listen, h2c.NewHandler(handler, &http2.Server{}))
	srv.BaseContext = func(net.Listener) context.Context { return baseCtx }

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", c.Listen).Bool("auth", !c.NoAuth).Str("store", c.StoreType).Msg("Starting HTTP server")
		errCh <- c.serve(srv)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	apiServer.SetReady(false)
	cancelStreams()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (c *ServerCmd) serve(srv *http.Server) error {
	var err error
	if c.Cert != "" || c.Key != "" {
		if _, statErr := os.Stat(c.Cert); statErr != nil {
			return fmt.Errorf("TLS certificate not found at %s: %w", c.Cert, statErr)
		}
		if _, statErr := os.Stat(c.Key); statErr != nil {
			return fmt.Errorf("TLS key not found at %s: %w", c.Key, statErr)
		}
		err = srv.ListenAndServeTLS(c.Cert, c.Key)
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (c *ServerCmd) openBackend(ctx context.Context, log zerolog.Logger) (store.Backend, error) {
	switch c.StoreType {
	case "postgres":
		if err := c.PostgresStore.Validate(); err != nil {
			return nil, err
		}
		backend, err := postgresstore.New(ctx, &postgresstore.Config{
			Pool: postgresstore.PoolConfig{
				ConnString:      c.PostgresStore.ConnString,
				MaxConns:        c.PostgresStore.MaxConns,
				MinConns:        c.PostgresStore.MinConns,
				MaxConnLifetime: c.PostgresStore.MaxConnLifetime,
				MaxConnIdleTime: c.PostgresStore.MaxConnIdleTime,
			},
			AutoMigrate:   c.PostgresStore.AutoMigrate,
			SweepInterval: c.PostgresStore.SweepInterval,
			QueryTimeout:  c.PostgresStore.QueryTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres store: %w", err)
		}
		log.Info().Bool("auto_migrate", c.PostgresStore.AutoMigrate).Msg("Using PostgreSQL store")
		return backend, nil

	case "redis":
		backend, err := redisstore.New(ctx, redisstore.Config{
			URL:      c.RedisStore.URL,
			Username: c.RedisStore.Username,
			Password: c.RedisStore.Password,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		log.Info().Msg("Using Redis store")
		return backend, nil

	default:
		log.Info().Msg("Using in-memory store")
		return memorystore.New(), nil
	}
}
