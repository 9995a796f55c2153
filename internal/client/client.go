// Package client talks to the job status API. Watch follows a job over a
// server-sent event stream, or by polling when the server only offers JSON,
// until the job ends or the watch deadline passes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/jobwatch/internal/models"
)

const (
	APIKeyHeader = "API_KEY"

	contentTypeJSON = "application/json"
	contentTypeSSE  = "text/event-stream"

	maxErrorBody = 512
)

// Config holds common client configuration
type Config struct {
	BaseURL string
	APIKey  string

	// RequestTimeout bounds each request until its response headers arrive.
	RequestTimeout time.Duration
	// WatchTimeout bounds a whole Watch. Zero means no deadline.
	WatchTimeout time.Duration

	RetryInterval        time.Duration
	PollInterval         time.Duration
	MaxConnectAttempts   uint
	MaxReconnectAttempts uint

	// CacheDir persists the polling HTTP cache. Empty keeps it in memory.
	CacheDir string

	// Poll asks for JSON snapshots only, for networks that buffer event streams.
	Poll bool
}

// DefaultConfig returns a default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL:              "http://localhost:8080",
		RequestTimeout:       30 * time.Second,
		WatchTimeout:         10 * time.Minute,
		RetryInterval:        time.Second,
		PollInterval:         time.Second,
		MaxConnectAttempts:   30,
		MaxReconnectAttempts: 30,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.BaseURL == "" {
		c.BaseURL = def.BaseURL
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = def.RetryInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.MaxConnectAttempts == 0 {
		c.MaxConnectAttempts = def.MaxConnectAttempts
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
}

// Client is an API client scoped to the namespace of its API key.
type Client struct {
	cfg     Config
	baseURL *url.URL
	// stream has no overall timeout so event streams can stay open.
	stream *http.Client
	// poll caches job snapshots between polls.
	poll *http.Client
}

func New(cfg Config) (*Client, error) {
	cfg.applyDefaults()

	baseURL, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.RequestTimeout

	return &Client{
		cfg:     cfg,
		baseURL: baseURL,
		stream:  &http.Client{Transport: transport},
		poll:    newCachingHTTPClient(transport, cfg.CacheDir),
	}, nil
}

var errWatchDeadline = errors.New("watch deadline elapsed")

// Watch follows the job until it ends. Failures are returned together with
// an OutcomeError result. A watch whose deadline passes returns
// OutcomeRunning and no error, or ErrJobNotSeen when the job never appeared.
func (c *Client) Watch(ctx context.Context, id string) (Result, error) {
	if c.cfg.WatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, c.cfg.WatchTimeout, errWatchDeadline)
		defer cancel()
	}

	w := &watch{client: c, id: id, log: zerolog.Ctx(ctx).With().Str("job_id", id).Logger()}

	result, err := w.run(ctx)
	if err != nil && context.Cause(ctx) == errWatchDeadline {
		if w.last == nil {
			w.log.Warn().Msg("Watch deadline elapsed before the job was seen")
			return Result{Outcome: OutcomeError}, ErrJobNotSeen
		}
		w.log.Info().Msg("Watch deadline elapsed")
		return Result{Outcome: OutcomeRunning, Job: w.last}, nil
	}
	if err != nil {
		return Result{Outcome: OutcomeError, Job: w.last}, err
	}
	return result, nil
}

type watch struct {
	client *Client
	id     string
	log    zerolog.Logger
	last   *models.Job
}

func (w *watch) run(ctx context.Context) (Result, error) {
	res, err := w.client.connect(ctx, w.id, w.client.cfg.MaxConnectAttempts)
	if err != nil {
		return Result{}, err
	}

	for {
		mediaType, _, _ := mime.ParseMediaType(res.Header.Get("Content-Type"))

		switch mediaType {
		case contentTypeSSE:
			result, done, err := w.readStream(ctx, res.Body)
			_ = res.Body.Close()
			if err != nil || done {
				return result, err
			}
			if ctx.Err() != nil {
				return Result{}, context.Cause(ctx)
			}

			w.log.Warn().Msg("Stream ended before the job did, reconnecting")
			res, err = w.client.connect(ctx, w.id, w.client.cfg.MaxReconnectAttempts)
			if err != nil {
				return Result{}, err
			}
		case contentTypeJSON:
			return w.poll(ctx, res)
		default:
			_ = res.Body.Close()
			return Result{}, fmt.Errorf("%w: unexpected content type %q", ErrProtocol, res.Header.Get("Content-Type"))
		}
	}
}

// handle records job and reports whether it ends the watch.
func (w *watch) handle(job *models.Job) (Result, bool) {
	w.last = job

	outcome, done := Handle(job)
	w.log.Info().
		Str("status", string(job.Status)).
		Dur("runtime", job.Runtime(time.Now())).
		Msg("Job status")

	return Result{Outcome: outcome, Job: job}, done
}

// connect requests the job, retrying 404s and transport failures every
// RetryInterval for at most maxTries attempts. Any other non-2xx status is
// returned immediately.
func (c *Client) connect(ctx context.Context, id string, maxTries uint) (*http.Response, error) {
	log := zerolog.Ctx(ctx)
	attempts := 0

	res, err := backoff.Retry(ctx, func() (*http.Response, error) {
		attempts++

		req, err := c.newRequest(ctx, http.MethodGet, c.jobPath(id), nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if c.cfg.Poll {
			req.Header.Set("Accept", contentTypeJSON)
		} else {
			req.Header.Set("Accept", contentTypeSSE+", "+contentTypeJSON)
		}

		res, err := c.stream.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(context.Cause(ctx))
			}
			log.Warn().Err(err).Int("attempt", attempts).Msg("Request failed, retrying")
			return nil, fmt.Errorf("%w: %w", ErrTransport, err)
		}

		if res.StatusCode >= 200 && res.StatusCode < 300 {
			return res, nil
		}

		statusErr := readStatusError(res)
		if res.StatusCode == http.StatusNotFound {
			log.Info().Int("attempt", attempts).Msg("Job not found yet, retrying")
			return nil, statusErr
		}
		return nil, backoff.Permanent(statusErr)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.cfg.RetryInterval)),
		backoff.WithMaxTries(maxTries),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil {
		if errors.Is(err, ErrTransport) || IsNotFound(err) {
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, err)
		}
		return nil, err
	}

	return res, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			if err != nil {
				return nil, fmt.Errorf("failed to encode request body: %w", err)
			}
			reader = bytes.NewReader(data)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.JoinPath(path).String(), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set(APIKeyHeader, c.cfg.APIKey)
	}
	if _, ok := body.(string); ok {
		req.Header.Set("Content-Type", "text/plain")
	} else if body != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	return req, nil
}

func (c *Client) jobPath(id string) string {
	return "jobs/" + url.PathEscape(id)
}

// readStatusError consumes and closes the body of a rejected response.
func readStatusError(res *http.Response) *StatusError {
	defer res.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
	return &StatusError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(body))}
}
