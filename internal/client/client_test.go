package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/jobwatch/internal/models"
)

const testAPIKey = "klage:read.signature"

func testJob(status models.Status) *models.Job {
	created := time.UnixMilli(1_700_000_000_000)
	job := &models.Job{
		JobKey:   models.JobKey{Namespace: "klage", ID: "build-123"},
		Created:  created,
		Modified: created,
		Timeout:  600,
		Status:   status,
	}
	if status.IsTerminal() {
		ended := created.Add(time.Minute)
		job.Ended = &ended
	}
	return job
}

func sseFrame(t *testing.T, w http.ResponseWriter, event models.EventType, data any) {
	t.Helper()

	if data == nil {
		_, _ = fmt.Fprintf(w, "event:%s\n\n", event)
	} else {
		payload, err := json.Marshal(data)
		require.NoError(t, err)
		_, _ = fmt.Fprintf(w, "event:%s\ndata:%s\n\n", event, payload)
	}
	w.(http.Flusher).Flush()
}

func startSSE(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func newTestClient(t *testing.T, handler http.HandlerFunc, mod ...func(*Config)) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := Config{
		BaseURL:       srv.URL,
		APIKey:        testAPIKey,
		RetryInterval: 5 * time.Millisecond,
		PollInterval:  5 * time.Millisecond,
		WatchTimeout:  5 * time.Second,
	}
	for _, m := range mod {
		m(&cfg)
	}

	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestWatchStreaming(t *testing.T) {
	ctx := context.Background()

	t.Run("retries until the job exists", func(t *testing.T) {
		var attempts atomic.Int32
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/jobs/build-123", r.URL.Path)
			require.Equal(t, testAPIKey, r.Header.Get(APIKeyHeader))
			require.Contains(t, r.Header.Get("Accept"), "text/event-stream")

			if attempts.Add(1) < 3 {
				http.Error(w, "Job not found", http.StatusNotFound)
				return
			}
			startSSE(w)
			sseFrame(t, w, models.EventCreated, testJob(models.StatusRunning))
			sseFrame(t, w, models.EventHeartbeat, nil)
			sseFrame(t, w, models.EventUpdated, testJob(models.StatusSuccess))
		})

		result, err := c.Watch(ctx, "build-123")
		require.NoError(t, err)
		require.Equal(t, OutcomeSuccess, result.Outcome)
		require.Equal(t, models.StatusSuccess, result.Job.Status)
		require.EqualValues(t, 3, attempts.Load())
	})

	t.Run("retries exhausted", func(t *testing.T) {
		var attempts atomic.Int32
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			http.Error(w, "Job not found", http.StatusNotFound)
		}, func(cfg *Config) { cfg.MaxConnectAttempts = 3 })

		result, err := c.Watch(ctx, "build-123")
		require.ErrorIs(t, err, ErrRetriesExhausted)
		require.True(t, IsNotFound(err))
		require.Equal(t, OutcomeError, result.Outcome)
		require.EqualValues(t, 3, attempts.Load())
	})

	t.Run("unexpected status is fatal", func(t *testing.T) {
		var attempts atomic.Int32
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			http.Error(w, "Unauthorized", http.StatusForbidden)
		})

		result, err := c.Watch(ctx, "build-123")
		require.ErrorIs(t, err, ErrUnexpectedStatus)
		require.NotErrorIs(t, err, ErrRetriesExhausted)
		require.Equal(t, OutcomeError, result.Outcome)
		require.EqualValues(t, 1, attempts.Load())

		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
		require.Equal(t, http.StatusForbidden, statusErr.StatusCode)
		require.Equal(t, "Unauthorized", statusErr.Body)
	})

	t.Run("unexpected content type", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, "<html></html>")
		})

		result, err := c.Watch(ctx, "build-123")
		require.ErrorIs(t, err, ErrProtocol)
		require.Equal(t, OutcomeError, result.Outcome)
	})

	t.Run("malformed and unknown frames are skipped", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			startSSE(w)
			_, _ = io.WriteString(w, "event:updated\ndata:{not json\n\n")
			_, _ = io.WriteString(w, "event:something\ndata:{}\n\n")
			_, _ = io.WriteString(w, "data:{}\n\n")
			_, _ = io.WriteString(w, `event:updated`+"\n"+`data:{"id":"build-123","namespace":"klage","status":"RUNNING"}`+"\n\n")
			sseFrame(t, w, models.EventUpdated, testJob(models.StatusFailed))
		})

		result, err := c.Watch(ctx, "build-123")
		require.NoError(t, err)
		require.Equal(t, OutcomeFailed, result.Outcome)
	})

	t.Run("reconnects after the stream ends early", func(t *testing.T) {
		var connections atomic.Int32
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			startSSE(w)
			if connections.Add(1) == 1 {
				sseFrame(t, w, models.EventCreated, testJob(models.StatusRunning))
				return
			}
			sseFrame(t, w, models.EventCreated, testJob(models.StatusTimeout))
		})

		result, err := c.Watch(ctx, "build-123")
		require.NoError(t, err)
		require.Equal(t, OutcomeTimeout, result.Outcome)
		require.EqualValues(t, 2, connections.Load())
	})

	t.Run("deleted job ends the watch with an error", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			startSSE(w)
			sseFrame(t, w, models.EventCreated, testJob(models.StatusRunning))
			sseFrame(t, w, models.EventDeleted, testJob(models.StatusRunning).JobKey)
		})

		result, err := c.Watch(ctx, "build-123")
		require.ErrorIs(t, err, ErrDeleted)
		require.Equal(t, OutcomeError, result.Outcome)
		require.Equal(t, models.StatusRunning, result.Job.Status)
	})

	t.Run("deadline while running", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			startSSE(w)
			sseFrame(t, w, models.EventCreated, testJob(models.StatusRunning))
			ticker := time.NewTicker(10 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-r.Context().Done():
					return
				case <-ticker.C:
					sseFrame(t, w, models.EventHeartbeat, nil)
				}
			}
		}, func(cfg *Config) { cfg.WatchTimeout = 100 * time.Millisecond })

		result, err := c.Watch(ctx, "build-123")
		require.NoError(t, err)
		require.Equal(t, OutcomeRunning, result.Outcome)
		require.Equal(t, models.StatusRunning, result.Job.Status)
	})
}

func TestWatchPolling(t *testing.T) {
	ctx := context.Background()

	t.Run("polls until terminal and revalidates unchanged snapshots", func(t *testing.T) {
		var (
			mu          sync.Mutex
			requests    int
			notModified int
		)
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			defer mu.Unlock()
			requests++

			job, etag := testJob(models.StatusRunning), `"running"`
			if requests >= 4 {
				job, etag = testJob(models.StatusFailed), `"failed"`
			}

			if r.Header.Get("If-None-Match") == etag {
				notModified++
				w.WriteHeader(http.StatusNotModified)
				return
			}
			w.Header().Set("ETag", etag)
			w.Header().Set("Cache-Control", "no-cache")
			writeJSON(t, w, job)
		})

		result, err := c.Watch(ctx, "build-123")
		require.NoError(t, err)
		require.Equal(t, OutcomeFailed, result.Outcome)

		mu.Lock()
		defer mu.Unlock()
		require.Equal(t, 4, requests)
		require.Equal(t, 1, notModified)
	})

	t.Run("terminal first snapshot", func(t *testing.T) {
		var requests atomic.Int32
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			writeJSON(t, w, testJob(models.StatusSuccess))
		})

		result, err := c.Watch(ctx, "build-123")
		require.NoError(t, err)
		require.Equal(t, OutcomeSuccess, result.Outcome)
		require.EqualValues(t, 1, requests.Load())
	})

	t.Run("malformed snapshots are skipped", func(t *testing.T) {
		var requests atomic.Int32
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			switch requests.Add(1) {
			case 1:
				writeJSON(t, w, testJob(models.StatusRunning))
			case 2:
				w.Header().Set("Content-Type", "application/json")
				_, _ = io.WriteString(w, `{"status":"DONE"}`)
			default:
				writeJSON(t, w, testJob(models.StatusSuccess))
			}
		})

		result, err := c.Watch(ctx, "build-123")
		require.NoError(t, err)
		require.Equal(t, OutcomeSuccess, result.Outcome)
		require.EqualValues(t, 3, requests.Load())
	})

	t.Run("deleted while polling", func(t *testing.T) {
		var requests atomic.Int32
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if requests.Add(1) == 1 {
				writeJSON(t, w, testJob(models.StatusRunning))
				return
			}
			http.Error(w, "Job not found", http.StatusNotFound)
		})

		result, err := c.Watch(ctx, "build-123")
		require.True(t, IsNotFound(err))
		require.Equal(t, OutcomeError, result.Outcome)
	})

	t.Run("json only client retries until the job exists", func(t *testing.T) {
		var requests atomic.Int32
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "application/json", r.Header.Get("Accept"))

			switch n := requests.Add(1); {
			case n <= 2:
				http.Error(w, "Job not found", http.StatusNotFound)
			case n == 3:
				writeJSON(t, w, testJob(models.StatusRunning))
			default:
				writeJSON(t, w, testJob(models.StatusSuccess))
			}
		}, func(cfg *Config) { cfg.Poll = true })

		result, err := c.Watch(ctx, "build-123")
		require.NoError(t, err)
		require.Equal(t, OutcomeSuccess, result.Outcome)
		require.EqualValues(t, 4, requests.Load())
	})

	t.Run("deadline before the job exists", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Job not found", http.StatusNotFound)
		}, func(cfg *Config) {
			cfg.WatchTimeout = 50 * time.Millisecond
			cfg.MaxConnectAttempts = 1000
		})

		result, err := c.Watch(ctx, "build-123")
		require.ErrorIs(t, err, ErrJobNotSeen)
		require.Equal(t, OutcomeError, result.Outcome)
		require.Nil(t, result.Job)
	})

	t.Run("deadline while running", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(t, w, testJob(models.StatusRunning))
		}, func(cfg *Config) { cfg.WatchTimeout = 50 * time.Millisecond })

		result, err := c.Watch(ctx, "build-123")
		require.NoError(t, err)
		require.Equal(t, OutcomeRunning, result.Outcome)
	})
}

func TestReadFrames(t *testing.T) {
	input := "event:created\r\ndata: {\"a\":1}\r\n\r\n\n\nevent:heartbeat\n\nevent:updated\ndata:{}\n"

	var frames []frame
	err := readFrames(strings.NewReader(input), func(f frame) bool {
		frames = append(frames, f)
		return true
	})
	require.NoError(t, err)
	// the last frame has no terminating blank line
	require.Equal(t, []frame{
		{event: "created", data: `{"a":1}`},
		{event: "heartbeat"},
	}, frames)
}

func TestHandle(t *testing.T) {
	tests := []struct {
		status  models.Status
		outcome Outcome
		done    bool
	}{
		{models.StatusRunning, OutcomeRunning, false},
		{models.StatusSuccess, OutcomeSuccess, true},
		{models.StatusFailed, OutcomeFailed, true},
		{models.StatusTimeout, OutcomeTimeout, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			outcome, done := Handle(testJob(tt.status))
			require.Equal(t, tt.outcome, outcome)
			require.Equal(t, tt.done, done)
		})
	}
}

func TestJobOperations(t *testing.T) {
	ctx := context.Background()

	var (
		mu    sync.Mutex
		calls []string
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path+" "+string(body))
		mu.Unlock()

		require.Equal(t, testAPIKey, r.Header.Get(APIKeyHeader))

		switch r.Method + " " + r.URL.Path {
		case "POST /jobs/build-123":
			require.Equal(t, "application/json", r.Header.Get("Content-Type"))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			require.NoError(t, json.NewEncoder(w).Encode(testJob(models.StatusRunning)))
		case "PUT /jobs/build-123/status":
			writeJSON(t, w, testJob(models.StatusSuccess))
		case "GET /jobs":
			writeJSON(t, w, []*models.Job{testJob(models.StatusSuccess)})
		case "DELETE /jobs/build-123":
			_, _ = io.WriteString(w, "Deleted job")
		default:
			http.NotFound(w, r)
		}
	})

	name := "nightly"
	job, err := c.Create(ctx, "build-123", &models.CreateInput{Name: &name})
	require.NoError(t, err)
	require.Equal(t, models.StatusRunning, job.Status)

	job, err = c.SetStatus(ctx, "build-123", models.StatusSuccess)
	require.NoError(t, err)
	require.Equal(t, models.StatusSuccess, job.Status)

	jobs, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.NoError(t, c.Delete(ctx, "build-123"))

	err = c.Delete(ctx, "missing-job")
	require.True(t, IsNotFound(err))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{
		`POST /jobs/build-123 {"name":"nightly"}`,
		"PUT /jobs/build-123/status SUCCESS",
		"GET /jobs ",
		"DELETE /jobs/build-123 ",
		"DELETE /jobs/missing-job ",
	}, calls)
}

func TestParseStatus(t *testing.T) {
	status, err := ParseStatus(" success ")
	require.NoError(t, err)
	require.Equal(t, models.StatusSuccess, status)

	_, err = ParseStatus("TIMEOUT")
	require.Error(t, err)
}
