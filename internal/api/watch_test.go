package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/jobwatch/internal/client"
	"github.com/wolfeidau/jobwatch/internal/models"
)

func TestClientWatch(t *testing.T) {
	for _, tt := range []struct {
		name string
		poll bool
	}{
		{"stream", false},
		{"json only", true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			c, err := client.New(client.Config{
				BaseURL:            env.srv.URL,
				APIKey:             env.readKey,
				WatchTimeout:       5 * time.Second,
				RetryInterval:      10 * time.Millisecond,
				PollInterval:       10 * time.Millisecond,
				MaxConnectAttempts: 500,
				Poll:               tt.poll,
			})
			require.NoError(t, err)

			type watchResult struct {
				result client.Result
				err    error
			}
			done := make(chan watchResult, 1)
			go func() {
				result, err := c.Watch(context.Background(), "build-abc")
				done <- watchResult{result, err}
			}()

			// the watcher is retrying 404s until the job exists
			time.Sleep(50 * time.Millisecond)
			job := env.create(t, "build-abc")
			require.Equal(t, models.StatusRunning, job.Status)

			time.Sleep(50 * time.Millisecond)
			env.setStatus(t, "build-abc", models.StatusSuccess)

			select {
			case got := <-done:
				require.NoError(t, got.err)
				require.Equal(t, client.OutcomeSuccess, got.result.Outcome)
				require.Equal(t, models.StatusSuccess, got.result.Job.Status)
			case <-time.After(5 * time.Second):
				t.Fatal("watch did not end")
			}
		})
	}
}
