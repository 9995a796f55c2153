package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/jobwatch/internal/client"
	"github.com/wolfeidau/jobwatch/internal/models"
)

func TestResolveOutcome(t *testing.T) {
	tests := []struct {
		name          string
		outcome       client.Outcome
		fail          bool
		failOnUnknown bool
		wantStatus    string
		wantFailed    bool
	}{
		{"success", client.OutcomeSuccess, true, false, "success", false},
		{"failed", client.OutcomeFailed, true, false, "failed", true},
		{"failed ignored", client.OutcomeFailed, false, false, "success", false},
		{"timeout", client.OutcomeTimeout, true, false, "timeout", true},
		{"timeout ignored", client.OutcomeTimeout, false, false, "success", false},
		{"running", client.OutcomeRunning, true, false, "success", false},
		{"running fails on unknown", client.OutcomeRunning, true, true, "failed", true},
		{"error", client.OutcomeError, false, false, "error", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, failed := resolveOutcome(tt.outcome, tt.fail, tt.failOnUnknown)
			require.Equal(t, tt.wantStatus, status)
			require.Equal(t, tt.wantFailed, failed)
		})
	}
}

func TestRenderSummary(t *testing.T) {
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	ended := created.Add(90 * time.Second)
	job := &models.Job{
		JobKey:   models.JobKey{Namespace: "klage", ID: "build-123"},
		Name:     "Deploy",
		Created:  created,
		Modified: ended,
		Ended:    &ended,
		Timeout:  600,
		Status:   models.StatusFailed,
	}

	var buf bytes.Buffer
	err := renderSummary(&buf, client.Result{Outcome: client.OutcomeFailed, Job: job}, "https://jobs.example.com", ended)
	require.NoError(t, err)

	out := buf.String()
	require.Contains(t, out, `## Job "Deploy" failed`)
	require.Contains(t, out, "| **Runtime** | 1m30s |")
	require.Contains(t, out, "| **Timeout** | 10m0s |")
	require.Contains(t, out, "| **Job URL** | https://jobs.example.com/jobs/build-123 |")
	require.Contains(t, out, "| **Ended** | 01.03.2025 10:01:30 |")
	require.Contains(t, out, "[See job status](https://jobs.example.com?name=Deploy&namespace=klage&status=FAILED)")
}

func TestWriteOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "output")
	t.Setenv("GITHUB_OUTPUT", path)

	require.NoError(t, writeOutput("status", "success"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "status=success\n", string(data))
}

func TestCreateInput(t *testing.T) {
	dir := t.TempDir()

	t.Run("no input", func(t *testing.T) {
		input, err := (&CreateCmd{}).input()
		require.NoError(t, err)
		require.Nil(t, input)
	})

	t.Run("yaml file", func(t *testing.T) {
		path := filepath.Join(dir, "job.yaml")
		require.NoError(t, os.WriteFile(path, []byte("name: Deploy\ntimeout: 120\n"), 0o600))

		input, err := (&CreateCmd{Config: path}).input()
		require.NoError(t, err)
		require.Equal(t, "Deploy", *input.Name)
		require.EqualValues(t, 120, *input.Timeout)
	})

	t.Run("json file with flag override", func(t *testing.T) {
		path := filepath.Join(dir, "job.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"name":"Deploy","timeout":120}`), 0o600))

		input, err := (&CreateCmd{Config: path, Timeout: 30}).input()
		require.NoError(t, err)
		require.Equal(t, "Deploy", *input.Name)
		require.EqualValues(t, 30, *input.Timeout)
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("name: [unclosed"), 0o600))

		_, err := (&CreateCmd{Config: path}).input()
		require.Error(t, err)
	})
}

func TestPrintJobs(t *testing.T) {
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	jobs := []*models.Job{
		{JobKey: models.JobKey{Namespace: "klage", ID: "build-1"}, Created: created, Modified: created, Timeout: 600, Status: models.StatusRunning},
		{JobKey: models.JobKey{Namespace: "klage", ID: "build-2"}, Created: created, Modified: created, Timeout: 600, Status: models.StatusSuccess, Ended: &created},
	}

	var buf bytes.Buffer
	printJobs(&buf, filterJobs(jobs, "success"), created.Add(time.Minute))
	require.Contains(t, buf.String(), "build-2")
	require.NotContains(t, buf.String(), "build-1")
	require.Contains(t, buf.String(), "Total jobs: 1")

	buf.Reset()
	printJobs(&buf, nil, created)
	require.Equal(t, "No jobs found.\n", buf.String())
}
