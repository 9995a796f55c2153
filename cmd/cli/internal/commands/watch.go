package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wolfeidau/jobwatch/internal/client"
	"github.com/wolfeidau/jobwatch/internal/models"
)

var ErrJobNotSucceeded = errors.New("job did not succeed")

type WatchCmd struct {
	ClientFlags

	JobID         string        `arg:"" help:"Job ID to watch" env:"JOB_ID"`
	Namespace     string        `help:"Namespace of the job, used in the summary" env:"NAMESPACE"`
	Timeout       int           `help:"Seconds to wait for the job to end" default:"600" env:"TIMEOUT"`
	PollInterval  time.Duration `help:"Interval between polls when the server does not stream" default:"1s"`
	RetryInterval time.Duration `help:"Interval between connection attempts" default:"1s"`
	MaxAttempts   uint          `help:"Connection attempts before giving up" default:"30"`
	MaxReconnects uint          `help:"Reconnect attempts after a stream ends early" default:"30"`
	CacheDir      string        `help:"Directory for the polling HTTP cache, in memory when empty"`
	Poll          bool          `help:"Poll JSON snapshots instead of holding an event stream" env:"POLL"`
	Fail          bool          `help:"Exit non-zero when the job fails or times out" default:"true" negatable:"" env:"FAIL"`
	FailOnUnknown bool          `help:"Exit non-zero when the job is still running at the deadline" default:"false" env:"FAIL_ON_UNKNOWN"`
}

func (w *WatchCmd) Run(globals *Globals) error {
	log := setupLogger(globals)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx)

	if w.APIKey == "" {
		return fmt.Errorf("API key is required (--api-key or API_KEY)")
	}

	cfg := w.config()
	cfg.WatchTimeout = time.Duration(w.Timeout) * time.Second
	cfg.PollInterval = w.PollInterval
	cfg.RetryInterval = w.RetryInterval
	cfg.MaxConnectAttempts = w.MaxAttempts
	cfg.MaxReconnectAttempts = w.MaxReconnects
	cfg.CacheDir = w.CacheDir
	cfg.Poll = w.Poll

	c, err := client.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	log.Info().Str("job_id", w.JobID).Str("server", w.Server).Msgf("Watching %s", w.jobName(nil))

	result, watchErr := c.Watch(ctx, w.JobID)
	if watchErr != nil {
		log.Error().Err(watchErr).Msgf("%s - watch failed", w.jobName(result.Job))
	}

	status, failed := resolveOutcome(result.Outcome, w.Fail, w.FailOnUnknown)

	if err := writeOutput("status", status); err != nil {
		log.Warn().Err(err).Msg("Failed to write step output")
	}
	if result.Job != nil {
		if err := w.writeSummary(result, time.Now()); err != nil {
			log.Warn().Err(err).Msg("Failed to write summary")
		}
	}

	if watchErr != nil {
		return watchErr
	}
	if failed {
		return fmt.Errorf("%w: %s", ErrJobNotSucceeded, result.Outcome)
	}
	return nil
}

// resolveOutcome maps a watch outcome to the reported status and whether the
// command fails. Failed and timed out jobs only fail the command when fail is
// set; a job still running at the deadline only when failOnUnknown is set.
func resolveOutcome(outcome client.Outcome, fail, failOnUnknown bool) (string, bool) {
	switch outcome {
	case client.OutcomeSuccess:
		return "success", false
	case client.OutcomeFailed, client.OutcomeTimeout:
		if fail {
			return string(outcome), true
		}
		return "success", false
	case client.OutcomeRunning:
		if failOnUnknown {
			return "failed", true
		}
		return "success", false
	default:
		return "error", true
	}
}

func (w *WatchCmd) jobName(job *models.Job) string {
	namespace := w.Namespace
	if job != nil {
		namespace = job.Namespace
	}
	if job == nil || job.Name == "" {
		return fmt.Sprintf("Job %q in namespace %q", w.JobID, namespace)
	}
	return fmt.Sprintf("Job %q (%s) in namespace %q", job.Name, w.JobID, namespace)
}

// writeOutput appends name=value to the GitHub Actions step outputs when running
// in a workflow.
func writeOutput(name, value string) error {
	path := os.Getenv("GITHUB_OUTPUT")
	if path == "" {
		return nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "%s=%s\n", name, value)
	return err
}

// writeSummary writes the job summary to the workflow step summary, or to
// stdout outside a workflow.
func (w *WatchCmd) writeSummary(result client.Result, now time.Time) error {
	path := os.Getenv("GITHUB_STEP_SUMMARY")
	if path == "" {
		return renderSummary(os.Stdout, result, w.Server, now)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return renderSummary(f, result, w.Server, now)
}

const summaryTimeFormat = "02.01.2006 15:04:05"

func renderSummary(out io.Writer, result client.Result, server string, now time.Time) error {
	job := result.Job

	name := job.Name
	if name == "" {
		name = "<Unnamed>"
	}

	heading := map[client.Outcome]string{
		client.OutcomeSuccess: "succeeded",
		client.OutcomeFailed:  "failed",
		client.OutcomeTimeout: "timed out",
		client.OutcomeRunning: "is running",
		client.OutcomeError:   "could not be watched",
	}[result.Outcome]

	ended := "Still running"
	if job.Ended != nil {
		ended = job.Ended.Format(summaryTimeFormat)
	}

	query := url.Values{}
	query.Set("namespace", job.Namespace)
	query.Set("status", string(job.Status))
	if job.Name != "" {
		query.Set("name", job.Name)
	}

	rows := [][2]string{
		{"Job Name", name},
		{"Status", string(job.Status)},
		{"Runtime", job.Runtime(now).Round(time.Second).String()},
		{"Job ID", job.ID},
		{"Namespace", job.Namespace},
		{"Timeout", (time.Duration(job.Timeout) * time.Second).String()},
		{"Job URL", server + "/jobs/" + url.PathEscape(job.ID)},
		{"Created", job.Created.Format(summaryTimeFormat)},
		{"Modified", job.Modified.Format(summaryTimeFormat)},
		{"Ended", ended},
	}

	if _, err := fmt.Fprintf(out, "## Job %q %s\n\n| | |\n|---|---|\n", name, heading); err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := fmt.Fprintf(out, "| **%s** | %s |\n", row[0], row[1]); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(out, "\n[See job status](%s?%s)\n", server, query.Encode())
	return err
}
