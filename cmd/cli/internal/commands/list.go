package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/wolfeidau/jobwatch/internal/client"
	"github.com/wolfeidau/jobwatch/internal/models"
)

type ListCmd struct {
	ClientFlags

	Status string `help:"Job status to filter by (running, success, failed, timeout)" default:""`
	Watch  bool   `help:"Watch for changes (refresh every 5 seconds)" default:"false"`
}

func (l *ListCmd) Run(ctx context.Context, globals *Globals) error {
	cl, err := l.newClient()
	if err != nil {
		return err
	}
	ctx = setupLogger(globals).WithContext(ctx)

	if l.Watch {
		return l.watchJobs(ctx, cl)
	}

	return l.listJobs(ctx, cl)
}

func (l *ListCmd) listJobs(ctx context.Context, cl *client.Client) error {
	jobs, err := cl.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	printJobs(os.Stdout, filterJobs(jobs, l.Status), time.Now())
	return nil
}

func (l *ListCmd) watchJobs(ctx context.Context, cl *client.Client) error {
	fmt.Println("Watching jobs (press Ctrl+C to stop)...")
	fmt.Println()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	// Print initial state
	if err := l.listJobs(ctx, cl); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// Clear screen and print updated jobs
			fmt.Print("\033[2J\033[H") // Clear screen and move cursor to top
			fmt.Printf("Jobs (updated at %s)\n", time.Now().Format("15:04:05"))
			fmt.Println()

			if err := l.listJobs(ctx, cl); err != nil {
				fmt.Printf("Error updating job list: %v\n", err)
			}
		}
	}
}

func filterJobs(jobs []*models.Job, status string) []*models.Job {
	if status == "" {
		return jobs
	}

	filtered := make([]*models.Job, 0, len(jobs))
	for _, job := range jobs {
		if strings.EqualFold(string(job.Status), status) {
			filtered = append(filtered, job)
		}
	}
	return filtered
}

func printJobs(out io.Writer, jobs []*models.Job, now time.Time) {
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs found.")
		return
	}

	// Print header
	fmt.Fprintf(out, "%-36s %-25s %-10s %-12s %-20s\n",
		"Job ID", "Name", "Status", "Runtime", "Created At")
	fmt.Fprintln(out, strings.Repeat("─", 107))

	for _, job := range jobs {
		// Truncate long names
		name := job.Name
		if len(name) > 25 {
			name = name[:22] + "..."
		}

		fmt.Fprintf(out, "%-36s %-25s %-10s %-12s %-20s\n",
			job.ID,
			name,
			job.Status,
			job.Runtime(now).Round(time.Second),
			job.Created.Format("2006-01-02 15:04:05"))
	}

	fmt.Fprintf(out, "\nTotal jobs: %d\n", len(jobs))
}
