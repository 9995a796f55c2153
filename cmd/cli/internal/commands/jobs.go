package commands

import (
	"context"
	"fmt"

	"github.com/wolfeidau/jobwatch/internal/client"
)

type GetCmd struct {
	ClientFlags

	JobID string `arg:"" help:"Job ID" env:"JOB_ID"`
}

func (g *GetCmd) Run(ctx context.Context, globals *Globals) error {
	cl, err := g.newClient()
	if err != nil {
		return err
	}

	job, err := cl.Get(setupLogger(globals).WithContext(ctx), g.JobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}

	return printJSON(job)
}

type SetStatusCmd struct {
	ClientFlags

	JobID  string `arg:"" help:"Job ID" env:"JOB_ID"`
	Status string `arg:"" help:"New status (RUNNING, SUCCESS or FAILED)" enum:"RUNNING,SUCCESS,FAILED,running,success,failed"`
}

func (s *SetStatusCmd) Run(ctx context.Context, globals *Globals) error {
	status, err := client.ParseStatus(s.Status)
	if err != nil {
		return err
	}

	cl, err := s.newClient()
	if err != nil {
		return err
	}

	job, err := cl.SetStatus(setupLogger(globals).WithContext(ctx), s.JobID, status)
	if err != nil {
		return fmt.Errorf("failed to set job status: %w", err)
	}

	return printJSON(job)
}

type DeleteCmd struct {
	ClientFlags

	JobID string `arg:"" help:"Job ID" env:"JOB_ID"`
}

func (d *DeleteCmd) Run(ctx context.Context, globals *Globals) error {
	cl, err := d.newClient()
	if err != nil {
		return err
	}

	if err := cl.Delete(setupLogger(globals).WithContext(ctx), d.JobID); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	fmt.Printf("Deleted job %s\n", d.JobID)
	return nil
}
