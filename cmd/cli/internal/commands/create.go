package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/wolfeidau/jobwatch/internal/models"
	"gopkg.in/yaml.v3"
)

type CreateCmd struct {
	ClientFlags

	JobID   string `arg:"" help:"Job ID to create" env:"JOB_ID"`
	Name    string `help:"Display name of the job"`
	Timeout int64  `help:"Seconds before the job times out, server default when zero"`
	Config  string `help:"YAML/JSON file with name and timeout" type:"existingfile"`
}

func (c *CreateCmd) Run(ctx context.Context, globals *Globals) error {
	input, err := c.input()
	if err != nil {
		return fmt.Errorf("failed to load config file: %w", err)
	}

	cl, err := c.newClient()
	if err != nil {
		return err
	}

	job, err := cl.Create(setupLogger(globals).WithContext(ctx), c.JobID, input)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return printJSON(job)
}

// input merges the config file with the flags, flags taking precedence. It
// returns nil when nothing is set so the server applies its defaults.
func (c *CreateCmd) input() (*models.CreateInput, error) {
	var input models.CreateInput

	if c.Config != "" {
		data, err := os.ReadFile(c.Config)
		if err != nil {
			return nil, err
		}
		// YAML is a superset of JSON
		if err := yaml.Unmarshal(data, &input); err != nil {
			return nil, err
		}
	}

	if c.Name != "" {
		input.Name = &c.Name
	}
	if c.Timeout != 0 {
		input.Timeout = &c.Timeout
	}

	if input.Name == nil && input.Timeout == nil {
		return nil, nil
	}
	return &input, nil
}
