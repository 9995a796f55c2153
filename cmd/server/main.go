package main

import (
	"github.com/alecthomas/kong"
	"github.com/wolfeidau/jobwatch/cmd/server/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Dev     bool `help:"Enable development logging." env:"JOBWATCH_DEV"`
		Version kong.VersionFlag
		Server  commands.ServerCmd `cmd:"" default:"withargs" help:"Start the job status server"`
	}
)

func main() {
	cmd := kong.Parse(&cli,
		kong.Name("jobwatch-server"),
		kong.Description("Tracks asynchronous jobs and streams their status to watchers."),
		kong.Vars{
			"version": version,
		})
	err := cmd.Run(&commands.Globals{Dev: cli.Dev, Version: version})
	cmd.FatalIfErrorf(err)
}
