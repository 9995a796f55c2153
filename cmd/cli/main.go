package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/jobwatch/cmd/cli/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Watch     commands.WatchCmd     `cmd:"" help:"Wait for a job to end"`
		Create    commands.CreateCmd    `cmd:"" help:"Create a running job"`
		Get       commands.GetCmd       `cmd:"" help:"Show a job"`
		SetStatus commands.SetStatusCmd `cmd:"" help:"Set the status of a job"`
		Delete    commands.DeleteCmd    `cmd:"" help:"Delete a job"`
		List      commands.ListCmd      `cmd:"" help:"List jobs"`
		Keygen    commands.KeygenCmd    `cmd:"" help:"Generate a namespace API key"`
		Token     commands.TokenCmd     `cmd:"" help:"Generate a dashboard JWT token"`
		Debug     bool                  `help:"Enable debug mode."`
		Version   kong.VersionFlag
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("jobwatch"),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
