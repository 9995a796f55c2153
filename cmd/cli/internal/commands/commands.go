package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/jobwatch/internal/client"
	"github.com/wolfeidau/jobwatch/internal/logger"
)

type Globals struct {
	Debug   bool
	Version string
}

// ClientFlags are shared by every command that talks to the server.
type ClientFlags struct {
	Server         string        `help:"Server URL" default:"http://localhost:8080" env:"JOBWATCH_URL"`
	APIKey         string        `help:"Namespace API key" env:"API_KEY"`
	RequestTimeout time.Duration `help:"Timeout for each request" default:"30s"`
}

func (f ClientFlags) config() client.Config {
	cfg := client.DefaultConfig()
	cfg.BaseURL = f.Server
	cfg.APIKey = f.APIKey
	cfg.RequestTimeout = f.RequestTimeout
	return cfg
}

func (f ClientFlags) newClient() (*client.Client, error) {
	if f.APIKey == "" {
		return nil, fmt.Errorf("API key is required (--api-key or API_KEY)")
	}
	return client.New(f.config())
}

func setupLogger(globals *Globals) zerolog.Logger {
	return logger.Setup(globals.Debug)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
