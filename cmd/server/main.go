// Package main is the entry point for the calendar sync engine.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/calendar-sync-engine/backend/internal/config"
	"github.com/calendar-sync-engine/backend/internal/logging"
)

// version is set at build time via -ldflags "-X main.version=x.y.z".
var version = "dev"

func main() {
	if envVer := os.Getenv("VERSION"); envVer != "" {
		version = envVer
	}

	app := &cli.App{
		Name:    "calendar-sync",
		Usage:   "bidirectional sync between internal events and an external calendar provider",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "HTTP server address (overrides ADDR)"},
			&cli.StringFlag{Name: "data", Usage: "data directory for the sqlite database (overrides DATA_DIR)"},
			&cli.StringFlag{Name: "database-url", Usage: "postgres URL (overrides DATABASE_URL)"},
			&cli.StringFlag{Name: "log-level", Usage: "log level (overrides LOG_LEVEL)"},
			&cli.StringFlag{Name: "log-format", Usage: "text or json (overrides LOG_FORMAT)"},
			&cli.IntFlag{Name: "workers", Usage: "sync workers (overrides QUEUE_WORKERS)"},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP server, sync workers and scheduler",
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "apply database migrations and exit",
				Action: migrate,
			},
			{
				Name:   "health-check",
				Usage:  "probe a running server's /api/health endpoint",
				Action: healthCheck,
			},
			{
				Name:  "full-sync",
				Usage: "run a full sync of one integration and drain the resulting jobs",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "integration", Usage: "integration ID", Required: true},
				},
				Action: fullSync,
			},
			{
				Name:   "renew",
				Usage:  "renew subscriptions that are due and validate subscription health",
				Action: renew,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies command-line overrides.
func loadConfig(c *cli.Context) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if c.IsSet("addr") {
		cfg.Server.Addr = c.String("addr")
	}
	if c.IsSet("data") {
		cfg.Server.DataDir = c.String("data")
	}
	if c.IsSet("database-url") {
		cfg.Server.DatabaseURL = c.String("database-url")
	}
	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.Logging.Format = c.String("log-format")
	}
	if c.IsSet("workers") {
		cfg.Queue.Workers = c.Int("workers")
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, logger, nil
}
