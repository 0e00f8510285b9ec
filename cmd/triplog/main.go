package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"triplog/internal/app"
	"triplog/internal/config"
	"triplog/internal/transports/cli"
	"triplog/pkg/logger"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	lg := logger.New("")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := cli.New(cli.Deps{
		Version: buildVersion(),
		Open: func(ctx context.Context, configPath string) (*cli.Session, error) {
			cfg, err := config.Load(configPath)
			if err != nil {
				return nil, fmt.Errorf("load config: %w", err)
			}
			appLogger := logger.New(cfg.Agent.LogLevel)
			a, err := app.NewApp(ctx, cfg, appLogger)
			if err != nil {
				return nil, err
			}
			return &cli.Session{
				Service:  a.CLI,
				Operator: cfg.Agent.Operator,
				Serve:    a.Serve,
				Close:    a.Close,
			}, nil
		},
	})
	if err := root.ExecuteContext(ctx); err != nil {
		lg.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func buildVersion() string {
	v := version
	if commit != "" {
		v += " (" + commit + ")"
	}
	if date != "" {
		v += " " + date
	}
	return v
}
