// Command plural-bridge runs the HTTP bridge between browser clients and
// per-conversation Claude CLI processes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/zhubert/plural-bridge/api"
	"github.com/zhubert/plural-bridge/auth"
	"github.com/zhubert/plural-bridge/config"
	"github.com/zhubert/plural-bridge/conversation"
	"github.com/zhubert/plural-bridge/logger"
	"github.com/zhubert/plural-bridge/snapshot"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "plural-bridge",
		Usage:   "bridge browser conversations to Claude CLI processes",
		Version: version,
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the bridge server",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "config",
						Usage: "path to config file (default: XDG config dir)",
					},
					&cli.StringFlag{
						Name:  "host",
						Usage: "listen address, overrides config",
					},
					&cli.IntFlag{
						Name:  "port",
						Usage: "listen port, overrides config",
					},
					&cli.BoolFlag{
						Name:  "debug",
						Usage: "enable debug logging",
					},
				},
				Action: serve,
			},
			{
				Name:  "logs",
				Usage: "manage bridge log files",
				Subcommands: []*cli.Command{
					{
						Name:  "clean",
						Usage: "remove the bridge log and all per-conversation stream logs",
						Action: func(c *cli.Context) error {
							count, err := logger.ClearLogs()
							if err != nil {
								return err
							}
							fmt.Printf("removed %d log file(s)\n", count)
							return nil
						},
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(c *cli.Context) error {
	var cfg *config.Config
	var err error
	if path := c.String("config"); path != "" {
		cfg, err = config.LoadFrom(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if c.IsSet("host") {
		cfg.Host = c.String("host")
	}
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	if c.Bool("debug") {
		cfg.Debug = true
	}

	logPath, err := logger.DefaultLogPath()
	if err != nil {
		return fmt.Errorf("failed to resolve log path: %w", err)
	}
	if err := logger.Init(logPath); err != nil {
		return err
	}
	defer logger.Close()
	logger.SetDebug(cfg.Debug)

	log := logger.WithComponent("main")
	log.Info("starting plural-bridge", "version", version, "addr", cfg.Addr())

	registry := conversation.NewRegistry(conversation.RegistryConfig{
		Binary:       cfg.ClaudeBinary,
		WorkingDir:   cfg.WorkingDir,
		DefaultModel: cfg.DefaultModel,
		StreamLogs:   true,
	}, logger.WithComponent("registry"))

	credsPath, err := cfg.CredentialsFile()
	if err != nil {
		return fmt.Errorf("failed to resolve credentials path: %w", err)
	}
	checker := auth.NewChecker(credsPath, logger.WithComponent("auth"))
	if err := checker.Watch(); err != nil {
		log.Warn("credentials watcher unavailable, status will be stale", "error", err)
	}
	defer checker.Close()

	handler := api.NewHandler(registry, snapshot.NewStore(), checker, logger.WithComponent("api"))
	server := api.NewServer(cfg.Addr(), api.NewRouter(handler), logger.WithComponent("http"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutdown signal received")

	// Processes first, fire and forget; then drain HTTP.
	registry.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown incomplete", "error", err)
	}

	log.Info("bye")
	return nil
}
