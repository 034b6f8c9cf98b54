package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkrell/bonfire/internal/config"
	"github.com/mkrell/bonfire/internal/db"
	"github.com/mkrell/bonfire/internal/dispatch"
	"github.com/mkrell/bonfire/internal/notify"
	"github.com/mkrell/bonfire/internal/server"
	"github.com/mkrell/bonfire/internal/stepgen"
)

// pausedReminderAfter is how long a session may sit paused before the poller
// raises a reminder for it.
const pausedReminderAfter = 30 * time.Minute

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Bonfire API server",
		Long:  "Runs schema migration, starts the reminder poller, and serves the HTTP API until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "bonfire.yaml", "path to Bonfire config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	gormDB, err := db.Connect(cfg.DB)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	source := dispatch.NewPausedSessionSource(gormDB, pausedReminderAfter)
	poller, err := dispatch.NewPoller(cfg.Poller.Schedule, source, notify.FromConfig(cfg.Notify))
	if err != nil {
		return err
	}
	go poller.Run(ctx)

	return server.Start(ctx, server.StartOpts{
		DB:        gormDB,
		Cfg:       cfg,
		Generator: stepgen.NewOpenAI(cfg.StepGen),
		Out:       cmd.OutOrStdout(),
	})
}

// loadConfig reads the config file, falling back to defaults when the
// default path does not exist. An explicitly misconfigured file still fails.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}
