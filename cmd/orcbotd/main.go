package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fredabila/orcbot/internal/application"
	"github.com/fredabila/orcbot/internal/infrastructure/config"
	"github.com/fredabila/orcbot/internal/infrastructure/logger"
)

const (
	appName    = "orcbot"
	appVersion = "0.3.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "Orcbot — autonomous multi-channel AI assistant execution core",
		Long:  "Orcbot daemon — runs the ActionQueue/DecisionLoop/GuardrailEngine/MemoryStore pipeline against every registered channel.",
		RunE:  runDaemon,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Start the daemon (default command)",
		RunE:  runDaemon,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:    "worker",
		Short:  "Internal: run as a delegated sub-agent worker process",
		Hidden: true,
		RunE:   runWorkerCmd,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runDaemon boots the assembled Core (spec §9) and every configured
// channel adapter, then blocks until a shutdown signal arrives.
func runDaemon(cmd *cobra.Command, args []string) error {
	log, err := logger.NewLogger(logger.Config{Level: "info", Format: "json", OutputPath: "stdout"})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	if err := config.Bootstrap(log); err != nil {
		log.Warn("bootstrap skipped/partial", zap.Error(err))
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	core, err := application.New(cfg, log)
	if err != nil {
		return fmt.Errorf("assemble core: %w", err)
	}
	defer core.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- core.Run(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
		core.Stop()
		cancel()
	case err := <-runErr:
		if err != nil {
			log.Error("core run loop exited", zap.Error(err))
			return err
		}
		return nil
	}

	select {
	case <-runErr:
	case <-time.After(30 * time.Second):
		log.Warn("core shutdown timed out")
	}
	return nil
}

// runWorkerCmd is what a Core-spawned sub-agent process runs (spec §4.6):
// it never touches the ActionQueue or scheduler, only the single
// ActionRunner pipeline driven over stdin/stdout by application.RunWorker.
func runWorkerCmd(cmd *cobra.Command, args []string) error {
	log, err := logger.NewLogger(logger.Config{Level: "warn", Format: "json", OutputPath: "stderr"})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		cancel()
	}()

	return application.RunWorker(ctx, cfg, log)
}
