package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"receiptlog/internal/app"
	"receiptlog/internal/config"
	"receiptlog/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:           "receiptlog",
	Short:         "receiptlog - a partitioned append-only log with cursor pagination",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cmd.Flags())
		if err != nil {
			return err
		}
		if err := logger.Configure(cfg.LogLevel, cfg.LogFormat, os.Stderr); err != nil {
			return err
		}
		return run(cmd.Context(), cfg)
	},
}

func init() {
	config.RegisterFlags(rootCmd.Flags())
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Start(context.Background(), cfg)
	if err != nil {
		return err
	}
	logger.Info("http", a.HTTPAddr(), "resp", a.RESPAddr(), "data_dir", cfg.DataDir, "server started")

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-a.Err():
		logger.Error(err, "server stopped")
	}
	if cerr := a.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
