// Command ordersvc runs the order lifecycle coordinator: the checkout and webhook
// API, the outbox relay and the notification dispatcher, together or separately.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cimillas/order-lifecycle/internal/config"
)

var version = "dev"

type globalOptions struct {
	configPath string
	cfg        config.Config
	logger     *slog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:           "ordersvc",
		Short:         "Order lifecycle coordinator",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			opts.logger = newLogger(cfg.Log)
			slog.SetDefault(opts.logger)
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file (default $"+config.EnvConfigPath+")")

	cmd.AddCommand(serveCmd(opts))
	cmd.AddCommand(relayCmd(opts))
	cmd.AddCommand(dispatchCmd(opts))
	cmd.AddCommand(allCmd(opts))
	cmd.AddCommand(migrateCmd(opts))
	cmd.AddCommand(configCmd(opts))

	return cmd
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, handlerOpts))
}
