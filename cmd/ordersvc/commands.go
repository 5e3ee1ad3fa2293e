package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cimillas/order-lifecycle/migrations"
)

func serveCmd(opts *globalOptions) *cobra.Command {
	var skipMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the checkout, payment webhook and order API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(cmd.Context(), opts.cfg, opts.logger, !skipMigrate)
			if err != nil {
				return err
			}
			defer rt.Close()
			return runComponents(cmd.Context(), apiComponent(rt))
		},
	}
	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not apply migrations at startup")
	return cmd
}

func relayCmd(opts *globalOptions) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Publish staged outbox events to the broker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(cmd.Context(), opts.cfg, opts.logger, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			relay, err := relayComponent(rt)
			if err != nil {
				return err
			}
			components := []component{relay}
			if metricsAddr != "" {
				components = append(components, metricsComponent(rt, metricsAddr))
			}
			return runComponents(cmd.Context(), components...)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /health and /metrics on this address")
	return cmd
}

func dispatchCmd(opts *globalOptions) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Deliver notification requests by email",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(cmd.Context(), opts.cfg, opts.logger, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			dispatch, err := dispatchComponent(rt)
			if err != nil {
				return err
			}
			components := []component{dispatch}
			if metricsAddr != "" {
				components = append(components, metricsComponent(rt, metricsAddr))
			}
			return runComponents(cmd.Context(), components...)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /health and /metrics on this address")
	return cmd
}

func allCmd(opts *globalOptions) *cobra.Command {
	var skipMigrate bool
	cmd := &cobra.Command{
		Use:   "all",
		Short: "Run the API, outbox relay and notification dispatcher in one process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(cmd.Context(), opts.cfg, opts.logger, !skipMigrate)
			if err != nil {
				return err
			}
			defer rt.Close()

			relay, err := relayComponent(rt)
			if err != nil {
				return err
			}
			dispatch, err := dispatchComponent(rt)
			if err != nil {
				return err
			}
			return runComponents(cmd.Context(), apiComponent(rt), relay, dispatch)
		},
	}
	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not apply migrations at startup")
	return cmd
}

func migrateCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the ledger schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := migrations.Apply(cmd.Context(), opts.cfg.Database.URL); err != nil {
				return err
			}
			opts.logger.Info("migrations applied")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		RunE: func(cmd *cobra.Command, _ []string) error {
			statuses, err := migrations.Status(cmd.Context(), opts.cfg.Database.URL)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tSTATE\tAPPLIED AT\tFILE")
			for _, s := range statuses {
				applied := "-"
				if !s.AppliedAt.IsZero() {
					applied = s.AppliedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.Source.Version, s.State, applied, s.Source.Path)
			}
			return w.Flush()
		},
	})
	return cmd
}

func configCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := opts.cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
