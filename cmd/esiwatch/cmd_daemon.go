package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/esiwatch/internal/daemon"
)

func newDaemonCmd(opts *rootOptions) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Poll ESI for every configured character",
		Long: `Run esiwatch in daemon mode.

The daemon polls each configured character's ESI resources on their own
intervals, resolves structure IDs on demand and persists the structure
cache. Metrics are served on /metrics and health on /health, /-/healthy
and /-/ready when metrics are enabled. SIGINT and SIGTERM stop it.`,
		Example: `  esiwatch daemon --config esiwatch.yaml
  esiwatch daemon --config esiwatch.yaml --metrics-addr :9464`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if metricsAddr != "" {
				cfg.Metrics.Enabled = true
				cfg.Metrics.Addr = metricsAddr
			}

			d, err := daemon.New(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to create daemon: %w", err)
			}
			defer func() { _ = d.Close() }()

			return d.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve metrics on this address (enables metrics)")
	return cmd
}
