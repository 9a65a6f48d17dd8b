package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/esiwatch/internal/config"
	"github.com/yairfalse/esiwatch/internal/telemetry"
)

var version = "0.1.0"

type rootOptions struct {
	configPath string
	logLevel   string
}

// newRootCmd builds the command tree. Each call returns fresh flag state.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "esiwatch",
		Short: "EVE Online ESI structure lookups and character polling",
		Long: `esiwatch resolves player-owned structure IDs through every character
allowed to see them and keeps per-character ESI resources fresh, staying
inside the ESI error budget.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("esiwatch {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override log level (debug, info, warn, error)")

	cmd.AddCommand(
		newDaemonCmd(opts),
		newLookupCmd(opts),
		newCacheCmd(opts),
		newSkillsCmd(),
	)
	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// load reads the config and builds the process logger.
func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return nil, zerolog.Nop(), err
		}
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}

	logger, err := telemetry.NewLogger(cfg.Log, "esiwatch", cmd.ErrOrStderr())
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	log.Logger = logger
	return cfg, logger, nil
}
