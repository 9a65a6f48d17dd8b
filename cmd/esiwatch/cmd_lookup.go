package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/esiwatch/internal/daemon"
)

func newLookupCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "lookup <location-id>",
		Short: "Resolve a station or structure ID",
		Long: `Resolve one location ID. NPC stations come from the static table;
structure IDs are fetched through every configured character that can see
structures, and the result is written to the structure cache.`,
		Example: `  esiwatch lookup 60003760
  esiwatch lookup 1035466617946 --config esiwatch.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid location id %q: %w", args[0], err)
			}

			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			d, err := daemon.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = d.Close() }()

			st, err := d.Resolve(ctx, id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if st == nil {
				_, _ = fmt.Fprintf(out, "%d: inaccessible\n", id)
				return nil
			}
			kind := "structure"
			if st.Static {
				kind = "station"
			}
			_, _ = fmt.Fprintf(out, "%d: %s (%s", st.ID, st.Name, kind)
			if st.SolarSystemID != 0 {
				_, _ = fmt.Fprintf(out, ", system %d", st.SolarSystemID)
			}
			_, _ = fmt.Fprintln(out, ")")
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Give up after this long")
	return cmd
}
