package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/esiwatch/internal/storage"
	"github.com/yairfalse/esiwatch/internal/structure"
)

func newCacheCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the persisted structure cache",
	}
	cmd.AddCommand(newCacheExportCmd(opts))
	return cmd
}

func newCacheExportCmd(opts *rootOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Print every cached structure",
		Example: `  esiwatch cache export
  esiwatch cache export --format yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if format != "json" && format != "yaml" {
				return fmt.Errorf("unknown format %q (want json or yaml)", format)
			}
			cfg, _, err := opts.load(cmd)
			if err != nil {
				return err
			}

			store, err := storage.Open(cfg.Storage.Path)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			entries, err := store.LoadCache(cmd.Context())
			if err != nil {
				return err
			}
			if entries == nil {
				entries = []structure.Structure{}
			}

			out := cmd.OutOrStdout()
			if format == "yaml" {
				enc := yaml.NewEncoder(out)
				enc.SetIndent(2)
				if err := enc.Encode(entries); err != nil {
					return err
				}
				return enc.Close()
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "o", "json", "Output format (json, yaml)")
	return cmd
}
