package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewConfigCommand prints the effective configuration, or writes it to a
// file that --config can load back.
func NewConfigCommand() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Long: `Show the configuration after merging defaults, the config file,
QMINER_* environment variables and flags. With --out the result is saved
instead; a .yaml or .yml extension selects YAML, anything else key=value.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}

			if out == "" {
				fmt.Fprint(cmd.OutOrStdout(), cfg.String())
				return nil
			}
			if err := cfg.Save(out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration written to %s\n", out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "Write the configuration to this file")
	return cmd
}
