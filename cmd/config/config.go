package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/malarialab/smearscan/internal/conf"
)

// Command creates the config command, which writes the effective
// configuration (defaults, config file, environment and flags merged) to a
// YAML file that can be used as config.yaml.
func Command(ctx *conf.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config [output.yaml]",
		Short: "Write the effective configuration",
		Long:  `Write the merged configuration to a YAML file, for use as a starting config.yaml.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := conf.SaveYAMLConfig(args[0], ctx.Settings); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "configuration written to %s\n", args[0])
			return err
		},
	}
	return cmd
}
