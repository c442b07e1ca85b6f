package config

import (
	"github.com/spf13/cobra"

	"github.com/tphakala/pcmstream/internal/app"
	"github.com/tphakala/pcmstream/internal/conf"
)

// Command creates a new command printing or saving the effective settings.
func Command(ctx *app.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Long:  "Print the configuration after defaults, config file, environment and flags are merged.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := conf.Render(ctx.Settings)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.AddCommand(saveCommand(ctx))

	return cmd
}

func saveCommand(ctx *app.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "save PATH",
		Short: "Write the effective configuration to PATH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := conf.SaveYAMLConfig(args[0], ctx.Settings); err != nil {
				return err
			}
			cmd.Printf("configuration saved to %s\n", args[0])
			return nil
		},
	}
}
