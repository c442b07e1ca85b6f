package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tphakala/pcmstream/cmd/config"
	"github.com/tphakala/pcmstream/cmd/devices"
	"github.com/tphakala/pcmstream/cmd/play"
	"github.com/tphakala/pcmstream/cmd/record"
	"github.com/tphakala/pcmstream/cmd/version"
	"github.com/tphakala/pcmstream/internal/app"
	"github.com/tphakala/pcmstream/internal/conf"
)

// RootCommand creates and returns the root command
func RootCommand(ctx *app.Context) *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "pcmstream",
		Short:         "Real-time PCM playback and capture",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Set up the global flags for the root command.
	if err := setupFlags(rootCmd, ctx, &configFile); err != nil {
		fmt.Fprintf(os.Stderr, "error setting up flags: %v\n", err)
		os.Exit(1)
	}

	versionCmd := version.Command(ctx.Build)
	subcommands := []*cobra.Command{
		devices.Command(ctx),
		play.Command(ctx),
		record.Command(ctx),
		config.Command(ctx),
		versionCmd,
	}
	rootCmd.AddCommand(subcommands...)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// version needs no settings
		if cmd.Name() == versionCmd.Name() {
			return nil
		}
		return ctx.Init(configFile)
	}

	return rootCmd
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, ctx *app.Context, configFile *string) error {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(configFile, "config", "c", "", "Path to config file")
	flags.BoolP("debug", "d", false, "Enable debug output")
	flags.StringP("backend", "b", conf.DefaultBackend, "Audio backend (malgo, virtual)")

	return ctx.BindFlags(flags, map[string]string{
		"debug":   "debug",
		"backend": "backend",
	})
}
