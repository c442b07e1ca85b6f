package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/pcmstream/internal/buildinfo"
)

// Command creates a new cobra.Command to print build information.
func Command(build *buildinfo.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version of pcmstream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pcmstream %s\n", build.GetVersion())
			fmt.Fprintf(out, "built:  %s\n", build.GetBuildDate())
			fmt.Fprintf(out, "commit: %s\n", build.GetCommit())
			return nil
		},
	}

	return cmd
}
