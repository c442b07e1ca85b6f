package devices

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tphakala/pcmstream/internal/app"
	"github.com/tphakala/pcmstream/internal/backend"
	"github.com/tphakala/pcmstream/internal/errors"
)

// Command creates a new command listing the devices of the selected backend.
func Command(ctx *app.Context) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List playback and capture devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			drv, closer, err := ctx.OpenDriver()
			if err != nil {
				return err
			}
			defer closer.Close() //nolint:errcheck // listing only

			listing, err := list(drv)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(listing)
			}
			return printTable(cmd.OutOrStdout(), listing)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print devices as JSON")

	return cmd
}

// Listing groups devices by direction.
type Listing struct {
	Backend  string               `json:"backend"`
	Playback []backend.DeviceInfo `json:"playback"`
	Capture  []backend.DeviceInfo `json:"capture"`
}

func list(drv backend.Driver) (*Listing, error) {
	lister, ok := drv.(backend.DeviceLister)
	if !ok {
		return nil, errors.Newf("backend %q cannot enumerate devices", drv.Name()).
			Component("devices").
			Category(errors.CategoryBackend).
			Build()
	}

	out := &Listing{Backend: drv.Name()}
	var err error
	if out.Playback, err = lister.Devices(backend.KindPlayback); err != nil {
		return nil, err
	}
	if out.Capture, err = lister.Devices(backend.KindCapture); err != nil {
		return nil, err
	}
	return out, nil
}

func printTable(w io.Writer, listing *Listing) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tDEFAULT\tNAME\tID")
	for _, group := range [][]backend.DeviceInfo{listing.Playback, listing.Capture} {
		for _, d := range group {
			def := ""
			if d.Default {
				def = "*"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Kind, def, d.Name, d.ID)
		}
	}
	return tw.Flush()
}
