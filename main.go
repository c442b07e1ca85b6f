package main

import (
	"fmt"
	"os"

	"github.com/tphakala/pcmstream/cmd"
	"github.com/tphakala/pcmstream/internal/app"
	"github.com/tphakala/pcmstream/internal/buildinfo"
)

// buildDate and version are set at build time with -ldflags
var (
	buildDate string
	version   string
)

func main() {
	ctx := app.NewContext(buildinfo.NewContext(version, buildDate, ""))

	rootCmd := cmd.RootCommand(ctx)
	err := rootCmd.Execute()
	if closeErr := ctx.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
