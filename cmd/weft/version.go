package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weftlabs/weft"
)

// Version mirrors the library version; Build is set via ldflags.
var (
	Version = weft.Version
	Build   = "dev"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		if jsonOutput {
			outputJSON(map[string]string{"version": Version, "build": Build})
			return
		}
		fmt.Printf("weft version %s (%s)\n", Version, Build)
	},
}
