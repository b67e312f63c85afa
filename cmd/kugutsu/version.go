package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the kugutsu version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("kugutsu %s (%s)\n", version, commit)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
