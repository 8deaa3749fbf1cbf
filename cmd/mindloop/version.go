package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"mindloop/internal/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.DefaultConfig()
		fmt.Printf("%s %s (%s/%s)\n", cfg.Name, cfg.Version, runtime.GOOS, runtime.GOARCH)
	},
}
