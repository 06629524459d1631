// ABOUTME: Admin CLI for krill pairings, geofences and agent configuration patches
// ABOUTME: Operates directly on the bridge's data directory and config target

package main

import (
	"os"

	"github.com/fatih/color"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
