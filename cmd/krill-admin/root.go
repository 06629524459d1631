// ABOUTME: Root cobra command and shared helpers for krill-admin
// ABOUTME: Loads bridge.yaml once per invocation and opens the components a command needs

package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/silverbacking/krill/internal/config"
	"github.com/silverbacking/krill/internal/pairing"
	"github.com/silverbacking/krill/internal/senses"
)

const banner = `
  _          _ _ _                 _           _
 | | ___ __ (_) | |       __ _  __| |_ __ ___ (_)_ __
 | |/ / '__|| | | |_____ / _' |/ _' | '_ ' _ \| | '_ \
 |   <| |   | | | |_____| (_| | (_| | | | | | | | | | |
 |_|\_\_|   |_|_|_|      \__,_|\__,_|_| |_| |_|_|_| |_|
`

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "krill-admin",
		Short:         "Manage krill pairings, senses and agent configuration",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprint(cmd.OutOrStdout(), banner)
			return cmd.Help()
		},
	}

	root.PersistentFlags().StringP("config", "c", config.DefaultPath(), "path to bridge.yaml")
	root.PersistentFlags().Bool("debug", false, "log component activity to stderr")

	root.AddCommand(newPairingsCmd())
	root.AddCommand(newGeofencesCmd())
	root.AddCommand(newSensesCmd())
	root.AddCommand(newPatchCmd())
	root.AddCommand(newAllowlistCmd())
	return root
}

// loadConfig reads the --config file.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}
	return cfg, nil
}

func cmdLogger(cmd *cobra.Command) *slog.Logger {
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// openPairings opens the configured pairing store. The caller closes it.
func openPairings(cmd *cobra.Command) (*pairing.Service, pairing.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger := cmdLogger(cmd)
	store, err := pairing.Open(cfg.Pairing.Backend, cfg.Pairing.Path, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening pairing store: %w", err)
	}
	agents := make([]pairing.Agent, 0, len(cfg.Pairing.Agents))
	for _, a := range cfg.Pairing.Agents {
		agents = append(agents, pairing.Agent{ID: a.ID, DisplayName: a.DisplayName})
	}
	return pairing.NewService(store, agents, cfg.Pairing.DefaultAgent, logger), store, nil
}

// openLocation builds a tracker over the bridge data directory.
func openLocation(cmd *cobra.Command) (*senses.LocationTracker, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	defaults := make([]senses.Geofence, 0, len(cfg.Senses.Location.Geofences))
	for _, g := range cfg.Senses.Location.Geofences {
		defaults = append(defaults, senses.Geofence{ID: g.ID, Name: g.Name, Lat: g.Lat, Lon: g.Lon, RadiusM: g.RadiusM})
	}
	return senses.NewLocationTracker(senses.NewDirs(cfg.DataDir), senses.LocationOptions{
		MovementThresholdM: cfg.Senses.Location.MovementThresholdM,
		DefaultGeofences:   defaults,
	}, nil, cmdLogger(cmd)), nil
}
