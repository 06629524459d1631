// ABOUTME: krill-admin geofence and sense status commands
// ABOUTME: Reads and writes per-agent sense state under the bridge data directory

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/silverbacking/krill/internal/senses"
)

func newGeofencesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "geofences",
		Short: "Manage an agent's geofences",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list <agent-id>",
		Short: "Show the geofences in effect for an agent",
		Args:  cobra.ExactArgs(1),
		RunE:  runGeofencesList,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <agent-id> <file|->",
		Short: "Replace an agent's geofences from a JSON array",
		Args:  cobra.ExactArgs(2),
		RunE:  runGeofencesSet,
	})
	return cmd
}

func runGeofencesList(cmd *cobra.Command, args []string) error {
	tracker, err := openLocation(cmd)
	if err != nil {
		return err
	}
	fences, err := tracker.Geofences(args[0])
	if err != nil {
		return fmt.Errorf("reading geofences: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(fences) == 0 {
		fmt.Fprintln(out, "No geofences.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tLAT\tLON\tRADIUS (m)")
	for _, g := range fences {
		fmt.Fprintf(w, "%s\t%s\t%.6f\t%.6f\t%.0f\n", g.ID, g.Name, g.Lat, g.Lon, g.RadiusM)
	}
	return w.Flush()
}

func runGeofencesSet(cmd *cobra.Command, args []string) error {
	data, err := readInput(cmd, args[1])
	if err != nil {
		return err
	}
	var fences []senses.Geofence
	if err := json.Unmarshal(data, &fences); err != nil {
		return fmt.Errorf("parsing geofences: %w", err)
	}
	tracker, err := openLocation(cmd)
	if err != nil {
		return err
	}
	if err := tracker.SetGeofences(args[0], fences); err != nil {
		return err
	}
	color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "✓ %d geofence(s) saved for %s\n", len(fences), args[0])
	return nil
}

func newSensesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "senses <agent-id>",
		Short: "Show the latest sense state recorded for an agent",
		Args:  cobra.ExactArgs(1),
		RunE:  runSenses,
	}
}

func runSenses(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	agentID := args[0]
	logger := cmdLogger(cmd)
	dirs := senses.NewDirs(cfg.DataDir)
	out := cmd.OutOrStdout()
	bold := color.New(color.Bold)

	tracker := senses.NewLocationTracker(dirs, senses.LocationOptions{}, nil, logger)
	bold.Fprintln(out, "Location")
	cur, err := tracker.Current(agentID)
	switch {
	case err != nil:
		return fmt.Errorf("reading location: %w", err)
	case cur == nil:
		fmt.Fprintln(out, "  none recorded")
	default:
		fmt.Fprintf(out, "  %.6f, %.6f at %s\n", cur.Lat, cur.Lon, cur.Timestamp.Format(time.RFC3339))
		if cur.Place != "" {
			fmt.Fprintf(out, "  place:    %s\n", cur.Place)
		}
		if cur.Geofence != "" {
			fmt.Fprintf(out, "  geofence: %s\n", cur.Geofence)
		}
	}

	// Motion log reads need no fetcher.
	camera := senses.NewCameraSense(dirs, nil, senses.CameraOptions{}, nil, logger)
	bold.Fprintln(out, "Camera")
	entries, err := camera.MotionLog(agentID)
	if err != nil {
		return fmt.Errorf("reading motion log: %w", err)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "  no motion captures")
		return nil
	}
	fmt.Fprintf(out, "  %d capture(s), latest:\n", len(entries))
	last := entries[len(entries)-1]
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "  %s\t%s\t%d bytes\t%s\n", last.At.Format(time.RFC3339), last.File, last.Bytes, last.Zone)
	return w.Flush()
}

// readInput reads a file argument, with "-" meaning stdin.
func readInput(cmd *cobra.Command, name string) ([]byte, error) {
	if name == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return data, nil
}
