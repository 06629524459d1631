// ABOUTME: krill-admin pairings commands
// ABOUTME: Lists paired devices and revokes pairings by id

package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newPairingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairings",
		Short: "List or revoke device pairings",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all pairings",
		Args:  cobra.NoArgs,
		RunE:  runPairingsList,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <pairing-id>",
		Short: "Revoke a pairing; the running bridge rejects its token on the next message",
		Args:  cobra.ExactArgs(1),
		RunE:  runPairingsRevoke,
	})
	return cmd
}

func runPairingsList(cmd *cobra.Command, _ []string) error {
	svc, store, err := openPairings(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	pairings, err := svc.Store().List(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing pairings: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(pairings) == 0 {
		fmt.Fprintln(out, "No pairings.")
		return nil
	}
	sort.Slice(pairings, func(i, j int) bool { return pairings[i].CreatedAt.Before(pairings[j].CreatedAt) })

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PAIRING\tUSER\tDEVICE\tAGENT\tSENSES\tLAST SEEN")
	for _, p := range pairings {
		var granted []string
		for name, on := range p.Senses {
			if on {
				granted = append(granted, name)
			}
		}
		sort.Strings(granted)
		senses := strings.Join(granted, ",")
		if senses == "" {
			senses = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			p.PairingID, p.UserID, p.DeviceName, p.AgentID, senses, p.LastSeenAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runPairingsRevoke(cmd *cobra.Command, args []string) error {
	svc, store, err := openPairings(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	p, err := svc.RevokeByID(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("revoking %s: %w", args[0], err)
	}
	color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "✓ Revoked %s (%s on %s)\n", p.PairingID, p.UserID, p.DeviceName)
	return nil
}
