// ABOUTME: krill-admin config patch and allow-list commands
// ABOUTME: Runs the same backup, merge, restart and rollback cycle the bridge uses

package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/silverbacking/krill/internal/configpatch"
)

func newPatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patch <file|->",
		Short: "Deep-merge a JSON patch into the agent configuration",
		Long: "Deep-merge a JSON patch into the agent configuration. The file is backed up,\n" +
			"patched and validated; with --restart the agent is restarted and the change is\n" +
			"rolled back if it does not come back healthy.",
		Args: cobra.ExactArgs(1),
		RunE: runPatch,
	}
	cmd.Flags().Bool("restart", false, "restart the agent and wait for it to report healthy")
	cmd.Flags().String("as", "", "authorized sender to act as (default: first patch.allowed_senders entry)")
	return cmd
}

func newAllowlistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "allowlist",
		Short: "Show or edit the agent's sender allow-list",
		Args:  cobra.NoArgs,
		RunE:  runAllowlistShow,
	}
	for _, action := range []string{configpatch.AllowlistAdd, configpatch.AllowlistRemove} {
		sub := &cobra.Command{
			Use:   action + " <user-id>",
			Short: "Allow-list " + action,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runAllowlistUpdate(cmd, action, args[0])
			},
		}
		sub.Flags().Bool("restart", false, "restart the agent and wait for it to report healthy")
		cmd.AddCommand(sub)
	}
	cmd.PersistentFlags().String("as", "", "authorized sender to act as (default: first patch.allowed_senders entry)")
	return cmd
}

// openEngine builds the patch engine and resolves the acting sender.
func openEngine(cmd *cobra.Command) (*configpatch.Engine, string, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, "", err
	}
	if cfg.Patch.Target == "" {
		return nil, "", errors.New("patch.target is not configured")
	}
	engine, err := configpatch.FromConfig(cfg.Patch, cmdLogger(cmd))
	if err != nil {
		return nil, "", err
	}
	sender, _ := cmd.Flags().GetString("as")
	if sender == "" {
		sender = cfg.Patch.AllowedSenders[0]
	}
	return engine, sender, nil
}

func runPatch(cmd *cobra.Command, args []string) error {
	data, err := readInput(cmd, args[0])
	if err != nil {
		return err
	}
	patch, err := configpatch.DecodePatch(data)
	if err != nil {
		return fmt.Errorf("parsing patch: %w", err)
	}
	engine, sender, err := openEngine(cmd)
	if err != nil {
		return err
	}
	restart, _ := cmd.Flags().GetBool("restart")

	res, err := engine.Apply(cmd.Context(), configpatch.Request{Sender: sender, Patch: patch, Restart: restart})
	return printResult(cmd, res, err)
}

func runAllowlistShow(cmd *cobra.Command, _ []string) error {
	engine, sender, err := openEngine(cmd)
	if err != nil {
		return err
	}
	list, err := engine.Allowlist(sender)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "Allow-list is empty.")
		return nil
	}
	for _, u := range list {
		fmt.Fprintln(out, u)
	}
	return nil
}

func runAllowlistUpdate(cmd *cobra.Command, action, userID string) error {
	engine, sender, err := openEngine(cmd)
	if err != nil {
		return err
	}
	restart, _ := cmd.Flags().GetBool("restart")
	res, err := engine.UpdateAllowlist(cmd.Context(), sender, action, userID, restart)
	return printResult(cmd, res, err)
}

// printResult reports a cycle outcome. A failed cycle is still printed so
// the operator sees the terminal state.
func printResult(cmd *cobra.Command, res *configpatch.Result, err error) error {
	out := cmd.OutOrStdout()
	if res != nil {
		if res.Success {
			color.New(color.FgGreen).Fprintf(out, "✓ %s", res.State)
		} else {
			color.New(color.FgRed).Fprintf(out, "✗ %s", res.State)
		}
		if res.Restarted {
			fmt.Fprint(out, " (restarted)")
		}
		fmt.Fprintln(out)
		if res.Message != "" {
			fmt.Fprintf(out, "  %s\n", res.Message)
		}
		if len(res.Allowlist) > 0 {
			list, _ := json.Marshal(res.Allowlist)
			fmt.Fprintf(out, "  allow-list: %s\n", list)
		}
		if res.Critical {
			color.New(color.FgRed, color.Bold).Fprintln(out, "  rollback failed: the agent configuration needs manual attention")
		}
	}
	return err
}
