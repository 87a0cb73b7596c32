// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"rbridge/cli/internal/bridge/model"
	"rbridge/cli/internal/logging"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Read and write shared state on the backend",
}

var stateGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the JSON value stored under key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := newBridge(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer closeBridge(b)

		v, ok := b.GetState(cmd.Context(), args[0])
		if !ok {
			if b.IsDegraded() {
				logging.PresentConnectivityError("state unavailable: bridge is in degraded mode")
			} else {
				pterm.Warning.Printf("No value stored under %q\n", args[0])
			}
			return errReported
		}
		fmt.Println(prettyJSON(v))
		return nil
	},
}

var stateSetCmd = &cobra.Command{
	Use:     "set <key> <json>",
	Short:   "Store a JSON value under key",
	Example: "  rbridge state set counter 42\n  rbridge state set profile @profile.json",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := parseJSONArg(args[1])
		if err != nil {
			return err
		}
		b, err := newBridge(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer closeBridge(b)

		return reportStateWrite(b.IsDegraded, b.SetState(cmd.Context(), args[0], model.Payload(value)), "Stored", args[0])
	},
}

var stateDeleteCmd = &cobra.Command{
	Use:     "delete <key>",
	Aliases: []string{"rm"},
	Short:   "Remove the value stored under key",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := newBridge(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer closeBridge(b)

		return reportStateWrite(b.IsDegraded, b.DeleteState(cmd.Context(), args[0]), "Deleted", args[0])
	},
}

func reportStateWrite(degraded func() bool, ok bool, verb, key string) error {
	if ok {
		pterm.Success.Printf("%s %q\n", verb, key)
		return nil
	}
	if degraded() {
		logging.PresentConnectivityError("state not written: bridge is in degraded mode")
	} else {
		pterm.Error.Printf("Backend did not confirm the change to %q\n", key)
	}
	return errReported
}

func init() {
	stateCmd.AddCommand(stateGetCmd, stateSetCmd, stateDeleteCmd)
	rootCmd.AddCommand(stateCmd)
}
