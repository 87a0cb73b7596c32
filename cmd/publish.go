// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"rbridge/cli/internal/bridge"
)

var publishFlags struct {
	data     string
	source   string
	metadata map[string]string
}

var publishCmd = &cobra.Command{
	Use:   "publish <type>",
	Short: "Publish an event to the backend",
	Long: `Publish an event of the given type. Data is inline JSON or @file. In degraded
mode the event is only delivered to local subscribers of this process, so
publishing still succeeds but nobody else sees it.`,
	Example: `  rbridge publish order.created --data '{"id":7}' --source shop`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := parseJSONArg(publishFlags.data)
		if err != nil {
			return fmt.Errorf("--data: %w", err)
		}
		b, err := newBridge(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer closeBridge(b)

		opts := []bridge.PublishOption{bridge.WithMetadata(publishFlags.metadata)}
		if publishFlags.source != "" {
			opts = append(opts, bridge.WithSource(publishFlags.source))
		}
		if !b.PublishEvent(cmd.Context(), args[0], data, opts...) {
			pterm.Error.Printf("Backend rejected event %q\n", args[0])
			return errReported
		}
		if b.IsDegraded() {
			pterm.Warning.Printf("Event %q delivered locally only (degraded mode)\n", args[0])
			return nil
		}
		pterm.Success.Printf("Published %q\n", args[0])
		return nil
	},
}

func init() {
	f := publishCmd.Flags()
	f.StringVar(&publishFlags.data, "data", "", "Event data as JSON or @file")
	f.StringVar(&publishFlags.source, "source", "", "Event source (default \"app\")")
	f.StringToStringVar(&publishFlags.metadata, "metadata", nil, "Event metadata as key=value pairs")
	rootCmd.AddCommand(publishCmd)
}
