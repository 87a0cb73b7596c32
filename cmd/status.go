// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"net"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"rbridge/cli/internal/bridge/model"
	"rbridge/cli/internal/logging"
	"rbridge/cli/internal/neterr"
)

// statusCmd connects to the backend and prints the session.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Connect to the backend and show the session state",
	Long: `The status command opens a session to the configured backend, retrying
as configured, and prints the session id, backend address and connection state.
It exits non-zero when the bridge ends up in degraded mode.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		stop := spin("Connecting to " + cfg.Address())
		b, err := newBridge(cmd.Context(), false)
		stop()
		if err != nil {
			return err
		}
		defer closeBridge(b)

		sess := b.Session()
		state := b.State()
		stateText := pterm.Green(state.String())
		if state != model.Connected {
			stateText = pterm.Yellow(state.String())
		}
		pterm.DefaultBox.WithTitle("rbridge session").Println(
			pterm.Sprintf("Session:   %s\nBackend:   %s (%s)\nState:     %s",
				sess.SessionID, sess.BackendAddress, cfg.Backend, stateText))

		if !b.IsDegraded() {
			return nil
		}
		logging.PresentConnectivityError("bridge is in degraded mode: backend unavailable at " + cfg.Address())
		// The bridge hides the transport error; a plain dial recovers the cause.
		conn, dialErr := net.DialTimeout("tcp", cfg.Address(), min(cfg.ConnectionTimeout, 5*time.Second))
		if dialErr == nil {
			_ = conn.Close()
		} else {
			neterr.PresentNetworkError(dialErr, "connecting", cfg.Address())
		}
		return errReported
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
