// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"rbridge/cli/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or persist the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		pterm.DefaultTable.WithData(pterm.TableData{
			{"backend", cfg.Backend},
			{"address", cfg.Address()},
			{"tls", pterm.Sprint(cfg.TLS)},
			{"connection_timeout", cfg.ConnectionTimeout.String()},
			{"reconnect_attempts", pterm.Sprint(cfg.ReconnectAttempts)},
			{"reconnect_delay", cfg.ReconnectDelay.String()},
			{"poll_interval", cfg.PollInterval.String()},
			{"log_level", cfg.LogLevel},
		}).Render()
		return nil
	},
}

var configSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Write the effective configuration, flags included, to the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configFile
		if path == "" {
			p, err := config.Path()
			if err != nil {
				return err
			}
			path = p
		}
		if err := config.SaveTo(cfg, path); err != nil {
			return err
		}
		pterm.Success.Printf("Configuration written to %s\n", path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSaveCmd)
	rootCmd.AddCommand(configCmd)
}
