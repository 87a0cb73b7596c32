// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"errors"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"rbridge/cli/internal/keychain"
	"rbridge/cli/internal/logging"
	"rbridge/cli/internal/terminal"
)

var loginToken string

// loginCmd stores the backend access token in the OS keychain.
var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the backend access token in the OS keychain",
	Long: `Store the bearer token sent to the backend with every request. The token is
read from --token or prompted for without echo. RBRIDGE_TOKEN, when set,
takes precedence over the stored token.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		km, err := keychain.GetManager()
		if err != nil {
			pterm.Error.Println("OS keychain unavailable")
			pterm.Println(logging.PresentError("", err))
			return errReported
		}

		if existing, err := km.LoadToken(); err == nil && loginToken == "" {
			pterm.Info.Printf("A token is already stored (%s). Enter a new one to replace it.\n", logging.MaskToken(existing))
		}

		token := loginToken
		if token == "" {
			token, err = terminal.ReadSecret("Access token: ")
			if err != nil {
				return err
			}
		}
		if err := km.SaveToken(token); err != nil {
			return err
		}
		pterm.Success.Println("Access token saved to the keychain")
		if os.Getenv(keychain.EnvToken) != "" {
			pterm.Warning.Printf("%s is set and will be used instead\n", keychain.EnvToken)
		}
		return nil
	},
}

// logoutCmd removes the stored token.
var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		km, err := keychain.GetManager()
		if err != nil {
			return err
		}
		if _, err := km.LoadToken(); errors.Is(err, keychain.ErrNoToken) {
			pterm.Info.Println("No access token stored")
			return nil
		}
		if err := km.ClearToken(); err != nil {
			return err
		}
		pterm.Success.Println("Access token removed")
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginToken, "token", "", "Access token (prompted when omitted)")
	rootCmd.AddCommand(loginCmd, logoutCmd)
}
