// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command shopcal is the CLI companion to shopcald.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/shopcal/internal/secrets"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	serverURL string
	apiKey    string
	jsonOut   bool
)

func main() {
	root := &cobra.Command{
		Use:           "shopcal",
		Short:         "Control and inspect a running shopcald",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8137", "Base URL of the shopcald API")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SHOPCAL_API_KEY"), "API key for authenticated endpoints")
	root.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print raw JSON responses")

	root.AddCommand(
		newVersionCommand(),
		newStatusCommand(),
		newEventsCommand(),
		newRefreshCommand(),
		newRescheduleCommand(),
		newDoneCommand(),
		newSecretCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{
					"version":    version,
					"commit":     commit,
					"build_date": buildDate,
				})
			}
			cmd.Printf("shopcal version %s\n", version)
			cmd.Printf("  commit:     %s\n", commit)
			cmd.Printf("  build date: %s\n", buildDate)
			return nil
		},
	}
}

func newSecretCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage the CRM token in the OS keyring",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set",
		Short: "Store the CRM token (read from stdin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(cmd.OutOrStdout(), "Token: ")
			reader := bufio.NewReader(cmd.InOrStdin())
			line, err := reader.ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("failed to read token: %w", err)
			}
			token := strings.TrimSpace(line)
			if token == "" {
				return fmt.Errorf("empty token")
			}
			if err := secrets.StoreCRMToken(token); err != nil {
				return fmt.Errorf("failed to store token: %w", err)
			}
			cmd.Printf("Stored CRM token (%s)\n", secrets.Redact(token))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete",
		Short: "Remove the CRM token from the keyring",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := secrets.DeleteCRMToken(); err != nil {
				return fmt.Errorf("failed to delete token: %w", err)
			}
			cmd.Println("Deleted CRM token")
			return nil
		},
	})

	return cmd
}
