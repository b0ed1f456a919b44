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

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/shopcal/internal/snapshot"
)

// apiCall performs one request against the daemon and decodes the JSON
// response into out (unless out is nil).
func apiCall(method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("is shopcald running at %s? %w", serverURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon health and snapshot state",
		RunE: func(cmd *cobra.Command, args []string) error {
			var health map[string]any
			if err := apiCall("GET", "/healthz", nil, &health); err != nil {
				return err
			}
			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(health)
			}
			cmd.Printf("status:           %v\n", health["status"])
			cmd.Printf("daemon version:   %v\n", health["version"])
			cmd.Printf("snapshot version: %v\n", health["snapshot_version"])
			cmd.Printf("events:           %v\n", health["events"])
			cmd.Printf("coordinator:      %v\n", health["state"])
			cmd.Printf("viewers:          %v\n", health["viewers"])
			return nil
		},
	}
}

func newEventsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "List the current calendar events",
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap snapshot.Snapshot
			if err := apiCall("GET", "/api/v1/events", nil, &snap); err != nil {
				return err
			}
			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(snap)
			}
			cmd.Printf("version %d, %d events (built %s)\n",
				snap.Version, len(snap.Events), snap.BuiltAt.Format(time.RFC3339))
			for _, ev := range snap.Events {
				marker := " "
				if ev.Done {
					marker = "x"
				}
				cmd.Printf("[%s] %-12s %-8s #%s %s\n",
					marker, ev.Start, ev.Color, ev.ID, ev.Attrs["customer"])
			}
			return nil
		},
	}
}

func newRefreshCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Trigger a refresh pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiCall("POST", "/api/v1/refresh", nil, nil); err != nil {
				return err
			}
			cmd.Println("Refresh triggered")
			return nil
		},
	}
}

func newRescheduleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reschedule <id> <start>",
		Short: "Move an event to a new start date",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"start": args[1]}
			if err := apiCall("POST", "/api/v1/events/"+args[0]+"/reschedule", body, nil); err != nil {
				return err
			}
			cmd.Printf("Event %s moved to %s\n", args[0], args[1])
			return nil
		},
	}
}

func newDoneCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "done <id>",
		Short: "Mark an event done regardless of its CRM state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiCall("POST", "/api/v1/events/"+args[0]+"/done", nil, nil); err != nil {
				return err
			}
			cmd.Printf("Event %s marked done\n", args[0])
			return nil
		},
		Args: cobra.ExactArgs(1),
	}
}
