package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check relay liveness and readiness",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		var live map[string]any
		if _, err := c.getJSON("/healthz", &live); err != nil {
			return fmt.Errorf("liveness: %w", err)
		}
		var ready struct {
			Status     string            `json:"status"`
			Components map[string]struct {
				Status string `json:"status"`
				Error  string `json:"error"`
			} `json:"components"`
		}
		// readyz answers 503 with the same body when a component is down
		if _, err := c.getJSON("/readyz", &ready, http.StatusOK, http.StatusServiceUnavailable); err != nil {
			return fmt.Errorf("readiness: %w", err)
		}

		if outputFmt != "table" {
			return printOutput(map[string]any{"liveness": live, "readiness": ready})
		}
		rows := [][]string{
			{"liveness", fmt.Sprint(live["status"]), fmt.Sprint(live["uptime"])},
			{"readiness", ready.Status, ""},
		}
		for name, comp := range ready.Components {
			rows = append(rows, []string{"  " + name, comp.Status, comp.Error})
		}
		printTable([]string{"check", "status", "detail"}, rows)
		return nil
	},
}
