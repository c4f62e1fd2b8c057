package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var applyFile string

var applyCmd = &cobra.Command{
	Use:   "apply -f FILE",
	Short: "Replace the relay's configuration with a YAML document",
	RunE: func(cmd *cobra.Command, args []string) error {
		if applyFile == "" {
			return fmt.Errorf("--file is required")
		}
		data, err := os.ReadFile(applyFile)
		if err != nil {
			return fmt.Errorf("read %s: %w", applyFile, err)
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		var result map[string]int
		if _, err := c.do(http.MethodPost, "/admin/config", "application/yaml", data, &result); err != nil {
			return err
		}
		if outputFmt != "table" {
			return printOutput(result)
		}
		kinds := []string{"entities", "data_connections", "data_sources", "field_mappings", "peer_relays", "remote_mappings", "users", "permissions"}
		rows := make([][]string, 0, len(result))
		for _, k := range kinds {
			if n, ok := result[k]; ok {
				rows = append(rows, []string{k, fmt.Sprintf("%d", n)})
			}
		}
		printTable([]string{"kind", "applied"}, rows)
		return nil
	},
}

func init() {
	applyCmd.Flags().StringVarP(&applyFile, "file", "f", "", "Configuration document")
}
