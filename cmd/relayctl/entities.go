package main

import (
	"strings"

	"github.com/spf13/cobra"
)

var entitiesCmd = &cobra.Command{
	Use:   "entities",
	Short: "List the entities known to the relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var resp entitiesResponse
		if _, err := c.getJSON("/admin/entities", &resp); err != nil {
			return err
		}
		if outputFmt != "table" {
			return printOutput(resp)
		}
		rows := make([][]string, 0, len(resp.Entities))
		for _, e := range resp.Entities {
			info := make([]string, 0, len(e.Information))
			for _, i := range e.Information {
				info = append(info, i.Name+":"+i.DataType)
			}
			rows = append(rows, []string{e.Name, strings.Join(info, ", ")})
		}
		printTable([]string{"entity", "information"}, rows)
		return nil
	},
}
