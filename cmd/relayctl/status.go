package main

import (
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

var (
	statusOnly   bool
	allowPartial bool
)

var statusCmd = &cobra.Command{
	Use:   "status ID",
	Short: "Show a query request by request id or originator id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		q := url.Values{}
		if statusOnly {
			q.Set("status_only", "true")
		}
		if allowPartial {
			q.Set("allow_partial", "true")
		}
		path := "/query/" + url.PathEscape(args[0])
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		var res queryResult
		if _, err := c.getJSON(path, &res, http.StatusOK, http.StatusAccepted); err != nil {
			return err
		}
		return printResult(&res)
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusOnly, "status-only", false, "Omit fragment descriptors")
	statusCmd.Flags().BoolVar(&allowPartial, "allow-partial", false, "Include fragments of a request still in flight")
}
