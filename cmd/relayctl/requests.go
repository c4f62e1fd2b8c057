package main

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	requestsState     string
	requestsPageSize  int
	requestsPageToken string
)

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "List query requests received by the relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		q := url.Values{}
		if requestsState != "" {
			q.Set("state", requestsState)
		}
		if requestsPageSize > 0 {
			q.Set("pageSize", strconv.Itoa(requestsPageSize))
		}
		if requestsPageToken != "" {
			q.Set("pageToken", requestsPageToken)
		}
		path := "/query"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		var resp requestsResponse
		if _, err := c.getJSON(path, &resp); err != nil {
			return err
		}
		if outputFmt != "table" {
			return printOutput(resp)
		}

		rows := make([][]string, 0, len(resp.Requests))
		for _, r := range resp.Requests {
			origin := r.OriginKind
			if r.OriginRelay != "" {
				origin += ":" + r.OriginRelay
			}
			rows = append(rows, []string{r.ID, r.OriginatorRequestID, r.State, origin, truncate(r.SQL, 50)})
		}
		printTable([]string{"id", "originator", "state", "origin", "sql"}, rows)
		if resp.NextPageToken != "" {
			fmt.Fprintf(out, "\nnext page: --page-token %s (%d total)\n", resp.NextPageToken, resp.TotalSize)
		}
		return nil
	},
}

func init() {
	requestsCmd.Flags().StringVar(&requestsState, "state", "", "Filter by state")
	requestsCmd.Flags().IntVar(&requestsPageSize, "page-size", 0, "Page size")
	requestsCmd.Flags().StringVar(&requestsPageToken, "page-token", "", "Page token from a previous listing")
}
