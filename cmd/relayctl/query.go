package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	queryWait         bool
	queryOriginatorID string
	pollInterval      = 2 * time.Second
)

var queryCmd = &cobra.Command{
	Use:   "query SQL",
	Short: "Submit a federated query",
	Long: `Submit a query and print the fragment descriptors it produced.

The originator id is generated here unless --id is given, so resubmitting
with the same id replays the stored result instead of running again. With
--wait, a submission that times out on the client is followed by polling
until the request reaches a terminal state.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		id := queryOriginatorID
		if id == "" {
			id = uuid.NewString()
		}

		var res queryResult
		err = c.postJSON("/query", queryRequest{OriginatorRequestID: id, SQL: args[0]}, &res)
		if err != nil {
			if !queryWait || !isTimeout(err) {
				return err
			}
			fmt.Fprintf(os.Stderr, "submission still running, polling %s\n", id)
			polled, err := waitForResult(c, id)
			if err != nil {
				return err
			}
			res = *polled
		}
		return printResult(&res)
	},
}

func init() {
	queryCmd.Flags().BoolVar(&queryWait, "wait", false, "Poll for the result if the submission times out")
	queryCmd.Flags().StringVar(&queryOriginatorID, "id", "", "Originator request id (default: random uuid)")
}

func isTimeout(err error) bool {
	var ue *url.Error
	return errors.As(err, &ue) && ue.Timeout()
}

// waitForResult polls GET /query/{id} until the server answers 200, which it
// does only once the request is terminal.
func waitForResult(c *relayClient, id string) (*queryResult, error) {
	for {
		var res queryResult
		code, err := c.getJSON("/query/"+url.PathEscape(id), &res, http.StatusOK, http.StatusAccepted)
		if err != nil {
			return nil, err
		}
		if code == http.StatusOK {
			return &res, nil
		}
		time.Sleep(pollInterval)
	}
}
