package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// printOutput renders v as json or yaml. Table output is handled by each
// command since the columns differ.
func printOutput(v any) error {
	switch outputFmt {
	case "json":
		return printJSON(v)
	case "yaml":
		return printYAML(v)
	default:
		return fmt.Errorf("unsupported output format for structured data: %s (use json or yaml)", outputFmt)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printYAML(v any) error {
	// round-trip through JSON so keys follow the json tags
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	return enc.Encode(m)
}

func printTable(headers []string, rows [][]string) {
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	upper := make([]string, len(headers))
	for i, h := range headers {
		upper[i] = strings.ToUpper(h)
	}
	fmt.Fprintln(w, strings.Join(upper, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func printResult(res *queryResult) error {
	if outputFmt != "table" {
		return printOutput(res)
	}
	fmt.Fprintf(out, "Request:    %s\n", res.RequestID)
	fmt.Fprintf(out, "Originator: %s\n", res.OriginatorRequestID)
	fmt.Fprintf(out, "State:      %s\n", res.State)
	if res.Counts != nil {
		fmt.Fprintf(out, "Tasks:      %d complete, %d failed, %d in progress\n",
			res.Counts.Complete, res.Counts.Failed, res.Counts.InProgress)
	}
	if len(res.Fragments) > 0 {
		fmt.Fprintln(out)
		rows := make([][]string, 0, len(res.Fragments))
		for _, f := range res.Fragments {
			cols := make([]string, 0, len(f.Schema))
			for _, c := range f.Schema {
				cols = append(cols, c.Name+":"+c.Type)
			}
			relays := make([]string, 0, len(f.Chain))
			for _, l := range f.Chain {
				relays = append(relays, l.Relay)
			}
			rows = append(rows, []string{
				f.StreamID,
				f.Endpoint,
				truncate(strings.Join(cols, ","), 40),
				strings.Join(relays, ">"),
			})
		}
		printTable([]string{"stream", "endpoint", "columns", "chain"}, rows)
	}
	if len(res.Failures) > 0 {
		fmt.Fprintln(out)
		rows := make([][]string, 0, len(res.Failures))
		for _, f := range res.Failures {
			rows = append(rows, []string{f.TaskID, f.Target, truncate(f.Reason, 60)})
		}
		printTable([]string{"task", "target", "reason"}, rows)
	}
	return nil
}
