package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/wsharvest/store"
)

var resultsFlags struct {
	statuses []string
	region   int
	like     string
	limit    uint64
	offset   uint64
	jsonOut  bool
}

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Show collected frequencies",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
		f := store.ResultFilter{
			Region: resultsFlags.region,
			Like:   resultsFlags.like,
			Limit:  resultsFlags.limit,
			Offset: resultsFlags.offset,
		}
		for _, s := range resultsFlags.statuses {
			f.Statuses = append(f.Statuses, store.Status(s))
		}
		rows, err := a.st.ListResults(cmd.Context(), f)
		if err != nil {
			return err
		}
		if resultsFlags.jsonOut {
			return writeResultsJSON(cmd.OutOrStdout(), rows)
		}
		printResults(cmd.OutOrStdout(), rows)
		return nil
	}),
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count phrases and accounts by status",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
		ctx := cmd.Context()
		counts, err := a.st.CountsByStatus(ctx)
		if err != nil {
			return err
		}
		accounts, err := a.accounts.List(ctx)
		if err != nil {
			return err
		}
		byStatus := make(map[string]int)
		for _, acc := range accounts {
			byStatus[string(acc.Status)]++
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "phrases:")
		printCounts(out, map[string]int{
			string(store.StatusQueued):  counts[store.StatusQueued],
			string(store.StatusRunning): counts[store.StatusRunning],
			string(store.StatusOK):      counts[store.StatusOK],
			string(store.StatusError):   counts[store.StatusError],
		})
		fmt.Fprintln(out, "accounts:")
		printCounts(out, byStatus)
		return nil
	}),
}

func init() {
	f := resultsCmd.Flags()
	f.StringSliceVarP(&resultsFlags.statuses, "status", "s", nil, "filter by status: queued, running, ok, error")
	f.IntVarP(&resultsFlags.region, "region", "r", 0, "filter by region id")
	f.StringVar(&resultsFlags.like, "like", "", "filter by phrase substring")
	f.Uint64VarP(&resultsFlags.limit, "limit", "n", 0, "maximum rows")
	f.Uint64Var(&resultsFlags.offset, "offset", 0, "rows to skip")
	f.BoolVar(&resultsFlags.jsonOut, "json", false, "one JSON object per line")
}

type resultJSON struct {
	Mask     string `json:"mask"`
	Region   int    `json:"region"`
	Status   string `json:"status"`
	Total    int64  `json:"freq_total"`
	Quotes   int64  `json:"freq_quotes"`
	Exact    int64  `json:"freq_exact"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
	Updated  string `json:"updated_at"`
}

func writeResultsJSON(w io.Writer, rows []store.Result) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, r := range rows {
		err := enc.Encode(resultJSON{
			Mask:     r.Mask,
			Region:   r.Region,
			Status:   string(r.Status),
			Total:    r.Freqs.Total,
			Quotes:   r.Freqs.Quotes,
			Exact:    r.Freqs.Exact,
			Attempts: r.Attempts,
			Error:    r.Error,
			Updated:  r.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func printResults(w io.Writer, rows []store.Result) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PHRASE\tREGION\tSTATUS\tTOTAL\t\"QUOTES\"\t!EXACT\tATTEMPTS\tERROR")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%d\t%d\t%d\t%s\n",
			r.Mask, r.Region, r.Status, r.Freqs.Total, r.Freqs.Quotes, r.Freqs.Exact, r.Attempts, r.Error)
	}
	tw.Flush()
}

func printCounts(w io.Writer, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-10s %d\n", k, counts[k])
	}
}
