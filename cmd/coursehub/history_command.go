package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/coursehub/coursehub/pkg/history"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var filter history.Filter
	var outcome string
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past submissions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			journal, err := ctx.historyStore(cfg)
			if err != nil {
				return err
			}
			filter.Outcome = history.Outcome(outcome)
			records := journal.Query(filter)

			if jsonOut {
				return writeJSON(cmd, records)
			}
			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "No submissions recorded")
				return nil
			}
			fmt.Fprintln(out, renderHistoryTable(records))

			sum := history.Summarize(records)
			fmt.Fprintf(out, "%s submissions: %d ok, %d rejected, %d failed, %s uploaded in %s\n",
				history.GroupedInt(sum.Submissions), sum.Succeeded, sum.Rejected, sum.Errored,
				history.HumanBytes(sum.Bytes), history.ShortDuration(sum.Duration))
			return nil
		},
	}

	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 20, "Show at most this many recent submissions (0 for all)")
	cmd.Flags().StringVar(&filter.Endpoint, "endpoint", "", "Only show submissions to this endpoint")
	cmd.Flags().StringVar(&filter.DayKey, "day", "", "Only show submissions from this UTC day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&outcome, "outcome", "", "Only show submissions with this outcome (ok, rejected, error)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print records as JSON")
	return cmd
}

func renderHistoryTable(records []history.Record) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"When", "Endpoint", "Outcome", "Resource", "Files", "Size", "Took", "Last progress"})
	for _, r := range records {
		outcome := string(r.Outcome)
		if r.Status != 0 {
			outcome += " " + strconv.Itoa(r.Status)
		}
		resource := r.ResourceID
		if resource == "" {
			resource = "-"
		}
		tw.AppendRow(table.Row{
			history.Ago(r.StartedAt),
			r.Endpoint,
			outcome,
			resource,
			r.Attachments,
			history.HumanBytes(r.Bytes),
			history.ShortDuration(time.Duration(r.DurationMS) * time.Millisecond),
			r.LastProgress,
		})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
	})
	return tw.Render()
}
