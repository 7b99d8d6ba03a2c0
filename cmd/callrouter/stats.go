package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dennisdiepolder/monti/router/internal/storage"
	"github.com/spf13/cobra"
)

func newStatsCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print queue statistics and the waiting entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			store, err := ctx.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			return writeStats(cmd.Context(), cmd.OutOrStdout(), store, cfg.StatsWindow, limit, time.Now().UTC())
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum waiting entries to list")
	return cmd
}

func writeStats(ctx context.Context, out io.Writer, store storage.Store, window time.Duration, limit int, now time.Time) error {
	stats, err := store.QueueStats(ctx, now.Add(-window), now)
	if err != nil {
		return err
	}

	summary := [][]string{
		{"Waiting", strconv.Itoa(stats.WaitingCount)},
		{"Assigned", strconv.Itoa(stats.AssignedCount)},
		{"Active agents", strconv.Itoa(stats.ActiveAgents)},
		{"Avg wait", formatSeconds(stats.AvgWaitSeconds)},
		{"Longest wait", formatSeconds(stats.LongestWaitSeconds)},
	}
	fmt.Fprintf(out, "Queue (last %s)\n", window)
	fmt.Fprintln(out, renderTable([]string{"Metric", "Value"}, summary, []columnAlignment{alignLeft, alignRight}))

	waiting, err := store.FetchWaiting(ctx, limit)
	if err != nil {
		return err
	}
	if len(waiting) == 0 {
		fmt.Fprintln(out, "No callers waiting")
		return nil
	}

	rows := make([][]string, 0, len(waiting))
	for i, e := range waiting {
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			e.ID,
			e.Priority.String(),
			e.CustomerRef,
			formatSeconds(e.WaitTime(now).Seconds()),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"#", "Entry", "Priority", "Customer", "Waiting"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight},
	))
	return nil
}

func formatSeconds(s float64) string {
	return (time.Duration(s) * time.Second).String()
}
