package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Veraticus/expense-flow/internal/similarity"
)

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show which categorization tier served recent requests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			since, _ := cmd.Flags().GetDuration("since")
			ctx := cmd.Context()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.store.TierUsageSummary(ctx, time.Now().Add(-since))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, titleStyle.Render("Cascade usage, last "+since.String()))
			total := 0
			for _, s := range stats {
				total += s.Count
			}
			if total == 0 {
				fmt.Fprintln(out, subtleStyle.Render("No categorizations recorded"))
				return nil
			}

			table := newTable(out, "Tier", "Count", "Share", "Avg latency")
			for _, s := range stats {
				avg := time.Duration(0)
				if s.Count > 0 {
					avg = s.TotalElapsed / time.Duration(s.Count)
				}
				table.Append([]string{
					string(s.Tier),
					strconv.Itoa(s.Count),
					fmt.Sprintf("%.1f%%", float64(s.Count)*100/float64(total)),
					avg.Round(time.Microsecond).String(),
				})
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().Duration("since", 30*24*time.Hour, "How far back to summarize")

	return cmd
}

func purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete unverified similarity records past their retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			index, _, err := a.similarity(ctx)
			if err != nil {
				return err
			}
			if index == nil {
				index = similarity.NewSQLiteIndex(a.store, similarity.WithRetention(a.cfg.Cascade.Retention))
			}
			purged, err := index.PurgeExpired(ctx, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d expired records removed\n", successStyle.Render("✓"), purged)
			return nil
		},
	}
}
