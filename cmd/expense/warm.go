package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/Veraticus/expense-flow/internal/warmup"
)

func warmCacheCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "warm-cache <expense-report.csv>",
		Short: "Seed the categorization tiers from a historical expense report",
		Long: `Import a CSV with the columns Date, Description, Vendor, Amount, GL Code and
Department. Every row becomes a cache entry, each distinct vendor becomes a
verified similarity example, and vendors gain aliases carrying their most common
GL code and department.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open report: %w", err)
			}
			defer func() { _ = f.Close() }()

			rows, rowErrs, err := warmup.ParseCSV(f)
			if err != nil {
				return err
			}

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			bar := newProgressBar(cmd.ErrOrStderr(), len(rows), "Warming cache...")
			opts := []warmup.Option{warmup.WithProgress(func(done, _ int) { _ = bar.Set(done) })}
			index, embedder, err := a.similarity(ctx)
			if err != nil {
				return err
			}
			if index != nil {
				opts = append(opts, warmup.WithSimilarity(index, embedder))
			}

			summary, err := warmup.NewImporter(a.store, a.vendors, a.logger, opts...).ImportRows(ctx, rows, rowErrs)
			_ = bar.Finish()
			if err != nil {
				return err
			}
			printWarmSummary(cmd, summary)
			return nil
		},
	}
}

func printWarmSummary(cmd *cobra.Command, s *warmup.Summary) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, boxStyle.Render(fmt.Sprintf(
		"Rows %d  Cached %d  Embedded %d  Embed failures %d  Aliases added %d",
		s.Rows, s.Cached, s.Embedded, s.EmbedFailed, s.AliasesAdded)))

	codes := make([]string, 0, len(s.GLTotals))
	for code := range s.GLTotals {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	table := newTable(out, "GL code", "Total")
	for _, code := range codes {
		table.Append([]string{code, s.GLTotals[code].StringFixed(2)})
	}
	table.Render()

	for _, rowErr := range s.Errors {
		fmt.Fprintf(out, "%s line %d: %v\n", warningStyle.Render("skipped"), rowErr.Line, rowErr.Err)
	}
}
