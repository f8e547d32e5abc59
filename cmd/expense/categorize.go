package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Veraticus/expense-flow/internal/categorize"
	"github.com/Veraticus/expense-flow/internal/common"
	"github.com/Veraticus/expense-flow/internal/feedback"
)

func categorizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "categorize [description...]",
		Short: "Resolve GL codes for statement descriptions",
		Long: `Resolve each description through the cache, similarity search and LLM tiers,
stopping at the first tier that produces a trustworthy answer.

Descriptions can also be read one per line from --file ("-" for stdin).`,
		RunE: runCategorize,
	}

	cmd.Flags().String("vendor", "", "Extracted vendor name, used as an inference hint")
	cmd.Flags().String("file", "", "Read descriptions from a file, one per line")

	return cmd
}

func runCategorize(cmd *cobra.Command, args []string) error {
	vendorName, _ := cmd.Flags().GetString("vendor")
	file, _ := cmd.Flags().GetString("file")
	ctx := cmd.Context()

	descriptions := args
	if file != "" {
		lines, err := readLines(file)
		if err != nil {
			return err
		}
		descriptions = append(descriptions, lines...)
	}
	if len(descriptions) == 0 {
		return common.Validationf("no descriptions given")
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	cascade, err := a.cascade(ctx)
	if err != nil {
		return err
	}

	requests := make([]categorize.Request, len(descriptions))
	for i, d := range descriptions {
		requests[i] = categorize.Request{Description: d, Vendor: vendorName}
	}
	items := cascade.ResolveBatch(ctx, requests, a.cfg.Cascade.Workers)

	out := cmd.OutOrStdout()
	table := newTable(out, "Description", "Normalized", "GL", "Dept", "Tier", "Trust", "Outcome", "Elapsed")
	for _, item := range items {
		if item.Err != nil {
			table.Append([]string{item.Request.Description, "", "", "", "", "", errorStyle.Render(item.Err.Error()), ""})
			continue
		}
		r := item.Result
		table.Append([]string{
			item.Request.Description,
			r.NormalizedDescription,
			r.GLCode,
			r.Department,
			string(r.Tier),
			string(r.Trust),
			outcomeStyle(r.Outcome).Render(string(r.Outcome)),
			r.Elapsed.String(),
		})
	}
	table.Render()

	stats := cascade.Stats()
	fmt.Fprintln(out, subtleStyle.Render(fmt.Sprintf("%d resolved, hit rate %.0f%%", stats.Total(), stats.HitRate()*100)))
	return nil
}

func readLines(path string) ([]string, error) {
	f := os.Stdin
	if path != "-" {
		var err error
		f, err = os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer func() { _ = f.Close() }()
	}

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

func acceptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accept <description>",
		Short: "Record the GL code and department a reviewer accepted",
		Long: `Pin the accepted codes for a description so the cache answers it next time,
and store the normalized text as a verified similarity example.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gl, _ := cmd.Flags().GetString("gl")
			dept, _ := cmd.Flags().GetString("dept")
			normalized, _ := cmd.Flags().GetString("normalized")
			ctx := cmd.Context()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			learner, err := a.learner(ctx)
			if err != nil {
				return err
			}
			err = learner.OnCategorizationAccepted(ctx, args[0], feedback.Accepted{
				NormalizedDescription: normalized,
				GLCode:                gl,
				Department:            dept,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s → %s/%s\n", successStyle.Render("✓ Learned"), args[0], gl, dept)
			return nil
		},
	}

	cmd.Flags().String("gl", "", "Accepted GL code")
	cmd.Flags().String("dept", "", "Accepted department")
	cmd.Flags().String("normalized", "", "Normalized description (defaults to the cached one)")
	_ = cmd.MarkFlagRequired("gl")

	return cmd
}
