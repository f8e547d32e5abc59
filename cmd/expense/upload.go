package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/Veraticus/expense-flow/internal/common"
	"github.com/Veraticus/expense-flow/internal/intake"
)

func uploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Register a receipt file and the fields extracted from it",
		Long: `Fingerprint a receipt file and store it unless the same owner already uploaded
identical bytes. Receipts that look like an existing one (same vendor, date and
amount) are stored and flagged. Stored receipts are processed and auto-matched
immediately unless --no-process is set.`,
		Args: cobra.ExactArgs(1),
		RunE: runUpload,
	}

	cmd.Flags().String("owner", "", "Receipt owner id")
	cmd.Flags().String("vendor", "", "Extracted vendor name")
	cmd.Flags().String("date", "", "Extracted receipt date (YYYY-MM-DD)")
	cmd.Flags().String("amount", "", "Extracted receipt total")
	cmd.Flags().Bool("override", false, "Store the file even if it is an exact duplicate")
	cmd.Flags().Bool("no-process", false, "Store the receipt without processing it")
	_ = cmd.MarkFlagRequired("owner")

	return cmd
}

func runUpload(cmd *cobra.Command, args []string) error {
	owner, _ := cmd.Flags().GetString("owner")
	vendorName, _ := cmd.Flags().GetString("vendor")
	dateStr, _ := cmd.Flags().GetString("date")
	amountStr, _ := cmd.Flags().GetString("amount")
	override, _ := cmd.Flags().GetBool("override")
	noProcess, _ := cmd.Flags().GetBool("no-process")
	ctx := cmd.Context()

	req := intake.UploadRequest{OwnerID: owner, Vendor: vendorName, Override: override}
	if dateStr != "" {
		date, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			return common.Validationf("invalid date %q", dateStr)
		}
		req.Date = &date
	}
	if amountStr != "" {
		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return common.Validationf("invalid amount %q", amountStr)
		}
		req.Amount = decimal.NewNullDecimal(amount)
	}

	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	req.FileRef = path
	if req.Data, err = os.ReadFile(path); err != nil {
		return fmt.Errorf("failed to read receipt file: %w", err)
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	in, err := a.intake(ctx, !noProcess)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	result, err := in.Upload(ctx, req)
	if result.Blocked() {
		if err != nil || result.Existing == nil {
			return err
		}
		fmt.Fprintf(out, "%s identical file already uploaded as receipt %s (use --override to store it anyway)\n",
			errorStyle.Render("✗ Duplicate:"), result.Existing.ID)
		return nil
	}

	fmt.Fprintf(out, "%s receipt %s (%s)\n", successStyle.Render("✓ Stored"), result.Receipt.ID, result.Verdict)
	for _, match := range result.SemanticMatches {
		fmt.Fprintf(out, "  %s receipt %s has the same vendor, date and amount\n", warningStyle.Render("!"), match.ID)
	}
	if err != nil {
		return fmt.Errorf("receipt stored but processing failed: %w", err)
	}
	return nil
}

func backfillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Compute missing file and content hashes for stored receipts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			pending, err := a.store.ListReceiptsMissingHashes(ctx, 0)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(pending) == 0 {
				fmt.Fprintln(out, subtleStyle.Render("Every receipt already has its hashes"))
				return nil
			}

			in, err := a.intake(ctx, false)
			if err != nil {
				return err
			}
			bar := newProgressBar(cmd.ErrOrStderr(), len(pending), "Backfilling hashes...")
			summary, err := in.Backfill(ctx, func(string, intake.BackfillOutcome) { _ = bar.Add(1) })
			_ = bar.Finish()

			fmt.Fprintln(out, boxStyle.Render(fmt.Sprintf(
				"Updated %d  Duplicates %d  Skipped %d  Failed %d  Not started %d  (%s)",
				summary.Updated, summary.Duplicates, summary.Skipped, summary.Failed,
				summary.NotStarted, summary.ProcessingTime.Round(time.Millisecond))))
			for id, failure := range summary.Errors {
				fmt.Fprintf(out, "%s %s: %v\n", errorStyle.Render("✗"), id, failure)
			}
			return err
		},
	}
}
