package main

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/Veraticus/expense-flow/internal/common"
	"github.com/Veraticus/expense-flow/internal/matching"
	"github.com/Veraticus/expense-flow/internal/model"
	"github.com/Veraticus/expense-flow/internal/service"
)

func automatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "automatch [receipt-id...]",
		Short: "Score receipts against transactions and propose matches",
		Long: `Score each receipt against the transactions and groups in its date window and
propose the best candidate when it clears the auto-propose threshold.

With --all every unmatched receipt is processed.`,
		RunE: runAutomatch,
	}

	cmd.Flags().Bool("all", false, "Process every unmatched receipt")
	cmd.Flags().String("owner", "", "Limit --all to one owner")
	cmd.Flags().Bool("scores", false, "Print every candidate score for a single receipt without proposing")

	return cmd
}

func runAutomatch(cmd *cobra.Command, args []string) error {
	all, _ := cmd.Flags().GetBool("all")
	owner, _ := cmd.Flags().GetString("owner")
	showScores, _ := cmd.Flags().GetBool("scores")
	ctx := cmd.Context()

	if all == (len(args) > 0) {
		return common.Validationf("pass either receipt ids or --all")
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	manager, err := a.manager(ctx)
	if err != nil {
		return err
	}

	if showScores {
		if len(args) != 1 {
			return common.Validationf("--scores takes exactly one receipt id")
		}
		scores, err := manager.ScoreCandidates(ctx, args[0])
		if err != nil {
			return err
		}
		printScores(cmd, scores, a.cfg.Matching.AutoProposeThreshold)
		return nil
	}

	ids := args
	if all {
		receipts, err := a.store.ListUnmatchedReceipts(ctx, owner)
		if err != nil {
			return err
		}
		ids = make([]string, 0, len(receipts))
		for _, r := range receipts {
			ids = append(ids, r.ID)
		}
	}
	if len(ids) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), subtleStyle.Render("No receipts to match"))
		return nil
	}

	out := cmd.OutOrStdout()
	bar := newProgressBar(cmd.ErrOrStderr(), len(ids), "Matching receipts...")
	var (
		mu       sync.Mutex
		proposed []matching.AutoMatchResult
	)
	summary, err := manager.BatchAutoMatch(ctx, ids, func(result matching.AutoMatchResult, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err == nil && result.Proposed() {
			proposed = append(proposed, result)
		}
		_ = bar.Add(1)
	})
	_ = bar.Finish()

	if len(proposed) > 0 {
		table := newTable(out, "Receipt", "Proposal", "Target", "Confidence", "Reason")
		for _, r := range proposed {
			table.Append([]string{
				r.ReceiptID,
				r.Proposal.ID,
				r.Proposal.Target.String(),
				strconv.Itoa(r.Proposal.Confidence),
				r.Proposal.Reason,
			})
		}
		table.Render()
	}

	fmt.Fprintln(out, boxStyle.Render(fmt.Sprintf(
		"Processed %d  Proposed %s  Skipped %d  Failed %s  Not started %d  (%s)",
		summary.Processed,
		successStyle.Render(strconv.Itoa(summary.Proposed)),
		summary.Skipped,
		errorStyle.Render(strconv.Itoa(summary.Failed)),
		summary.NotStarted,
		summary.ProcessingTime.Round(time.Millisecond),
	)))
	for id, failure := range summary.Errors {
		fmt.Fprintf(out, "%s %s: %v\n", errorStyle.Render("✗"), id, failure)
	}
	return err
}

func printScores(cmd *cobra.Command, scores []matching.Score, threshold int) {
	out := cmd.OutOrStdout()
	if len(scores) == 0 {
		fmt.Fprintln(out, subtleStyle.Render("No candidates in window"))
		return
	}
	table := newTable(out, "Target", "Description", "Amount", "Date", "Amount pts", "Date pts", "Vendor pts", "Confidence")
	for _, s := range scores {
		table.Append([]string{
			s.Candidate.Target.String(),
			s.Candidate.Text,
			s.Candidate.Amount.StringFixed(2),
			s.Candidate.Date.Format("2006-01-02"),
			strconv.Itoa(s.Amount),
			strconv.Itoa(s.Date),
			strconv.Itoa(s.Vendor),
			confidenceStyle(s.Confidence, threshold).Render(strconv.Itoa(s.Confidence)),
		})
	}
	table.Render()
}

func proposalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proposals",
		Short: "List match proposals",
		RunE: func(cmd *cobra.Command, _ []string) error {
			receiptID, _ := cmd.Flags().GetString("receipt")
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")
			ctx := cmd.Context()

			filter := service.ProposalFilter{ReceiptID: receiptID, Status: model.ProposalStatus(status), Limit: limit}
			if status != "" && !filter.Status.Valid() {
				return common.Validationf("unknown proposal status %q", status)
			}

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			manager, err := a.manager(ctx)
			if err != nil {
				return err
			}
			proposals, err := manager.ListProposals(ctx, filter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(proposals) == 0 {
				fmt.Fprintln(out, subtleStyle.Render("No proposals"))
				return nil
			}
			table := newTable(out, "ID", "Receipt", "Target", "Status", "Confidence", "A/D/V", "Version", "Created")
			for _, p := range proposals {
				confidence := strconv.Itoa(p.Confidence)
				if p.IsManual {
					confidence = "manual"
				}
				table.Append([]string{
					p.ID,
					p.ReceiptID,
					p.Target.String(),
					string(p.Status),
					confidence,
					fmt.Sprintf("%d/%d/%d", p.AmountScore, p.DateScore, p.VendorScore),
					p.Version,
					p.CreatedAt.Format("2006-01-02 15:04"),
				})
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().String("receipt", "", "Only proposals for this receipt")
	cmd.Flags().String("status", "", "PROPOSED, CONFIRMED or REJECTED")
	cmd.Flags().Int("limit", 50, "Maximum proposals to show")

	return cmd
}

func confirmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <proposal-id> <version>",
		Short: "Confirm a match proposal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resolveProposal(cmd, args[0], args[1], true)
		},
	}
}

func rejectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reject <proposal-id> <version>",
		Short: "Reject a match proposal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resolveProposal(cmd, args[0], args[1], false)
		},
	}
}

func resolveProposal(cmd *cobra.Command, id, version string, confirm bool) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	manager, err := a.manager(ctx)
	if err != nil {
		return err
	}

	var proposal *model.MatchProposal
	if confirm {
		proposal, err = manager.Confirm(ctx, id, version)
	} else {
		proposal, err = manager.Reject(ctx, id, version)
	}
	if err != nil {
		return proposalError(id, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s %s → %s (%s)\n",
		successStyle.Render("✓"), proposal.ReceiptID, proposal.Target.String(), proposal.Status)
	return nil
}

// proposalError turns a version conflict into a message telling the user to
// refresh the proposal list. Other errors pass through unchanged.
func proposalError(id string, err error) error {
	switch {
	case errors.Is(err, common.ErrAlreadyConfirmed):
		return common.NewUserError(fmt.Sprintf("proposal %s is already confirmed; run 'expense proposals' to refresh", id), err)
	case errors.Is(err, common.ErrConcurrencyConflict):
		return common.NewUserError(fmt.Sprintf("proposal %s changed since it was listed; run 'expense proposals' and retry with the new version", id), err)
	default:
		return err
	}
}

func matchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "match <receipt-id>",
		Short: "Manually pair a receipt with a transaction or group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			txnID, _ := cmd.Flags().GetString("transaction")
			groupID, _ := cmd.Flags().GetString("group")
			ctx := cmd.Context()

			var (
				target model.MatchTarget
				err    error
			)
			switch {
			case txnID != "" && groupID != "":
				return common.Validationf("pass --transaction or --group, not both")
			case groupID != "":
				target, err = model.GroupTarget(groupID)
			default:
				target, err = model.TransactionTarget(txnID)
			}
			if err != nil {
				return err
			}

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			manager, err := a.manager(ctx)
			if err != nil {
				return err
			}
			proposal, err := manager.ManualMatch(ctx, args[0], target)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s proposal %s (version %s)\n",
				successStyle.Render("✓ Created"), proposal.ID, proposal.Version)
			return nil
		},
	}

	cmd.Flags().String("transaction", "", "Transaction id")
	cmd.Flags().String("group", "", "Transaction group id")

	return cmd
}
