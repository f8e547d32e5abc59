package main

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Veraticus/expense-flow/internal/model"
)

func patternsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "Inspect learned expense patterns",
	}
	cmd.AddCommand(patternsListCmd())
	cmd.AddCommand(patternsSuppressCmd())
	return cmd
}

func patternsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List expense patterns with their classification",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			patterns, err := a.store.ListPatterns(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(patterns) == 0 {
				fmt.Fprintln(out, subtleStyle.Render("No patterns learned yet"))
				return nil
			}

			predictor := a.predictor()
			table := newTable(out, "ID", "Vendor", "Class", "Confirms", "Rejects", "Avg", "Min", "Max", "Last seen", "Suppressed")
			for i := range patterns {
				p := &patterns[i]
				class := predictor.Classify(p)
				table.Append([]string{
					p.ID,
					p.DisplayName,
					classStyle(class).Render(string(class)),
					strconv.Itoa(p.ConfirmCount),
					strconv.Itoa(p.RejectCount),
					fmt.Sprintf("%.2f", p.AverageAmount),
					fmt.Sprintf("%.2f", p.MinAmount),
					fmt.Sprintf("%.2f", p.MaxAmount),
					formatTime(&p.LastSeenAt),
					strconv.FormatBool(p.IsSuppressed),
				})
			}
			table.Render()
			return nil
		},
	}
}

func patternsSuppressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "suppress <pattern-id>",
		Short: "Stop a pattern from producing predictions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			undo, _ := cmd.Flags().GetBool("undo")

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.predictor().SuppressPattern(cmd.Context(), args[0], !undo); err != nil {
				return err
			}
			state := "suppressed"
			if undo {
				state = "active"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s pattern %s is %s\n", successStyle.Render("✓"), args[0], state)
			return nil
		},
	}

	cmd.Flags().Bool("undo", false, "Re-enable a suppressed pattern")

	return cmd
}

func classStyle(c model.PatternClass) lipgloss.Style {
	switch c {
	case model.ClassBusiness:
		return successStyle
	case model.ClassPersonal:
		return warningStyle
	default:
		return subtleStyle
	}
}

func predictionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "predictions",
		Short: "Predict and resolve business-expense flags for transactions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "predict <transaction-id>",
		Short: "Predict whether a transaction is a business expense",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			txn, err := a.store.GetTransaction(ctx, args[0])
			if err != nil {
				return err
			}
			prediction, err := a.predictor().Predict(ctx, txn)
			if err != nil {
				return err
			}
			if prediction == nil {
				fmt.Fprintln(cmd.OutOrStdout(), subtleStyle.Render("No business pattern for this vendor"))
				return nil
			}
			printPrediction(cmd, prediction)
			return nil
		},
	})
	cmd.AddCommand(predictionResolveCmd("confirm", "Confirm a pending prediction", true))
	cmd.AddCommand(predictionResolveCmd("reject", "Reject a pending prediction", false))
	cmd.AddCommand(&cobra.Command{
		Use:   "override <transaction-id>",
		Short: "Flag a transaction as a business expense by hand",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			prediction, err := a.predictor().ManualOverride(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printPrediction(cmd, prediction)
			return nil
		},
	})
	return cmd
}

func predictionResolveCmd(verb, short string, confirm bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <prediction-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			predictor := a.predictor()
			var prediction *model.TransactionPrediction
			if confirm {
				prediction, err = predictor.ConfirmPrediction(cmd.Context(), args[0])
			} else {
				prediction, err = predictor.RejectPrediction(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			printPrediction(cmd, prediction)
			return nil
		},
	}
}

func printPrediction(cmd *cobra.Command, p *model.TransactionPrediction) {
	source := "manual"
	if p.PatternID != nil {
		source = "pattern " + *p.PatternID
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s  transaction %s  %s %.2f (%s)  %s\n",
		boldStyle.Render("Prediction"), p.ID, p.TransactionID,
		p.ConfidenceLevel, p.ConfidenceScore, source, p.Status)
}
