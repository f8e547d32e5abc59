package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Veraticus/expense-flow/internal/vendor"
)

func aliasesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aliases",
		Short: "Manage vendor aliases",
	}
	cmd.AddCommand(aliasesListCmd())
	cmd.AddCommand(aliasesSeedCmd())
	cmd.AddCommand(aliasesTestCmd())
	return cmd
}

func aliasesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List vendor aliases and how often they matched",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			aliases, err := a.store.ListAliases(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(aliases) == 0 {
				fmt.Fprintln(out, subtleStyle.Render("No aliases stored. Run 'expense aliases seed' to load the built-in table."))
				return nil
			}

			fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("Vendor aliases (%d)", len(aliases))))
			table := newTable(out, "Name", "Pattern", "GL", "Dept", "Matches", "Last matched")
			for _, alias := range aliases {
				table.Append([]string{
					alias.Name(),
					alias.Pattern,
					alias.DefaultGLCode,
					alias.DefaultDepartment,
					strconv.Itoa(alias.MatchCount),
					formatTime(alias.LastMatchedAt),
				})
			}
			table.Render()
			return nil
		},
	}
}

func aliasesSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Insert built-in aliases that are not stored yet",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			added, err := a.store.SeedAliases(cmd.Context(), vendor.DefaultAliases())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render(fmt.Sprintf("✓ %d aliases added", added)))
			return nil
		},
	}
}

func aliasesTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test <text>",
		Short: "Show which alias a description resolves to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			alias, ok := a.vendors.Match(args[0])
			if !ok {
				key, _ := a.vendors.Key(args[0])
				fmt.Fprintf(out, "%s %s\n", warningStyle.Render("No alias matched; vendor key:"), key)
				return nil
			}
			fmt.Fprintf(out, "%s %s (%s)\n", successStyle.Render("Matched"), boldStyle.Render(alias.Name()), alias.Pattern)
			return nil
		},
	}
}
