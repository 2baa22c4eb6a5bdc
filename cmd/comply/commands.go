package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joss/comply/internal/checker"
	"github.com/joss/comply/internal/plan"
	"github.com/joss/comply/internal/render"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the last check result and usage",
		Run: func(cmd *cobra.Command, args []string) {
			snap := requireChecker(nil).Snapshot()
			output(snap, statusText(renderer(), snap))
		},
	}
}

func statusText(r *render.Renderer, snap checker.Snapshot) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "State: %s\n", snap.State)
	if snap.Error != "" {
		fmt.Fprintf(&sb, "Error: %s\n", snap.Error)
	}
	if snap.Result != nil {
		sb.WriteString("\n" + r.Check(*snap.Result))
	}
	sb.WriteString("\n" + r.Usage(snap.Usage))
	return sb.String()
}

func usageCmd() *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show checks used this month",
		Run: func(cmd *cobra.Command, args []string) {
			c := requireChecker(nil)
			if refresh {
				if err := c.Refresh(context.Background()); err != nil {
					exitOnError(err)
				}
			}
			info := c.Usage()
			output(info, renderer().Usage(info))
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Bypass the cache")
	return cmd
}

func historyCmd() *cobra.Command {
	var (
		limit   int
		refresh bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent checks, newest first",
		Long:  "List recent checks. How far back you can see depends on your plan.",
		Run: func(cmd *cobra.Command, args []string) {
			c := requireChecker(nil)
			if refresh {
				if err := c.Refresh(context.Background()); err != nil {
					exitOnError(err)
				}
			}
			records := c.History()
			if limit > 0 && limit < len(records) {
				records = records[:limit]
			}
			output(records, renderer().History(records))
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Show at most n checks (0 for the plan's full depth)")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Bypass the cache")
	return cmd
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a stored check",
		Args:    cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			c := requireChecker(nil)
			if err := c.DeleteCheck(context.Background(), args[0]); err != nil {
				exitOnError(err)
			}
			info := c.Usage()
			output(map[string]any{"deleted": args[0], "usage": info},
				fmt.Sprintf("✓ Deleted %s\n%s", args[0], renderer().Usage(info)))
		},
	}
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Forget the last result for this session",
		Run: func(cmd *cobra.Command, args []string) {
			c := requireChecker(nil)
			c.Reset(context.Background())
			output(map[string]any{"state": c.State()}, "✓ Session cleared\n")
		},
	}
}

func plansCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plans",
		Short: "List plans and their limits",
		Run: func(cmd *cobra.Command, args []string) {
			tables := requirePlans()
			type row struct {
				Plan         plan.Plan  `json:"plan"`
				MonthlyLimit plan.Limit `json:"monthlyLimit"`
				HistoryDepth int        `json:"historyDepth"`
			}
			var rows []row
			for _, p := range tables.Plans() {
				rows = append(rows, row{p, tables.MonthlyLimit(p), tables.Depth(p)})
			}
			output(rows, renderer().Plans(tables))
		},
	}
}

// requirePlans loads the plan tables without opening any store.
func requirePlans() plan.Tables {
	if app != nil {
		return app.plans
	}
	file := planFile()
	if file == "" {
		return plan.Default()
	}
	tables, err := plan.Load(file)
	if err != nil {
		exitOnError(err)
	}
	return tables
}
