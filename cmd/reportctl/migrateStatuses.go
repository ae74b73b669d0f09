package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/rsmtech/servicereport_backend/models"
	"github.com/spf13/cobra"
)

var statusDryRun bool

// migrate-statuses rewrites stored legacy status tokens to the canonical statuses.
var migrateStatusesCmd = &cobra.Command{
	Use:   "migrate-statuses",
	Short: "Rewrite legacy report statuses to canonical values",
	RunE:  runMigrateStatuses,
}

func init() {
	migrateStatusesCmd.Flags().BoolVar(&statusDryRun, "dry-run", false, "Only print the planned rewrites")
}

type statusRewrite struct {
	From    string `json:"from"`
	To      string `json:"to,omitempty"`
	Reports int64  `json:"reports"`
	Updated int64  `json:"updated"`
	Unknown bool   `json:"unknown,omitempty"`
}

func planStatusRewrites(counts map[string]int64) []statusRewrite {
	plan := make([]statusRewrite, 0, len(counts))
	for raw, n := range counts {
		if models.ReportStatus(raw).IsValid() {
			continue
		}
		to, ok := models.MapLegacyStatus(raw)
		if !ok {
			plan = append(plan, statusRewrite{From: raw, Reports: n, Unknown: true})
			continue
		}
		plan = append(plan, statusRewrite{From: raw, To: string(to), Reports: n})
	}
	sort.Slice(plan, func(i, j int) bool { return plan[i].From < plan[j].From })
	return plan
}

func runMigrateStatuses(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, err := openStore()
	if err != nil {
		return err
	}
	counts, err := store.ReportStatusCounts(ctx)
	if err != nil {
		return err
	}

	plan := planStatusRewrites(counts)
	for i := range plan {
		if plan[i].Unknown || statusDryRun {
			continue
		}
		n, err := store.RewriteReportStatus(ctx, plan[i].From, models.ReportStatus(plan[i].To))
		if err != nil {
			return fmt.Errorf("rewrite %q: %w", plan[i].From, err)
		}
		plan[i].Updated = n
	}

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(plan)
	}
	if len(plan) == 0 {
		fmt.Println("all report statuses are canonical")
		return nil
	}
	for _, p := range plan {
		switch {
		case p.Unknown:
			fmt.Printf("%-24q  %6d reports  UNKNOWN, left untouched\n", p.From, p.Reports)
		case statusDryRun:
			fmt.Printf("%-24q -> %-22s %6d reports (dry run)\n", p.From, p.To, p.Reports)
		default:
			fmt.Printf("%-24q -> %-22s %6d updated\n", p.From, p.To, p.Updated)
		}
	}
	return nil
}
