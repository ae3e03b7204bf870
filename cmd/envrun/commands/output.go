package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/openfroyo/envrun/pkg/engine"
)

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable writes tab-separated rows with aligned columns.
func printTable(header string, rows []string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, header)
	for _, row := range rows {
		fmt.Fprintln(w, row)
	}
	_ = w.Flush()
}

func printModuleRun(run *engine.ModuleRun) {
	fmt.Printf("Run %s: %s %s/%s -> %s\n", run.ID, run.Operation, run.EnvironmentID, run.ModuleID, run.Status)
	if run.PlanSummary != nil {
		fmt.Printf("  Plan: %d to add, %d to change, %d to destroy\n",
			run.PlanSummary.Add, run.PlanSummary.Change, run.PlanSummary.Destroy)
	}
	if run.SkipReason != "" {
		fmt.Printf("  Skipped: %s\n", run.SkipReason)
	}
	if run.ErrorMessage != "" {
		fmt.Printf("  Error: %s\n", run.ErrorMessage)
	}
}

func printEnvironmentRun(run *engine.EnvironmentRun, children []engine.ModuleRun) {
	fmt.Printf("Environment run %s: %s %s -> %s\n", run.ID, run.Operation, run.EnvironmentID, run.Status)
	fmt.Printf("  %d/%d completed, %d failed, %d skipped\n", run.Completed, run.TotalModules, run.Failed, run.Skipped)
	for i, layer := range run.Layers {
		fmt.Printf("  Layer %d: %s\n", i, strings.Join(layer, ", "))
	}

	rows := make([]string, 0, len(children))
	for _, child := range children {
		detail := child.ErrorMessage
		if child.SkipReason != "" {
			detail = child.SkipReason
		}
		plan := "-"
		if child.PlanSummary != nil {
			plan = fmt.Sprintf("+%d ~%d -%d", child.PlanSummary.Add, child.PlanSummary.Change, child.PlanSummary.Destroy)
		}
		rows = append(rows, fmt.Sprintf("%d\t%s\t%s\t%s\t%s", child.QueuePosition, child.ModuleID, child.Status, plan, detail))
	}
	if len(rows) > 0 {
		fmt.Println()
		printTable("#\tMODULE\tSTATUS\tPLAN\tDETAIL", rows)
	}
}
