package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"auditcore/pkg/models"
)

func newReportCmd() *cobra.Command {
	var (
		customer string
		start    string
		end      string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Generate an audit report from the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseOptionalTime("start", start)
			if err != nil {
				return err
			}
			to, err := parseOptionalTime("end", end)
			if err != nil {
				return err
			}

			cfg, _, err := loadConfig(true)
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.Service.GetAuditReport(cmd.Context(), customer, from, to)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			printReport(rep)
			return nil
		},
	}
	cmd.Flags().StringVar(&customer, "customer", "", "customer id (empty for all customers)")
	cmd.Flags().StringVar(&start, "start", "", "range start, RFC3339 (default end minus the report range)")
	cmd.Flags().StringVar(&end, "end", "", "range end, RFC3339 (default now)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func parseOptionalTime(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be RFC3339: %w", name, err)
	}
	return t, nil
}

func printCounts(title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Printf("  %s\n", title)
	for _, k := range keys {
		fmt.Printf("    %-34s %d\n", k, counts[k])
	}
}

func printReport(rep *models.Report) {
	customer := rep.CustomerID
	if customer == "" {
		customer = "all customers"
	}
	fmt.Println()
	fmt.Printf("  Audit report %s\n", rep.ReportID)
	fmt.Println("  ────────────────────────────────────────")
	fmt.Printf("  Customer:      %s\n", customer)
	fmt.Printf("  Period:        %s to %s\n", rep.Start.Format(time.RFC3339), rep.End.Format(time.RFC3339))
	fmt.Printf("  Events:        %d (through sequence %d)\n", rep.TotalEvents, rep.LastSequence)
	fmt.Printf("  Alerts:        %d\n", len(rep.Alerts))
	if rep.Degraded {
		fmt.Println("  Degraded:      yes")
	}
	printCounts("By type:", rep.EventsByType)
	printCounts("By agent:", rep.EventsByAgent)
	printCounts("By status:", rep.StatusSummary)
	fmt.Println()
	fmt.Printf("  %s\n", rep.NarrativeText)
	fmt.Println()
}
