package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newMetricsCmd() *cobra.Command {
	var daily bool
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Print compliance metrics for the summary period",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(true)
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			m, err := a.Service.GetComplianceMetrics(cmd.Context())
			if err != nil {
				return err
			}
			out := map[string]interface{}{"compliance": m}

			if daily {
				if a.Counters == nil {
					return fmt.Errorf("--daily needs metrics.mirror.enabled")
				}
				counts, err := a.Counters.Daily(cmd.Context(), time.Now())
				if err != nil {
					return err
				}
				out["daily"] = counts
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().BoolVar(&daily, "daily", false, "include today's counters from the Redis counter mirror")
	return cmd
}
