package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newMonitorCmd() *cobra.Command {
	var (
		server   string
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch persisted events on a running server for a bounded duration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if server == "" {
				cfg, _, err := loadConfig(true)
				if err != nil {
					return err
				}
				server = localURL(cfg.AuditCore.API.Addr)
			}
			endpoint := strings.TrimRight(server, "/") + "/v1/monitor?duration=" + url.QueryEscape(duration.String())

			client := &http.Client{Timeout: duration + 30*time.Second}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, endpoint, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("monitor %s: %w", server, err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("monitor %s: status %d: %s", server, resp.StatusCode, strings.TrimSpace(string(body)))
			}

			var pretty interface{}
			if err := json.Unmarshal(body, &pretty); err != nil {
				return fmt.Errorf("decode monitor response: %w", err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(pretty)
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "auditcore API base URL (default from api.addr)")
	cmd.Flags().DurationVar(&duration, "duration", 30*time.Second, "how long to watch")
	return cmd
}

// localURL turns a listen address such as ":8080" into a client URL.
func localURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}
