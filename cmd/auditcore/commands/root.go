package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"auditcore/config"
	"auditcore/internal/app"
	"auditcore/internal/logger"
)

const defaultConfigName = "auditcore.yml"

var cfgFile string

// NewRoot builds the auditcore command tree.
func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "auditcore",
		Short:         "Audit coordination core for compliance agents",
		Long:          "auditcore persists every agent event in an append-only audit log, watches event and failure rates for anomalies, and serves compliance metrics and audit reports.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default ./auditcore.yml or next to the executable)")

	root.AddCommand(
		newServeCmd(),
		newReportCmd(),
		newMetricsCmd(),
		newMonitorCmd(),
		newRecomputeCmd(),
	)
	return root
}

// findConfigFile resolves the config path: the flag, then the working
// directory, then the executable's directory. A missing file is not an
// error; environment variables and defaults may be enough.
func findConfigFile(configArg string) string {
	if configArg != "" {
		if _, err := os.Stat(configArg); err == nil {
			return configArg
		}
		fmt.Fprintf(os.Stderr, "Warning: config file not found at %s, trying default locations\n", configArg)
	}

	if _, err := os.Stat(defaultConfigName); err == nil {
		return defaultConfigName
	}

	if exePath, err := os.Executable(); err == nil {
		path := filepath.Join(filepath.Dir(exePath), defaultConfigName)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return defaultConfigName
}

// loadConfig loads the configuration and initializes logging. One-shot
// commands keep stdout for their own output, so they only log to a file.
func loadConfig(oneShot bool) (*config.Config, string, error) {
	path := findConfigFile(cfgFile)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}

	l := cfg.AuditCore.Logging
	opts := logger.Options{
		Enabled: l.Enabled,
		Level:   l.Level,
		File:    l.File,
		Console: l.Console,
		Format:  l.Format,
	}
	if oneShot {
		opts.Console = false
		opts.Enabled = opts.Enabled && opts.File != ""
	}
	if err := logger.Init(opts); err != nil {
		return nil, path, fmt.Errorf("initialize logger: %w", err)
	}
	return cfg, path, nil
}

// openApp builds the application and replays the audit log into the
// metric and anomaly views.
func openApp(ctx context.Context, cfg *config.Config) (*app.App, error) {
	a, err := app.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := a.Warm(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}
