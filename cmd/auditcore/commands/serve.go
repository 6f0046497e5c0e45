package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"auditcore/internal/logger"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the audit core: consume events and serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig(false)
			if err != nil {
				return err
			}
			defer logger.Sync()

			logger.Infof("auditcore starting")
			logger.Infof("Config loaded from: %s", path)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, cfg)
			if err != nil {
				logger.Errorf("Failed to start: %v", err)
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.Errorf("Shutdown: %v", err)
				}
			}()

			if err := a.Run(ctx); err != nil {
				logger.Errorf("auditcore stopped: %v", err)
				return err
			}
			logger.Infof("auditcore stopped")
			return nil
		},
	}
}
