package worker

import (
	"fmt"

	"github.com/jmehdipour/campaign-gateway/internal/app"
	"github.com/jmehdipour/campaign-gateway/internal/db"
	"github.com/jmehdipour/campaign-gateway/internal/logger"
	"github.com/jmehdipour/campaign-gateway/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Dispatch scheduled messages once they are due",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := app.Bootstrap(configPath(cmd))
		if err != nil {
			return err
		}

		dbx, err := db.NewMySQLConnection(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer dbx.Close()

		a, err := app.Build(cfg, dbx)
		if err != nil {
			return err
		}
		if len(a.Dispatcher.States()) == 0 {
			return fmt.Errorf("no providers enabled in config")
		}

		ctx, stop := signalContext()
		defer stop()
		serveMetrics(ctx)

		s := worker.NewScheduler(a.Sends, cfg.Scheduler.Interval, cfg.Scheduler.BatchSize)
		logger.Log.Info("scheduler started",
			zap.Duration("interval", s.Interval), zap.Int("batch_size", s.BatchSize))
		return s.Run(ctx)
	},
}
