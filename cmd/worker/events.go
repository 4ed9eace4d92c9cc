package worker

import (
	"errors"
	"fmt"

	"github.com/jmehdipour/campaign-gateway/internal/app"
	"github.com/jmehdipour/campaign-gateway/internal/db"
	"github.com/jmehdipour/campaign-gateway/internal/kafka"
	"github.com/jmehdipour/campaign-gateway/internal/logger"
	"github.com/jmehdipour/campaign-gateway/internal/repository"
	"github.com/jmehdipour/campaign-gateway/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Project message lifecycle events from Kafka into ClickHouse",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := app.Bootstrap(configPath(cmd))
		if err != nil {
			return err
		}

		chDB, err := db.NewClickHouseConnection(cfg.ClickHouse)
		if err != nil {
			return fmt.Errorf("clickhouse connect: %w", err)
		}
		if chDB == nil {
			return errors.New("clickhouse.dsn is required for the events worker")
		}
		defer chDB.Close()

		topic := cfg.Events.Topic
		if topic == "" {
			topic = repository.MessageEventsTopic
		}
		kc := kafka.ConfigFor(cfg.Kafka, topic, "events")
		consumer := kafka.NewConsumerFromConfig(kc)
		defer consumer.Close()

		ctx, stop := signalContext()
		defer stop()
		serveMetrics(ctx)

		w := worker.NewEventsProjector(consumer, repository.NewEventsRepository(chDB), cfg.Events.BatchSize, cfg.Events.BatchWait)
		logger.Log.Info("events worker started",
			zap.String("topic", topic), zap.String("group", kc.GroupID),
			zap.Int("batch_size", w.BatchSize), zap.Duration("batch_wait", w.BatchWait))

		err = w.Run(ctx)
		logger.Log.Info("events worker stopped", zap.Int64("lag", consumer.Lag()))
		return err
	},
}
