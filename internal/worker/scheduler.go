package worker

import (
	"context"
	"errors"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/logger"
	"github.com/jmehdipour/campaign-gateway/internal/metrics"
	"go.uber.org/zap"
)

// DueProcessor dispatches pending messages whose scheduled time has passed.
type DueProcessor interface {
	ProcessDue(ctx context.Context, batchSize int) (int, error)
}

// Scheduler sweeps due messages on a fixed interval.
type Scheduler struct {
	Sends     DueProcessor
	Interval  time.Duration
	BatchSize int
}

func NewScheduler(sends DueProcessor, interval time.Duration, batchSize int) *Scheduler {
	return &Scheduler{Sends: sends, Interval: interval, BatchSize: batchSize}
}

// Run sweeps once immediately and then every Interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.Sends == nil {
		return errors.New("scheduler: no send service")
	}
	if s.Interval <= 0 {
		s.Interval = 30 * time.Second
	}

	tick := time.NewTicker(s.Interval)
	defer tick.Stop()

	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	start := time.Now()
	n, err := s.Sends.ProcessDue(ctx, s.BatchSize)
	metrics.ScheduledDispatchTotal.Add(float64(n))
	if err != nil && ctx.Err() == nil {
		logger.Log.Error("scheduler: sweep failed", zap.Int("dispatched", n), zap.Error(err))
		return
	}
	if n > 0 {
		logger.Log.Info("scheduler: sweep done", zap.Int("dispatched", n), zap.Duration("took", time.Since(start)))
	}
}
