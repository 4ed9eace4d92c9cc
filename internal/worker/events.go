package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/kafka"
	"github.com/jmehdipour/campaign-gateway/internal/logger"
	"github.com/jmehdipour/campaign-gateway/internal/metrics"
	"github.com/jmehdipour/campaign-gateway/internal/model"
	"go.uber.org/zap"
)

// Source is the subset of *kafka.Consumer the projector needs.
type Source interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, ms ...kafka.Message) error
}

// Sink stores projected events; repository.EventsRepository satisfies it.
type Sink interface {
	InsertBatch(ctx context.Context, events []model.MessageEvent) error
}

// EventsProjector:
// - fetches message lifecycle events (outbox rows relayed by CDC) from Kafka,
// - buffers them and writes them to the analytics store in batches,
// - commits offsets only after the batch that contains them is stored.
type EventsProjector struct {
	Source Source
	Sink   Sink

	BatchSize     int           // max buffered events per flush
	BatchWait     time.Duration // max time an event waits before flush
	ShutdownGrace time.Duration // budget for the final flush after ctx is cancelled
}

func NewEventsProjector(src Source, sink Sink, batchSize int, batchWait time.Duration) *EventsProjector {
	return &EventsProjector{
		Source:        src,
		Sink:          sink,
		BatchSize:     batchSize,
		BatchWait:     batchWait,
		ShutdownGrace: 5 * time.Second,
	}
}

// Run blocks until ctx is cancelled and the last batch has been flushed.
func (w *EventsProjector) Run(ctx context.Context) error {
	if w.Source == nil || w.Sink == nil {
		return errors.New("events-projector: source and sink are required")
	}
	if w.BatchSize <= 0 {
		w.BatchSize = 500
	}
	if w.BatchWait <= 0 {
		w.BatchWait = time.Second
	}
	if w.ShutdownGrace <= 0 {
		w.ShutdownGrace = 5 * time.Second
	}

	msgCh := make(chan kafka.Message, w.BatchSize)

	// fetcher
	go func() {
		defer close(msgCh)
		for {
			m, err := w.Source.Fetch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Log.Warn("events: kafka fetch failed", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(200 * time.Millisecond):
				}
				continue
			}
			select {
			case msgCh <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	w.runBatchWriter(ctx, msgCh)
	return nil
}

// runBatchWriter does size/time based flushes. A failed flush keeps the
// batch and stops reading new messages until a retry succeeds.
func (w *EventsProjector) runBatchWriter(ctx context.Context, in <-chan kafka.Message) {
	tick := time.NewTicker(w.BatchWait)
	defer tick.Stop()

	var (
		events  []model.MessageEvent
		offsets []kafka.Message
	)

	flush := func(ctx context.Context) bool {
		if len(offsets) == 0 {
			return true
		}
		if err := w.Sink.InsertBatch(ctx, events); err != nil {
			metrics.EventsProjectedTotal.WithLabelValues("failed").Add(float64(len(events)))
			logger.Log.Error("events: batch insert failed", zap.Int("events", len(events)), zap.Error(err))
			return false
		}
		metrics.EventsProjectedTotal.WithLabelValues("inserted").Add(float64(len(events)))

		if err := w.Source.Commit(ctx, offsets...); err != nil {
			// the batch will be redelivered; the store collapses duplicates
			logger.Log.Warn("events: commit failed", zap.Error(err))
		}
		logger.Log.Debug("events: flushed", zap.Int("events", len(events)), zap.Int("offsets", len(offsets)))
		events = events[:0]
		offsets = offsets[:0]
		return true
	}

	final := func() {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.ShutdownGrace)
		defer cancel()
		flush(fctx)
	}

	for {
		src := in
		if len(offsets) >= w.BatchSize {
			src = nil
		}

		select {
		case <-ctx.Done():
			final()
			return

		case m, ok := <-src:
			if !ok {
				final()
				return
			}
			offsets = append(offsets, m)
			ev, err := DecodeEvent(m.Value)
			if err != nil {
				// poison: skipped, but its offset is committed with the batch
				metrics.EventsProjectedTotal.WithLabelValues("skipped").Inc()
				logger.Log.Warn("events: undecodable message",
					zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset), zap.Error(err))
			} else {
				events = append(events, ev)
			}
			if len(offsets) >= w.BatchSize {
				flush(ctx)
			}

		case <-tick.C:
			flush(ctx)
		}
	}
}

// DecodeEvent accepts the outbox payload as published by the CDC outbox
// router: the raw JSON object, the same object encoded as a JSON string, or
// wrapped in a {"schema":...,"payload":...} envelope.
func DecodeEvent(raw []byte) (model.MessageEvent, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return model.MessageEvent{}, errors.New("empty message")
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return model.MessageEvent{}, err
		}
		return DecodeEvent([]byte(s))
	}

	var probe struct {
		MessageID string          `json:"message_id"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return model.MessageEvent{}, err
	}
	if probe.MessageID == "" && len(probe.Payload) > 0 {
		return DecodeEvent(probe.Payload)
	}

	var ev model.MessageEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return model.MessageEvent{}, err
	}
	switch {
	case ev.MessageID == "":
		return ev, errors.New("missing message_id")
	case !ev.Channel.Valid():
		return ev, errors.New("invalid channel")
	case !ev.Status.ValidFor(ev.Channel):
		return ev, errors.New("invalid status")
	case ev.OccurredAt.IsZero():
		return ev, errors.New("missing occurred_at")
	}
	return ev, nil
}
