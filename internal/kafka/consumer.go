package kafka

import (
	"context"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/config"
	"github.com/segmentio/kafka-go"
)

type Config struct {
	Brokers        []string
	Topic          string
	GroupID        string
	MinBytes       int           // default 1KB
	MaxBytes       int           // default 10MB
	CommitInterval time.Duration // default 1s
	MaxWait        time.Duration // default 250ms
}

// ConfigFor derives a consumer config for topic from the shared kafka
// section; the group id gets suffix appended so each worker kind keeps its
// own offsets.
func ConfigFor(k config.KafkaConfig, topic, suffix string) Config {
	group := k.GroupID
	if group == "" {
		group = "cgw"
	}
	if suffix != "" {
		group += "-" + suffix
	}
	return Config{
		Brokers:        k.Brokers,
		Topic:          topic,
		GroupID:        group,
		MinBytes:       k.MinBytes,
		MaxBytes:       k.MaxBytes,
		CommitInterval: time.Duration(k.CommitInterval) * time.Millisecond,
	}
}

// Consumer is a thin wrapper around segmentio/kafka-go Reader.
type Consumer struct {
	r *kafka.Reader
}

func NewConsumerFromConfig(c Config) *Consumer {
	min := c.MinBytes
	if min <= 0 {
		min = 1 << 10
	}
	max := c.MaxBytes
	if max <= 0 {
		max = 10 << 20
	}
	ci := c.CommitInterval
	if ci <= 0 {
		ci = time.Second
	}
	mw := c.MaxWait
	if mw <= 0 {
		mw = 250 * time.Millisecond
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.Brokers,
		GroupID:        c.GroupID,
		Topic:          c.Topic,
		MinBytes:       min,
		MaxBytes:       max,
		CommitInterval: ci,
		MaxWait:        mw,
		StartOffset:    kafka.FirstOffset,
	})

	return &Consumer{r: r}
}

type Message = kafka.Message

func (c *Consumer) Fetch(ctx context.Context) (Message, error) {
	return c.r.FetchMessage(ctx)
}

// Commit acknowledges every message in ms.
func (c *Consumer) Commit(ctx context.Context, ms ...Message) error {
	if len(ms) == 0 {
		return nil
	}
	return c.r.CommitMessages(ctx, ms...)
}

// Lag reports the reader's last known lag; -1 before the first fetch.
func (c *Consumer) Lag() int64 { return c.r.Stats().Lag }

func (c *Consumer) Close() error { return c.r.Close() }
