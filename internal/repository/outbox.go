package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// MessageEventsTopic is the Kafka topic Debezium routes message outbox rows to.
const MessageEventsTopic = "message.events"

// OutboxRepository defines persistence methods for the outbox table.
type OutboxRepository interface {
	// Insert writes a single outbox row. If tx is nil, it will open/commit
	// an internal transaction; otherwise it uses the given tx.
	Insert(ctx context.Context, tx *sqlx.Tx, ev model.OutboxEvent) error
	// InsertMessageEvent records a message status transition.
	InsertMessageEvent(ctx context.Context, tx *sqlx.Tx, ev model.MessageEvent) error
}

// OutboxRepositoryImpl is a sqlx-backed implementation.
type OutboxRepositoryImpl struct {
	db    *sqlx.DB
	topic string
}

// NewOutboxRepository constructs an OutboxRepositoryImpl; an empty topic
// falls back to MessageEventsTopic.
func NewOutboxRepository(db *sqlx.DB, topic string) *OutboxRepositoryImpl {
	if topic == "" {
		topic = MessageEventsTopic
	}
	return &OutboxRepositoryImpl{db: db, topic: topic}
}

var _ OutboxRepository = (*OutboxRepositoryImpl)(nil)

// Insert adds an event row to outbox. Debezium Outbox SMT will pick it up and
// publish to Kafka based on the `topic` column.
func (r *OutboxRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, ev model.OutboxEvent) error {
	const q = `
		INSERT INTO outbox (aggregate, aggregate_id, topic, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q, ev.Aggregate, ev.AggregateID, ev.Topic, ev.Payload, ev.CreatedAt.UTC())
		return err
	})
}

func (r *OutboxRepositoryImpl) InsertMessageEvent(ctx context.Context, tx *sqlx.Tx, ev model.MessageEvent) error {
	row, err := ev.Outbox(r.topic)
	if err != nil {
		return fmt.Errorf("marshal message event: %w", err)
	}
	return r.Insert(ctx, tx, row)
}
