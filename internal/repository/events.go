package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// DailyCount is one (day, status) bucket of the message_events projection.
type DailyCount struct {
	Day     time.Time           `db:"day"     json:"day"`
	Channel model.Channel       `db:"channel" json:"channel"`
	Status  model.MessageStatus `db:"status"  json:"status"`
	N       uint64              `db:"n"       json:"count"`
}

// DailyFilter restricts DailyStats; zero Channel/UserID mean "all".
type DailyFilter struct {
	From    time.Time
	To      time.Time
	Channel model.Channel
	UserID  int64
}

// EventsRepository reads and writes the ClickHouse message_events table.
type EventsRepository interface {
	InsertBatch(ctx context.Context, events []model.MessageEvent) error
	DailyStats(ctx context.Context, f DailyFilter) ([]DailyCount, error)
}

type chEventsRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewEventsRepository(ch *sqlx.DB) EventsRepository {
	return &chEventsRepository{ch: ch}
}

// InsertBatch writes events in one ClickHouse block. ReplacingMergeTree
// collapses redeliveries of the same event.
func (r *chEventsRepository) InsertBatch(ctx context.Context, events []model.MessageEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := r.ch.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("clickhouse begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO message_events (message_id, user_id, channel, status, provider, campaign_id, occurred_at)
	`)
	if err != nil {
		return fmt.Errorf("clickhouse prepare: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx,
			ev.MessageID, uint64(ev.UserID), string(ev.Channel), string(ev.Status),
			ev.Provider, ev.CampaignID, ev.OccurredAt.UTC(),
		); err != nil {
			return fmt.Errorf("clickhouse append: %w", err)
		}
	}

	return tx.Commit()
}

func (r *chEventsRepository) DailyStats(ctx context.Context, f DailyFilter) ([]DailyCount, error) {
	q := `
		SELECT toStartOfDay(occurred_at) AS day, channel, status, count() AS n
		FROM message_events FINAL
		WHERE occurred_at >= ? AND occurred_at < ?
	`
	args := []any{f.From.UTC(), f.To.UTC()}

	if f.Channel != "" {
		q += " AND channel = ?"
		args = append(args, string(f.Channel))
	}
	if f.UserID > 0 {
		q += " AND user_id = ?"
		args = append(args, uint64(f.UserID))
	}

	q += " GROUP BY day, channel, status ORDER BY day, channel, status"

	var rows []DailyCount
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
