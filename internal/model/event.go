package model

import (
	"encoding/json"
	"time"
)

// MessageEvent is the payload published to Kafka (via Debezium outbox SMT)
// for every persisted status transition.
type MessageEvent struct {
	MessageID  string        `json:"message_id" ch:"message_id"`
	UserID     int64         `json:"user_id"    ch:"user_id"`
	Channel    Channel       `json:"channel"    ch:"channel"`
	Status     MessageStatus `json:"status"     ch:"status"`
	Provider   string        `json:"provider,omitempty" ch:"provider"`
	CampaignID string        `json:"campaign_id,omitempty" ch:"campaign_id"`
	OccurredAt time.Time     `json:"occurred_at" ch:"occurred_at"`
}

// EventFor snapshots the message's current status as an event.
func EventFor(m *Message, at time.Time) MessageEvent {
	return MessageEvent{
		MessageID:  m.ID,
		UserID:     m.UserID,
		Channel:    m.Channel,
		Status:     m.Status,
		Provider:   m.Provider,
		CampaignID: m.Metadata.CampaignID,
		OccurredAt: at.UTC(),
	}
}

// OutboxEvent is one row of the transactional outbox. Rows are written in the
// same transaction as the state change and relayed to Kafka by CDC.
type OutboxEvent struct {
	ID          int64      `db:"id"`
	Aggregate   string     `db:"aggregate"`    // "message"
	AggregateID string     `db:"aggregate_id"` // message id
	Topic       string     `db:"topic"`
	Payload     []byte     `db:"payload"`
	Attempts    int        `db:"attempts"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   *time.Time `db:"updated_at"`
}

// Outbox wraps the event as an outbox row bound for topic.
func (e MessageEvent) Outbox(topic string) (OutboxEvent, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return OutboxEvent{}, err
	}
	return OutboxEvent{
		Aggregate:   "message",
		AggregateID: e.MessageID,
		Topic:       topic,
		Payload:     payload,
		CreatedAt:   e.OccurredAt,
	}, nil
}
