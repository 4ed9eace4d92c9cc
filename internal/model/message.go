package model

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrTerminalState is returned for any transition out of bounced, failed or undelivered.
	ErrTerminalState = errors.New("message is in a terminal state")
	// ErrInvalidTransition is returned for events the current status or channel does not accept.
	ErrInvalidTransition = errors.New("invalid message status transition")
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

func (c Channel) String() string { return string(c) }

func (c Channel) Valid() bool { return c == ChannelEmail || c == ChannelSMS }

func ParseChannel(s string) (Channel, bool) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	return c, c.Valid()
}

// Resource is the quota bucket a send on this channel draws from.
func (c Channel) Resource() Resource {
	if c == ChannelSMS {
		return ResourceSMS
	}
	return ResourceEmail
}

type MessageStatus string

const (
	StatusPending     MessageStatus = "pending"
	StatusSent        MessageStatus = "sent"
	StatusDelivered   MessageStatus = "delivered"
	StatusOpened      MessageStatus = "opened"
	StatusClicked     MessageStatus = "clicked"
	StatusBounced     MessageStatus = "bounced"
	StatusFailed      MessageStatus = "failed"
	StatusUndelivered MessageStatus = "undelivered"
)

func (s MessageStatus) String() string {
	return string(s)
}

func (s MessageStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusDelivered, StatusOpened, StatusClicked,
		StatusBounced, StatusFailed, StatusUndelivered:
		return true
	}
	return false
}

// ValidFor reports whether the status belongs to the channel's status set.
func (s MessageStatus) ValidFor(c Channel) bool {
	switch s {
	case StatusPending, StatusSent, StatusDelivered, StatusFailed:
		return c.Valid()
	case StatusOpened, StatusClicked, StatusBounced:
		return c == ChannelEmail
	case StatusUndelivered:
		return c == ChannelSMS
	}
	return false
}

func (s MessageStatus) Terminal() bool {
	return s == StatusBounced || s == StatusFailed || s == StatusUndelivered
}

// Reached reports whether the message got to the recipient (delivered or engaged).
func (s MessageStatus) Reached() bool {
	return s == StatusDelivered || s == StatusOpened || s == StatusClicked
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ParsePriority normalizes input; empty => normal.
func ParsePriority(s string) (Priority, bool) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PriorityNormal, true
	case PriorityLow, PriorityNormal, PriorityHigh:
		return p, true
	default:
		return PriorityNormal, false
	}
}

// Message is the DB entity persisted in the messages table; email and SMS
// share it and leave the other channel's columns empty.
type Message struct {
	ID       string          `db:"id"       json:"id"`
	UserID   int64           `db:"user_id"  json:"user_id"`
	Channel  Channel         `db:"channel"  json:"channel"`
	To       string          `db:"recipient" json:"to"`
	From     string          `db:"sender"   json:"from"`
	Subject  string          `db:"subject"  json:"subject,omitempty"`
	HTML     string          `db:"html"     json:"html,omitempty"`
	Body     string          `db:"body"     json:"body,omitempty"`
	Status   MessageStatus   `db:"status"   json:"status"`
	Priority Priority        `db:"priority" json:"priority"`
	Metadata MessageMetadata `db:"metadata" json:"metadata"`

	ProviderID string  `db:"provider_id" json:"provider_id,omitempty"`
	Provider   string  `db:"provider"    json:"provider,omitempty"`
	OpenCount  int     `db:"open_count"  json:"open_count"`
	ClickCount int     `db:"click_count" json:"click_count"`
	Cost       float64 `db:"cost"        json:"cost,omitempty"`
	Currency   string  `db:"currency"    json:"currency,omitempty"`

	ErrorMessage string `db:"error_message" json:"error_message,omitempty"`
	ErrorCode    string `db:"error_code"    json:"error_code,omitempty"`

	ScheduledAt   time.Time  `db:"scheduled_at"    json:"scheduled_at"`
	SentAt        *time.Time `db:"sent_at"         json:"sent_at,omitempty"`
	DeliveredAt   *time.Time `db:"delivered_at"    json:"delivered_at,omitempty"`
	LastOpenedAt  *time.Time `db:"last_opened_at"  json:"last_opened_at,omitempty"`
	LastClickedAt *time.Time `db:"last_clicked_at" json:"last_clicked_at,omitempty"`
	FailedAt      *time.Time `db:"failed_at"       json:"failed_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at"      json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"      json:"updated_at"`

	// ClaimedUntil is the dispatch lease; while it lies in the future some
	// process is handing the message to a provider.
	ClaimedUntil *time.Time `db:"claimed_until" json:"-"`
}

// Due reports whether a pending message should be handed to a provider now.
func (m *Message) Due(now time.Time) bool {
	return m.Status == StatusPending && !m.ScheduledAt.After(now)
}

// Claimable reports whether a due message is free for the scheduled sweep to take.
func (m *Message) Claimable(now time.Time) bool {
	return m.Due(now) && (m.ClaimedUntil == nil || !m.ClaimedUntil.After(now))
}

func stamp(t time.Time) *time.Time { return &t }

// MarkSent records the provider hand-off. Re-marking a sent message only re-stamps it.
func (m *Message) MarkSent(providerID string, at time.Time) error {
	switch {
	case m.Status.Terminal():
		return ErrTerminalState
	case m.Status != StatusPending && m.Status != StatusSent:
		return ErrInvalidTransition
	}
	m.Status = StatusSent
	m.SentAt = stamp(at)
	if providerID != "" {
		m.ProviderID = providerID
	}
	return nil
}

// MarkDelivered accepts reports that overtake the send acknowledgement and
// ignores duplicates that arrive after an open or click.
func (m *Message) MarkDelivered(at time.Time) error {
	switch m.Status {
	case StatusBounced, StatusFailed, StatusUndelivered:
		return ErrTerminalState
	case StatusOpened, StatusClicked:
		return nil
	}
	if m.SentAt == nil {
		m.SentAt = stamp(at)
	}
	m.Status = StatusDelivered
	m.DeliveredAt = stamp(at)
	return nil
}

func (m *Message) engagement() error {
	switch {
	case m.Channel != ChannelEmail:
		return ErrInvalidTransition
	case m.Status.Terminal():
		return ErrTerminalState
	case !m.Status.Reached():
		return ErrInvalidTransition
	}
	return nil
}

// MarkOpened counts one open; a clicked message keeps its status.
func (m *Message) MarkOpened(at time.Time) error {
	if err := m.engagement(); err != nil {
		return err
	}
	m.OpenCount++
	m.LastOpenedAt = stamp(at)
	if m.Status != StatusClicked {
		m.Status = StatusOpened
	}
	return nil
}

func (m *Message) MarkClicked(at time.Time) error {
	if err := m.engagement(); err != nil {
		return err
	}
	m.ClickCount++
	m.LastClickedAt = stamp(at)
	m.Status = StatusClicked
	return nil
}

func (m *Message) terminate(to MessageStatus, reason, code string, at time.Time) error {
	if m.Status.Terminal() {
		return ErrTerminalState
	}
	if !to.ValidFor(m.Channel) {
		return ErrInvalidTransition
	}
	m.Status = to
	m.ErrorMessage = reason
	m.ErrorCode = code
	m.FailedAt = stamp(at)
	return nil
}

// MarkBounced is email only.
func (m *Message) MarkBounced(reason string, at time.Time) error {
	return m.terminate(StatusBounced, reason, "", at)
}

func (m *Message) MarkFailed(errText, code string, at time.Time) error {
	return m.terminate(StatusFailed, errText, code, at)
}

// MarkUndelivered is SMS only.
func (m *Message) MarkUndelivered(reason string, at time.Time) error {
	return m.terminate(StatusUndelivered, reason, "", at)
}
