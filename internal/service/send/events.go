package send

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/apperr"
	"github.com/jmehdipour/campaign-gateway/internal/logger"
	"github.com/jmehdipour/campaign-gateway/internal/metrics"
	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmehdipour/campaign-gateway/internal/repository"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Outcome is what a delivery event did to its message.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeNoop    Outcome = "noop"    // informational status or duplicate
	OutcomeIgnored Outcome = "ignored" // rejected by the state machine, acknowledged anyway
)

// DeliveryEvent is a provider status callback, normalized by the HTTP layer.
// ProviderID is preferred; MessageID (our id, echoed as custom id) is the fallback.
type DeliveryEvent struct {
	Channel      model.Channel
	ProviderID   string
	MessageID    string
	Status       string
	ErrorCode    string
	ErrorMessage string
	OccurredAt   time.Time
}

type loader func(ctx context.Context, tx *sqlx.Tx) (*model.Message, error)

func lockByID(msgs repository.MessagesRepository, id string) loader {
	return func(ctx context.Context, tx *sqlx.Tx) (*model.Message, error) {
		return msgs.GetForUpdate(ctx, tx, id)
	}
}

func lockByProviderID(msgs repository.MessagesRepository, ch model.Channel, providerID string) loader {
	return func(ctx context.Context, tx *sqlx.Tx) (*model.Message, error) {
		return msgs.GetByProviderIDForUpdate(ctx, tx, ch, providerID)
	}
}

// transition loads the message under a row lock, applies fn and persists the
// result together with its outbox event. A transition that changes neither
// status nor counters is not written.
func (s *Service) transition(ctx context.Context, load loader, fn func(*model.Message) error) (*model.Message, bool, error) {
	var (
		out     *model.Message
		changed bool
	)
	err := s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		m, err := load(ctx, tx)
		if err != nil {
			return fmt.Errorf("load message: %w", err)
		}
		if m == nil {
			return apperr.NotFound("message", nil)
		}

		before := *m
		if err := fn(m); err != nil {
			out = m
			return err
		}
		out = m
		if before.Status == m.Status && before.OpenCount == m.OpenCount && before.ClickCount == m.ClickCount {
			return nil
		}

		changed = true
		now := s.now()
		m.UpdatedAt = now
		if err := s.msgs.SaveState(ctx, tx, m); err != nil {
			if repository.IsDuplicateKey(err) {
				return apperr.DuplicateKey("provider_id", err)
			}
			return fmt.Errorf("save message: %w", err)
		}
		if err := s.outbox.InsertMessageEvent(ctx, tx, model.EventFor(m, now)); err != nil {
			return fmt.Errorf("outbox: %w", err)
		}
		return nil
	})
	return out, changed, err
}

// TrackOpen records an open pixel hit.
func (s *Service) TrackOpen(ctx context.Context, id string) (*model.Message, error) {
	now := s.now()
	m, _, err := s.transition(ctx, lockByID(s.msgs, id), func(m *model.Message) error {
		return m.MarkOpened(now)
	})
	return m, err
}

// TrackClick records a tracked link click.
func (s *Service) TrackClick(ctx context.Context, id string) (*model.Message, error) {
	now := s.now()
	m, _, err := s.transition(ctx, lockByID(s.msgs, id), func(m *model.Message) error {
		return m.MarkClicked(now)
	})
	return m, err
}

// mapEvent translates a provider status into a state machine call; a nil
// func means the status is informational.
func mapEvent(ev DeliveryEvent, at time.Time) (func(*model.Message) error, bool) {
	status := strings.ToLower(strings.TrimSpace(ev.Status))
	reason := ev.ErrorMessage
	if reason == "" {
		reason = status
	}

	switch ev.Channel {
	case model.ChannelSMS:
		switch status {
		case "queued", "accepted", "sending":
			return nil, true
		case "sent":
			return func(m *model.Message) error { return m.MarkSent("", at) }, true
		case "delivered":
			return func(m *model.Message) error { return m.MarkDelivered(at) }, true
		case "failed":
			return func(m *model.Message) error { return m.MarkFailed(reason, ev.ErrorCode, at) }, true
		case "undelivered":
			return func(m *model.Message) error { return m.MarkUndelivered(reason, at) }, true
		}
	case model.ChannelEmail:
		switch status {
		case "deferred":
			return nil, true
		case "processed":
			return func(m *model.Message) error { return m.MarkSent("", at) }, true
		case "delivered":
			return func(m *model.Message) error { return m.MarkDelivered(at) }, true
		case "open":
			return func(m *model.Message) error { return m.MarkOpened(at) }, true
		case "click":
			return func(m *model.Message) error { return m.MarkClicked(at) }, true
		case "bounce", "dropped", "blocked":
			return func(m *model.Message) error { return m.MarkBounced(reason, at) }, true
		case "failed":
			return func(m *model.Message) error { return m.MarkFailed(reason, ev.ErrorCode, at) }, true
		}
	}
	return nil, false
}

// ApplyDeliveryEvent moves a message according to a provider callback.
// Transitions the state machine rejects are acknowledged as ignored.
func (s *Service) ApplyDeliveryEvent(ctx context.Context, ev DeliveryEvent) (Outcome, error) {
	if !ev.Channel.Valid() {
		return "", apperr.InvalidArgument("channel", "must be email or sms")
	}
	if ev.ProviderID == "" && ev.MessageID == "" {
		return "", apperr.InvalidArgument("provider_id", "is required")
	}

	at := ev.OccurredAt
	if at.IsZero() {
		at = s.now()
	}
	fn, known := mapEvent(ev, at.UTC())
	if !known {
		metrics.WebhookEventsTotal.WithLabelValues(ev.Channel.String(), "invalid").Inc()
		return "", apperr.InvalidArgument("status", fmt.Sprintf("unknown %s status %q", ev.Channel, ev.Status))
	}

	load := lockByProviderID(s.msgs, ev.Channel, ev.ProviderID)
	if ev.ProviderID == "" {
		load = lockByID(s.msgs, ev.MessageID)
	}

	if fn == nil {
		// still surface unknown ids for informational statuses
		_, _, err := s.transition(ctx, load, func(*model.Message) error { return nil })
		if err != nil {
			return s.webhookOutcome(ev, "", err)
		}
		return s.webhookOutcome(ev, OutcomeNoop, nil)
	}

	m, changed, err := s.transition(ctx, load, func(m *model.Message) error {
		if m.Channel != ev.Channel {
			return model.ErrInvalidTransition
		}
		return fn(m)
	})
	switch {
	case errors.Is(err, model.ErrTerminalState), errors.Is(err, model.ErrInvalidTransition):
		logger.Log.Info("delivery event ignored",
			zap.String("message_id", m.ID), zap.String("status", ev.Status), zap.String("current", m.Status.String()))
		return s.webhookOutcome(ev, OutcomeIgnored, nil)
	case err != nil:
		return s.webhookOutcome(ev, "", err)
	case !changed:
		return s.webhookOutcome(ev, OutcomeNoop, nil)
	}
	return s.webhookOutcome(ev, OutcomeApplied, nil)
}

func (s *Service) webhookOutcome(ev DeliveryEvent, o Outcome, err error) (Outcome, error) {
	label := string(o)
	if err != nil {
		label = "error"
		if apperr.KindOf(err) == apperr.KindNotFound {
			label = "unknown"
		}
	}
	metrics.WebhookEventsTotal.WithLabelValues(ev.Channel.String(), label).Inc()
	return o, err
}
