package send

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/apperr"
	"github.com/jmehdipour/campaign-gateway/internal/dispatcher"
	"github.com/jmehdipour/campaign-gateway/internal/logger"
	"github.com/jmehdipour/campaign-gateway/internal/metrics"
	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmehdipour/campaign-gateway/internal/repository"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Dispatcher hands messages to the provider pools.
type Dispatcher interface {
	SendEmail(ctx context.Context, req dispatcher.EmailRequest) (dispatcher.EmailResult, error)
	SendSMS(ctx context.Context, req dispatcher.SMSRequest) (dispatcher.SMSResult, error)
}

// Quota is the part of the quota service the pipeline depends on.
type Quota interface {
	Get(ctx context.Context, userID int64) (*model.Ledger, error)
	ConsumeTx(ctx context.Context, tx *sqlx.Tx, userID int64, r model.Resource, amount int64) (*model.Ledger, error)
	Refund(ctx context.Context, userID int64, r model.Resource, amount int64) error
}

type Options struct {
	EmailFrom               string
	SMSFrom                 string
	StatusCallbackURL       string
	TrackingBaseURL         string // when set, an open pixel is appended to HTML bodies
	RefundOnProviderFailure bool

	// DispatchLease is how long a pending message stays reserved for the
	// process dispatching it; after that the scheduled sweep may retry it.
	DispatchLease time.Duration
}

const DefaultDispatchLease = 5 * time.Minute

// Service validates, meters, persists and dispatches messages and applies
// the delivery lifecycle reported by providers.
type Service struct {
	tx       repository.Transactor
	msgs     repository.MessagesRepository
	outbox   repository.OutboxRepository
	contacts repository.ContactsRepository
	quota    Quota
	dispatch Dispatcher
	opts     Options
	now      func() time.Time
}

func New(
	tx repository.Transactor,
	msgs repository.MessagesRepository,
	outbox repository.OutboxRepository,
	contacts repository.ContactsRepository,
	quota Quota,
	dispatch Dispatcher,
	opts Options,
) *Service {
	if opts.DispatchLease <= 0 {
		opts.DispatchLease = DefaultDispatchLease
	}
	return &Service{
		tx:       tx,
		msgs:     msgs,
		outbox:   outbox,
		contacts: contacts,
		quota:    quota,
		dispatch: dispatch,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Send meters and persists one message, then dispatches it right away unless
// it is scheduled for later. On provider failure the message is kept as
// failed and the returned error is a Provider error alongside the message.
func (s *Service) Send(ctx context.Context, userID int64, req SendRequest) (*model.Message, error) {
	now := s.now()
	m, err := s.build(userID, req, now)
	if err != nil {
		return nil, err
	}
	res := m.Channel.Resource()
	if m.Due(now) {
		// dispatched below; keep the sweep off it meanwhile
		lease := now.Add(s.opts.DispatchLease)
		m.ClaimedUntil = &lease
	}

	ledger, err := s.quota.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ledger.HasAvailable(res, 1) {
		metrics.QuotaConsumeTotal.WithLabelValues(res.String(), "exceeded").Inc()
		return nil, apperr.QuotaExceeded(res.String(), model.ErrQuotaExceeded)
	}

	err = s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := s.quota.ConsumeTx(ctx, tx, userID, res, 1); err != nil {
			return err
		}
		if err := s.msgs.Insert(ctx, tx, m); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if err := s.outbox.InsertMessageEvent(ctx, tx, model.EventFor(m, now)); err != nil {
			return fmt.Errorf("outbox: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.MessagesTotal.WithLabelValues("accepted", m.Channel.String()).Inc()

	if !m.Due(now) {
		metrics.MessagesTotal.WithLabelValues("scheduled", m.Channel.String()).Inc()
		logger.Log.Debug("message scheduled",
			zap.String("message_id", m.ID), zap.Int64("user_id", userID), zap.Time("scheduled_at", m.ScheduledAt))
		return m, nil
	}

	return s.deliver(ctx, m)
}

// SendBulk sends to every recipient independently; one failure never rolls
// back the others.
func (s *Service) SendBulk(ctx context.Context, userID int64, req BulkRequest) ([]BulkResult, error) {
	recipients, err := s.bulkRecipients(ctx, userID, req)
	if err != nil {
		return nil, err
	}

	out := make([]BulkResult, 0, len(recipients))
	for _, to := range recipients {
		r := BulkResult{To: to}
		m, err := s.Send(ctx, userID, req.single(to))
		if m != nil {
			r.ID, r.Status = m.ID, m.Status
		}
		if err != nil {
			r.Error = err.Error()
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Service) bulkRecipients(ctx context.Context, userID int64, req BulkRequest) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	add := func(to string) {
		to = strings.TrimSpace(to)
		if to != "" && !seen[to] {
			seen[to] = true
			out = append(out, to)
		}
	}

	for _, to := range req.Recipients {
		add(to)
	}
	if req.GroupID > 0 {
		g, err := s.contacts.GetGroup(ctx, userID, req.GroupID)
		if err != nil {
			return nil, fmt.Errorf("load group: %w", err)
		}
		if g == nil {
			return nil, apperr.NotFound("contact group", nil)
		}
		members, err := s.contacts.ListMembers(ctx, userID, req.GroupID)
		if err != nil {
			return nil, fmt.Errorf("list group members: %w", err)
		}
		for _, c := range members {
			if req.Channel == model.ChannelSMS {
				add(c.Phone)
			} else {
				add(c.Email)
			}
		}
	}

	switch {
	case len(out) == 0:
		return nil, apperr.InvalidArgument("recipients", "at least one recipient is required")
	case len(out) > MaxBulkRecipients:
		return nil, apperr.InvalidArgument("recipients", fmt.Sprintf("at most %d recipients per request", MaxBulkRecipients))
	}
	return out, nil
}

// ProcessDue dispatches pending messages whose scheduled time has passed,
// oldest first, one batch at a time. Each message is leased before it goes
// to a provider, so one held by a running Send or another sweep is skipped.
// It stops when a batch comes back short or when a whole batch made no progress.
func (s *Service) ProcessDue(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		now := s.now()
		due, err := s.msgs.ListDue(ctx, now, batchSize)
		if err != nil {
			return total, fmt.Errorf("list due messages: %w", err)
		}

		progressed := 0
		for i := range due {
			m := due[i]
			claimed, err := s.msgs.Claim(ctx, m.ID, now, now.Add(s.opts.DispatchLease))
			if err != nil {
				logger.Log.Error("claim scheduled message failed", zap.String("message_id", m.ID), zap.Error(err))
				continue
			}
			if !claimed {
				continue
			}
			if _, err := s.deliver(ctx, &m); err != nil && apperr.KindOf(err) != apperr.KindProvider {
				logger.Log.Error("scheduled dispatch failed", zap.String("message_id", m.ID), zap.Error(err))
				continue
			}
			progressed++
		}
		total += progressed

		if len(due) < batchSize || progressed == 0 {
			return total, nil
		}
	}
}

// deliver hands m to a provider and records the outcome.
func (s *Service) deliver(ctx context.Context, m *model.Message) (*model.Message, error) {
	var (
		providerID string
		provider   string
		cost       float64
		currency   string
		sendErr    error
	)

	switch m.Channel {
	case model.ChannelEmail:
		var res dispatcher.EmailResult
		res, sendErr = s.dispatch.SendEmail(ctx, dispatcher.EmailRequest{
			To:       m.To,
			From:     m.From,
			Subject:  m.Subject,
			HTML:     s.withOpenPixel(m),
			Text:     m.Body,
			CustomID: m.ID,
			Headers:  campaignHeaders(m.Metadata),
		})
		providerID, provider = res.ProviderMessageID, res.Provider
	case model.ChannelSMS:
		var res dispatcher.SMSResult
		res, sendErr = s.dispatch.SendSMS(ctx, dispatcher.SMSRequest{
			To:             m.To,
			From:           m.From,
			Body:           m.Body,
			StatusCallback: s.opts.StatusCallbackURL,
		})
		providerID, provider, cost, currency = res.SID, res.Provider, res.Price, res.Currency
	}

	now := s.now()
	log := logger.Log.With(zap.String("message_id", m.ID), zap.Int64("user_id", m.UserID), zap.String("channel", m.Channel.String()))

	if sendErr != nil {
		metrics.MessagesTotal.WithLabelValues("failed", m.Channel.String()).Inc()
		log.Warn("provider send failed", zap.Error(sendErr))

		saved, _, err := s.transition(ctx, lockByID(s.msgs, m.ID), func(msg *model.Message) error {
			return msg.MarkFailed(sendErr.Error(), "provider_error", now)
		})
		if err != nil {
			return nil, fmt.Errorf("record failure: %w", err)
		}
		if s.opts.RefundOnProviderFailure {
			if err := s.quota.Refund(ctx, m.UserID, m.Channel.Resource(), 1); err != nil {
				log.Error("quota refund failed", zap.Error(err))
			}
		}
		if apperr.KindOf(sendErr) != apperr.KindProvider {
			sendErr = apperr.Provider("unknown", sendErr)
		}
		return saved, sendErr
	}

	metrics.MessagesTotal.WithLabelValues("sent", m.Channel.String()).Inc()
	saved, _, err := s.transition(ctx, lockByID(s.msgs, m.ID), func(msg *model.Message) error {
		if err := msg.MarkSent(providerID, now); err != nil {
			return err
		}
		msg.Provider = provider
		msg.Cost = cost
		msg.Currency = currency
		return nil
	})
	if err != nil {
		// the provider accepted it; the webhook can still move it forward
		if errors.Is(err, model.ErrTerminalState) || errors.Is(err, model.ErrInvalidTransition) {
			return m, nil
		}
		return nil, fmt.Errorf("record send: %w", err)
	}
	log.Info("message sent", zap.String("provider", provider), zap.String("provider_id", providerID))
	return saved, nil
}

func campaignHeaders(md model.MessageMetadata) map[string]string {
	h := map[string]string{}
	if md.CampaignID != "" {
		h["X-Campaign-Id"] = md.CampaignID
	}
	if md.TemplateID != "" {
		h["X-Template-Id"] = md.TemplateID
	}
	if len(h) == 0 {
		return nil
	}
	return h
}

func (s *Service) withOpenPixel(m *model.Message) string {
	if s.opts.TrackingBaseURL == "" || m.HTML == "" {
		return m.HTML
	}
	src := strings.TrimRight(s.opts.TrackingBaseURL, "/") + "/t/" + m.ID + "/open"
	pixel := `<img src="` + html.EscapeString(src) + `" width="1" height="1" alt="" style="display:none">`
	if i := strings.LastIndex(strings.ToLower(m.HTML), "</body>"); i >= 0 {
		return m.HTML[:i] + pixel + m.HTML[i:]
	}
	return m.HTML + pixel
}
