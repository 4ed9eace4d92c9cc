package send

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message/mail"
	"github.com/jmehdipour/campaign-gateway/internal/apperr"
	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmehdipour/campaign-gateway/internal/util"
)

const (
	MaxSubjectLength  = 998
	MaxBulkRecipients = 1000
)

// SendRequest is one message to one recipient.
type SendRequest struct {
	Channel     model.Channel
	To          string
	From        string
	Subject     string
	HTML        string
	Text        string
	Priority    string
	ScheduledAt *time.Time
	Metadata    model.MessageMetadata
}

// BulkRequest fans one payload out to explicit recipients and/or a contact group.
type BulkRequest struct {
	Channel     model.Channel
	Recipients  []string
	GroupID     int64
	From        string
	Subject     string
	HTML        string
	Text        string
	Priority    string
	ScheduledAt *time.Time
	Metadata    model.MessageMetadata
}

func (b BulkRequest) single(to string) SendRequest {
	return SendRequest{
		Channel:     b.Channel,
		To:          to,
		From:        b.From,
		Subject:     b.Subject,
		HTML:        b.HTML,
		Text:        b.Text,
		Priority:    b.Priority,
		ScheduledAt: b.ScheduledAt,
		Metadata:    b.Metadata,
	}
}

type BulkResult struct {
	To     string              `json:"to"`
	ID     string              `json:"id,omitempty"`
	Status model.MessageStatus `json:"status,omitempty"`
	Error  string              `json:"error,omitempty"`
}

// build validates req and returns the pending message it describes.
func (s *Service) build(userID int64, req SendRequest, now time.Time) (*model.Message, error) {
	var fields []apperr.FieldError
	bad := func(field, msg string) { fields = append(fields, apperr.FieldError{Field: field, Message: msg}) }

	prio, ok := model.ParsePriority(req.Priority)
	if !ok {
		bad("priority", "must be one of low, normal, high")
	}
	if err := req.Metadata.Attributes.Validate(); err != nil {
		bad("metadata.attributes", err.Error())
	}

	m := &model.Message{
		UserID:   userID,
		Channel:  req.Channel,
		Subject:  strings.TrimSpace(req.Subject),
		HTML:     req.HTML,
		Body:     req.Text,
		Status:   model.StatusPending,
		Priority: prio,
		Metadata: req.Metadata,
	}

	switch req.Channel {
	case model.ChannelEmail:
		if addr, err := mail.ParseAddress(strings.TrimSpace(req.To)); err != nil {
			bad("to", "must be a valid email address")
		} else {
			m.To = util.NormalizeEmail(addr.Address)
		}
		m.From = strings.TrimSpace(req.From)
		if m.From == "" {
			m.From = s.opts.EmailFrom
		}
		if _, err := mail.ParseAddress(m.From); err != nil {
			bad("from", "must be a valid email address")
		}
		switch {
		case m.Subject == "":
			bad("subject", "is required")
		case len(m.Subject) > MaxSubjectLength:
			bad("subject", fmt.Sprintf("must be at most %d bytes", MaxSubjectLength))
		}
		if strings.TrimSpace(m.HTML) == "" && strings.TrimSpace(m.Body) == "" {
			bad("html", "html or text is required")
		}

	case model.ChannelSMS:
		m.To = util.NormalizePhone(req.To)
		if m.To == "" {
			bad("to", "must be an E.164 phone number")
		}
		m.From = strings.TrimSpace(req.From)
		if m.From == "" {
			m.From = s.opts.SMSFrom
		}
		m.Subject, m.HTML = "", ""
		switch n := utf8.RuneCountInString(m.Body); {
		case strings.TrimSpace(m.Body) == "":
			bad("text", "is required")
		case n > model.MaxSMSLength:
			bad("text", fmt.Sprintf("must be at most %d characters", model.MaxSMSLength))
		}

	default:
		bad("channel", "must be email or sms")
	}

	if len(fields) > 0 {
		return nil, apperr.Validation("invalid message", fields...)
	}

	m.ID = util.NewAt(now)
	m.ScheduledAt = now
	if req.ScheduledAt != nil && req.ScheduledAt.After(now) {
		m.ScheduledAt = req.ScheduledAt.UTC()
	}
	m.CreatedAt = now
	m.UpdatedAt = now
	return m, nil
}
