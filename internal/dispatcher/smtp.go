package dispatcher

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
)

// SMTPOptions configures a relay used as an email provider.
type SMTPOptions struct {
	Name          string
	Addr          string // host:port
	Username      string
	Password      string
	StartTLS      bool
	TLSConfig     *tls.Config // nil verifies the relay against system roots
	Domain        string      // right-hand side of generated Message-Ids
	TimeoutMs     int
	FailThreshold int
	OpenForMs     int
}

// SMTPEmailProvider submits each message over a fresh SMTP session.
type SMTPEmailProvider struct {
	opts    SMTPOptions
	timeout time.Duration
	br      *MicroBreaker
}

func NewSMTPEmailProvider(o SMTPOptions) *SMTPEmailProvider {
	if o.TimeoutMs <= 0 {
		o.TimeoutMs = 10000
	}
	if o.FailThreshold <= 0 {
		o.FailThreshold = 3
	}
	if o.OpenForMs <= 0 {
		o.OpenForMs = 15000
	}
	if o.Domain == "" {
		o.Domain = "localhost"
	}
	return &SMTPEmailProvider{
		opts:    o,
		timeout: time.Duration(o.TimeoutMs) * time.Millisecond,
		br:      NewMicroBreaker(o.FailThreshold, time.Duration(o.OpenForMs)*time.Millisecond),
	}
}

func (p *SMTPEmailProvider) Name() string  { return p.opts.Name }
func (p *SMTPEmailProvider) Ready() bool   { return p.br.Ready() }
func (p *SMTPEmailProvider) Acquire() bool { return p.br.TryAcquire() }

func (p *SMTPEmailProvider) SendEmail(ctx context.Context, req EmailRequest) (EmailResult, error) {
	msgID := uuid.NewString() + "@" + p.opts.Domain

	// every exit reports to the breaker, or a half-open trial call would never finish
	if err := p.send(ctx, req, msgID); err != nil {
		p.br.OnFailure()
		return EmailResult{}, err
	}
	p.br.OnSuccess()

	return EmailResult{Provider: p.opts.Name, ProviderMessageID: msgID}, nil
}

func (p *SMTPEmailProvider) send(ctx context.Context, req EmailRequest, msgID string) error {
	var buf bytes.Buffer
	if err := buildMIME(&buf, req, msgID, time.Now()); err != nil {
		return fmt.Errorf("build message: %w", err)
	}
	return p.submit(ctx, req, buf.Bytes())
}

func (p *SMTPEmailProvider) dial() (*smtp.Client, error) {
	if !p.opts.StartTLS {
		return smtp.Dial(p.opts.Addr)
	}
	cfg := &tls.Config{}
	if p.opts.TLSConfig != nil {
		cfg = p.opts.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName, _, _ = net.SplitHostPort(p.opts.Addr)
	}
	return smtp.DialStartTLS(p.opts.Addr, cfg)
}

func (p *SMTPEmailProvider) submit(ctx context.Context, req EmailRequest, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c, err := p.dial()
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", p.opts.Addr, err)
	}
	defer c.Close()

	c.CommandTimeout = p.timeout
	c.SubmissionTimeout = p.timeout

	if p.opts.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", p.opts.Username, p.opts.Password)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	from, err := mail.ParseAddress(req.From)
	if err != nil {
		return fmt.Errorf("smtp from: %w", err)
	}
	to, err := mail.ParseAddress(req.To)
	if err != nil {
		return fmt.Errorf("smtp to: %w", err)
	}
	if err := c.SendMail(from.Address, []string{to.Address}, bytes.NewReader(msg)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return c.Quit()
}

// buildMIME writes req as multipart/alternative with a text and an HTML part.
func buildMIME(w io.Writer, req EmailRequest, msgID string, at time.Time) error {
	var h mail.Header
	h.SetDate(at)
	h.SetSubject(req.Subject)
	h.SetMessageID(msgID)

	from, err := mail.ParseAddress(req.From)
	if err != nil {
		return err
	}
	to, err := mail.ParseAddress(req.To)
	if err != nil {
		return err
	}
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", []*mail.Address{to})
	if req.CustomID != "" {
		h.Set("X-Message-Id", req.CustomID)
	}
	for k, v := range req.Headers {
		h.Set(k, v)
	}

	mw, err := mail.CreateWriter(w, h)
	if err != nil {
		return err
	}
	iw, err := mw.CreateInline()
	if err != nil {
		return err
	}

	parts := []struct{ ctype, body string }{
		{"text/plain", req.Text},
		{"text/html", req.HTML},
	}
	for _, part := range parts {
		if part.body == "" {
			continue
		}
		var ph mail.InlineHeader
		ph.SetContentType(part.ctype, map[string]string{"charset": "utf-8"})
		pw, err := iw.CreatePart(ph)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(pw, part.body); err != nil {
			return err
		}
		if err := pw.Close(); err != nil {
			return err
		}
	}

	if err := iw.Close(); err != nil {
		return err
	}
	return mw.Close()
}
