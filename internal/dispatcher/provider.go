package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// guarded is the breaker surface every provider exposes to the dispatcher.
type guarded interface {
	Name() string
	Ready() bool
	Acquire() bool
}

type EmailRequest struct {
	To       string            `json:"to"`
	From     string            `json:"from"`
	Subject  string            `json:"subject"`
	HTML     string            `json:"html,omitempty"`
	Text     string            `json:"text,omitempty"`
	CustomID string            `json:"custom_id,omitempty"` // our message id, echoed back in webhooks
	Headers  map[string]string `json:"headers,omitempty"`
}

type EmailResult struct {
	Provider          string
	ProviderMessageID string
}

type SMSRequest struct {
	To             string `json:"to"`
	From           string `json:"from"`
	Body           string `json:"body"`
	StatusCallback string `json:"status_callback,omitempty"`
}

type SMSResult struct {
	Provider string
	SID      string
	Status   string
	Price    float64
	Currency string
}

type EmailProvider interface {
	guarded
	SendEmail(ctx context.Context, req EmailRequest) (EmailResult, error)
}

type SMSProvider interface {
	guarded
	SendSMS(ctx context.Context, req SMSRequest) (SMSResult, error)
}

// HTTPOptions configures a JSON-over-HTTP provider.
type HTTPOptions struct {
	Name          string
	BaseURL       string
	SendPath      string
	APIKey        string
	TimeoutMs     int
	FailThreshold int
	OpenForMs     int
}

// httpProvider is the shared transport of the HTTP email and SMS adapters.
type httpProvider struct {
	name   string
	url    string
	apiKey string
	client *http.Client
	br     *MicroBreaker
}

func newHTTPProvider(o HTTPOptions) httpProvider {
	if o.TimeoutMs <= 0 {
		o.TimeoutMs = 3000
	}
	if o.FailThreshold <= 0 {
		o.FailThreshold = 3
	}
	if o.OpenForMs <= 0 {
		o.OpenForMs = 15000
	}
	return httpProvider{
		name:   o.Name,
		url:    strings.TrimRight(o.BaseURL, "/") + o.SendPath,
		apiKey: o.APIKey,
		client: &http.Client{Timeout: time.Duration(o.TimeoutMs) * time.Millisecond},
		br:     NewMicroBreaker(o.FailThreshold, time.Duration(o.OpenForMs)*time.Millisecond),
	}
}

func (p *httpProvider) Name() string  { return p.name }
func (p *httpProvider) Ready() bool   { return p.br.Ready() }
func (p *httpProvider) Acquire() bool { return p.br.TryAcquire() }

// post sends body as JSON and decodes a 2xx response into out.
func (p *httpProvider) post(ctx context.Context, body, out any) error {
	err := p.do(ctx, body, out)
	if err != nil {
		p.br.OnFailure()
		return err
	}
	p.br.OnSuccess()
	return nil
}

func (p *httpProvider) do(ctx context.Context, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(b))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	res, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("provider=%s status=%d body=%q", p.name, res.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("provider=%s decode response: %w", p.name, err)
	}
	return nil
}

type HTTPEmailProvider struct {
	httpProvider
}

func NewHTTPEmailProvider(o HTTPOptions) *HTTPEmailProvider {
	return &HTTPEmailProvider{httpProvider: newHTTPProvider(o)}
}

func (p *HTTPEmailProvider) SendEmail(ctx context.Context, req EmailRequest) (EmailResult, error) {
	var resp struct {
		ID        string `json:"id"`
		MessageID string `json:"message_id"`
	}
	if err := p.post(ctx, req, &resp); err != nil {
		return EmailResult{}, err
	}
	id := resp.MessageID
	if id == "" {
		id = resp.ID
	}
	return EmailResult{Provider: p.name, ProviderMessageID: id}, nil
}

type HTTPSMSProvider struct {
	httpProvider
}

func NewHTTPSMSProvider(o HTTPOptions) *HTTPSMSProvider {
	return &HTTPSMSProvider{httpProvider: newHTTPProvider(o)}
}

func (p *HTTPSMSProvider) SendSMS(ctx context.Context, req SMSRequest) (SMSResult, error) {
	var resp struct {
		SID       string          `json:"sid"`
		Status    string          `json:"status"`
		Price     json.RawMessage `json:"price"`
		PriceUnit string          `json:"price_unit"`
	}
	if err := p.post(ctx, req, &resp); err != nil {
		return SMSResult{}, err
	}
	return SMSResult{
		Provider: p.name,
		SID:      resp.SID,
		Status:   resp.Status,
		Price:    parsePrice(resp.Price),
		Currency: strings.ToUpper(resp.PriceUnit),
	}, nil
}

// parsePrice accepts a JSON number, a quoted number or null. Providers
// report charges as negative amounts; cost is stored as a magnitude.
func parsePrice(raw json.RawMessage) float64 {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return math.Abs(f)
}
