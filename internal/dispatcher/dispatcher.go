package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/apperr"
	"github.com/jmehdipour/campaign-gateway/internal/metrics"
	"github.com/jmehdipour/campaign-gateway/internal/model"
)

var (
	ErrNoHealthy = errors.New("no healthy providers")
	ErrNoAcquire = errors.New("provider not acquired")
)

// pool round-robins over the ready providers of one channel.
type pool[P guarded] struct {
	providers         []P
	roundRobinCounter atomic.Uint64
	maxAttempts       int
}

func (p *pool[P]) selectProvider() (P, error) {
	healthy := make([]P, 0, len(p.providers))
	for _, pr := range p.providers {
		if pr.Ready() {
			healthy = append(healthy, pr)
		}
	}

	if len(healthy) == 0 {
		var zero P
		return zero, ErrNoHealthy
	}

	x := p.roundRobinCounter.Add(1)
	idx := int((x - 1) % uint64(len(healthy)))

	return healthy[idx], nil
}

// send tries up to maxAttempts providers. The returned error is an
// apperr Provider error naming the last provider tried.
func send[P guarded, R any](ctx context.Context, p *pool[P], ch model.Channel, call func(P) (R, error)) (R, error) {
	var (
		zero R
		last error
		name = "none"
	)
	for i := 0; i < p.maxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return zero, apperr.Provider(name, err)
		}

		pr, err := p.selectProvider()
		if err != nil {
			last = err
			break
		}
		name = pr.Name()
		if !pr.Acquire() {
			last = ErrNoAcquire
			continue
		}

		start := time.Now()
		res, err := call(pr)
		metrics.ProviderRequestSeconds.WithLabelValues(name, ch.String()).Observe(time.Since(start).Seconds())
		if err == nil {
			return res, nil
		}
		last = err
	}

	if last == nil {
		last = fmt.Errorf("send %s failed", ch)
	}
	return zero, apperr.Provider(name, last)
}

type Dispatcher struct {
	email *pool[EmailProvider]
	sms   *pool[SMSProvider]
}

func NewDispatcher(email []EmailProvider, sms []SMSProvider, maxAttemptsEmail, maxAttemptsSMS int) *Dispatcher {
	if maxAttemptsEmail < 1 {
		maxAttemptsEmail = 2
	}
	if maxAttemptsSMS < 1 {
		maxAttemptsSMS = 3
	}
	return &Dispatcher{
		email: &pool[EmailProvider]{providers: email, maxAttempts: maxAttemptsEmail},
		sms:   &pool[SMSProvider]{providers: sms, maxAttempts: maxAttemptsSMS},
	}
}

func (d *Dispatcher) SendEmail(ctx context.Context, req EmailRequest) (EmailResult, error) {
	return send(ctx, d.email, model.ChannelEmail, func(p EmailProvider) (EmailResult, error) {
		return p.SendEmail(ctx, req)
	})
}

func (d *Dispatcher) SendSMS(ctx context.Context, req SMSRequest) (SMSResult, error) {
	return send(ctx, d.sms, model.ChannelSMS, func(p SMSProvider) (SMSResult, error) {
		return p.SendSMS(ctx, req)
	})
}

// ProviderState is one row of the health report.
type ProviderState struct {
	Channel model.Channel `json:"channel"`
	Name    string        `json:"name"`
	Ready   bool          `json:"ready"`
}

// States lists every configured provider and whether its breaker admits calls.
func (d *Dispatcher) States() []ProviderState {
	out := make([]ProviderState, 0, len(d.email.providers)+len(d.sms.providers))
	for _, p := range d.email.providers {
		out = append(out, ProviderState{Channel: model.ChannelEmail, Name: p.Name(), Ready: p.Ready()})
	}
	for _, p := range d.sms.providers {
		out = append(out, ProviderState{Channel: model.ChannelSMS, Name: p.Name(), Ready: p.Ready()})
	}
	return out
}
