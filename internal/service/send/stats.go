package send

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/apperr"
	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmehdipour/campaign-gateway/internal/repository"
)

func (s *Service) Get(ctx context.Context, userID int64, id string) (*model.Message, error) {
	m, err := s.msgs.Get(ctx, userID, id)
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}
	if m == nil {
		return nil, apperr.NotFound("message", nil)
	}
	return m, nil
}

type Page struct {
	Items []model.Message `json:"items"`
	Total int64           `json:"total"`
	Limit int             `json:"limit"`
	Page  int             `json:"page"`
}

// List pages through the user's messages, newest first. page is 1-based.
func (s *Service) List(ctx context.Context, userID int64, f repository.MessageFilter, page int) (Page, error) {
	if f.Status != "" && !f.Status.Valid() {
		return Page{}, apperr.InvalidArgument("status", fmt.Sprintf("unknown status %q", f.Status))
	}
	if f.Channel != "" && !f.Channel.Valid() {
		return Page{}, apperr.InvalidArgument("channel", "must be email or sms")
	}
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		return Page{}, apperr.InvalidArgument("from", "must be before to")
	}
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 20
	}
	if page < 1 {
		page = 1
	}
	f.Offset = (page - 1) * f.Limit

	rows, total, err := s.msgs.List(ctx, userID, f)
	if err != nil {
		return Page{}, fmt.Errorf("list messages: %w", err)
	}
	if rows == nil {
		rows = []model.Message{}
	}
	return Page{Items: rows, Total: total, Limit: f.Limit, Page: page}, nil
}

// Stats summarizes a user's messages over [from, to).
type Stats struct {
	Total        int64                         `json:"total"`
	ByStatus     map[model.MessageStatus]int64 `json:"by_status"`
	ByChannel    map[model.Channel]int64       `json:"by_channel"`
	Dispatched   int64                         `json:"dispatched"`
	Reached      int64                         `json:"reached"`
	DeliveryRate float64                       `json:"delivery_rate"`
	OpenRate     float64                       `json:"open_rate"`
	ClickRate    float64                       `json:"click_rate"`
}

func (s *Service) Stats(ctx context.Context, userID int64, from, to time.Time) (Stats, error) {
	counts, err := s.msgs.CountByStatus(ctx, userID, from, to)
	if err != nil {
		return Stats{}, fmt.Errorf("count messages: %w", err)
	}
	return Summarize(counts), nil
}

// Summarize folds per-status counts into totals and engagement rates.
// Rates are percentages: reached/dispatched, opened-or-clicked/reached and
// clicked/reached. Dispatched excludes pending and failed messages.
func Summarize(counts []repository.StatusCount) Stats {
	st := Stats{
		ByStatus:  map[model.MessageStatus]int64{},
		ByChannel: map[model.Channel]int64{},
	}
	var opened, clicked int64
	for _, c := range counts {
		st.Total += c.N
		st.ByStatus[c.Status] += c.N
		st.ByChannel[c.Channel] += c.N

		switch c.Status {
		case model.StatusPending, model.StatusFailed:
		default:
			st.Dispatched += c.N
		}
		if c.Status.Reached() {
			st.Reached += c.N
		}
		switch c.Status {
		case model.StatusOpened:
			opened += c.N
		case model.StatusClicked:
			opened += c.N
			clicked += c.N
		}
	}

	st.DeliveryRate = percent(st.Reached, st.Dispatched)
	st.OpenRate = percent(opened, st.Reached)
	st.ClickRate = percent(clicked, st.Reached)
	return st
}

func percent(n, d int64) float64 {
	if d <= 0 {
		return 0
	}
	return math.Round(float64(n)/float64(d)*10000) / 100
}
