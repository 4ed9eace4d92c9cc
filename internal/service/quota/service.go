package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/apperr"
	"github.com/jmehdipour/campaign-gateway/internal/logger"
	"github.com/jmehdipour/campaign-gateway/internal/metrics"
	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmehdipour/campaign-gateway/internal/repository"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DefaultResetWindow is the rolling quota period.
const DefaultResetWindow = 30 * 24 * time.Hour

// Service owns every read and write of quota ledgers. Consumption goes
// through a conditional UPDATE so concurrent callers cannot overdraw a bucket.
type Service struct {
	tx      repository.Transactor
	repo    repository.QuotaRepository
	catalog model.PlanCatalog
	window  time.Duration
	now     func() time.Time
}

func New(tx repository.Transactor, repo repository.QuotaRepository, catalog model.PlanCatalog, window time.Duration) *Service {
	if window <= 0 {
		window = DefaultResetWindow
	}
	if catalog == nil {
		catalog = model.NewPlanCatalog(nil)
	}
	return &Service{
		tx:      tx,
		repo:    repo,
		catalog: catalog,
		window:  window,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) nextReset() time.Time { return s.now().Add(s.window) }

// Ensure creates the user's ledger for plan unless one already exists.
func (s *Service) Ensure(ctx context.Context, userID int64, plan model.Plan) (*model.Ledger, error) {
	limits, ok := s.catalog.Limits(plan)
	if !ok {
		return nil, apperr.InvalidArgument("plan", fmt.Sprintf("unknown plan %q", plan))
	}

	if l, err := s.repo.Get(ctx, nil, userID); err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	} else if l != nil {
		return l, nil
	}

	l := model.NewLedger(userID, plan, limits, s.nextReset())
	if err := s.repo.Create(ctx, nil, l); err != nil {
		if repository.IsDuplicateKey(err) {
			return s.Get(ctx, userID)
		}
		return nil, fmt.Errorf("create ledger: %w", err)
	}

	logger.Log.Info("quota ledger created", zap.Int64("user_id", userID), zap.String("plan", plan.String()))
	return &l, nil
}

// Get returns the ledger after rolling any bucket whose window has passed.
func (s *Service) Get(ctx context.Context, userID int64) (*model.Ledger, error) {
	var out *model.Ledger
	err := s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.rollExpired(ctx, tx, userID); err != nil {
			return err
		}
		l, err := s.repo.Get(ctx, tx, userID)
		if err != nil {
			return fmt.Errorf("load ledger: %w", err)
		}
		if l == nil {
			return apperr.NotFound("quota ledger", nil)
		}
		out = l
		return nil
	})
	return out, err
}

// rollExpired resets finished windows and, if anything moved, re-derives the ledger status.
func (s *Service) rollExpired(ctx context.Context, tx *sqlx.Tx, userID int64) error {
	n, err := s.repo.RollExpired(ctx, tx, userID, s.now(), s.nextReset())
	if err != nil {
		return fmt.Errorf("roll expired buckets: %w", err)
	}
	if n == 0 {
		return nil
	}
	return s.refreshStatus(ctx, tx, userID)
}

func (s *Service) refreshStatus(ctx context.Context, tx *sqlx.Tx, userID int64) error {
	l, err := s.repo.GetForUpdate(ctx, tx, userID)
	if err != nil {
		return fmt.Errorf("lock ledger: %w", err)
	}
	if l == nil {
		return apperr.NotFound("quota ledger", nil)
	}
	l.Refresh()
	if err := s.repo.SetStatus(ctx, tx, userID, l.Status); err != nil {
		return fmt.Errorf("save ledger status: %w", err)
	}
	return nil
}

func validAmount(amount int64) error {
	if amount < 1 {
		return apperr.InvalidArgument("amount", "must be at least 1")
	}
	return nil
}

// HasAvailable is a read-only check; it never reserves anything.
func (s *Service) HasAvailable(ctx context.Context, userID int64, r model.Resource, amount int64) (bool, error) {
	if err := validAmount(amount); err != nil {
		return false, err
	}
	l, err := s.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	return l.HasAvailable(r, amount), nil
}

// Consume takes amount units of r in its own transaction.
func (s *Service) Consume(ctx context.Context, userID int64, r model.Resource, amount int64) (*model.Ledger, error) {
	var out *model.Ledger
	err := s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		l, err := s.ConsumeTx(ctx, tx, userID, r, amount)
		out = l
		return err
	})
	return out, err
}

// ConsumeTx is Consume inside a caller-owned transaction, so the caller's
// own writes roll back together with the decrement.
func (s *Service) ConsumeTx(ctx context.Context, tx *sqlx.Tx, userID int64, r model.Resource, amount int64) (*model.Ledger, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	if !r.Valid() {
		return nil, apperr.InvalidArgument("resource", fmt.Sprintf("unknown resource %q", r))
	}

	if _, err := s.repo.RollExpired(ctx, tx, userID, s.now(), s.nextReset()); err != nil {
		metrics.QuotaConsumeTotal.WithLabelValues(r.String(), "error").Inc()
		return nil, fmt.Errorf("roll expired buckets: %w", err)
	}

	ok, err := s.repo.ConsumeIfAvailable(ctx, tx, userID, r, amount)
	if err != nil {
		metrics.QuotaConsumeTotal.WithLabelValues(r.String(), "error").Inc()
		return nil, fmt.Errorf("consume %s: %w", r, err)
	}

	l, err := s.repo.GetForUpdate(ctx, tx, userID)
	if err != nil {
		return nil, fmt.Errorf("lock ledger: %w", err)
	}
	if l == nil {
		return nil, apperr.NotFound("quota ledger", nil)
	}

	if !ok {
		metrics.QuotaConsumeTotal.WithLabelValues(r.String(), "exceeded").Inc()
		return l, apperr.QuotaExceeded(r.String(), model.ErrQuotaExceeded)
	}

	l.Refresh()
	if err := s.repo.SetStatus(ctx, tx, userID, l.Status); err != nil {
		return nil, fmt.Errorf("save ledger status: %w", err)
	}
	metrics.QuotaConsumeTotal.WithLabelValues(r.String(), "ok").Inc()
	return l, nil
}

// Refund gives back amount units of r; used never drops below zero.
func (s *Service) Refund(ctx context.Context, userID int64, r model.Resource, amount int64) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	return s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.repo.Refund(ctx, tx, userID, r, amount); err != nil {
			return fmt.Errorf("refund %s: %w", r, err)
		}
		return s.refreshStatus(ctx, tx, userID)
	})
}

// Reset zeroes one bucket and starts a new window.
func (s *Service) Reset(ctx context.Context, userID int64, r model.Resource) (*model.Ledger, error) {
	if !r.Valid() {
		return nil, apperr.InvalidArgument("resource", fmt.Sprintf("unknown resource %q", r))
	}
	return s.reset(ctx, userID, []model.Resource{r})
}

func (s *Service) ResetAll(ctx context.Context, userID int64) (*model.Ledger, error) {
	return s.reset(ctx, userID, model.Resources)
}

func (s *Service) reset(ctx context.Context, userID int64, resources []model.Resource) (*model.Ledger, error) {
	var out *model.Ledger
	err := s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		l, err := s.repo.GetForUpdate(ctx, tx, userID)
		if err != nil {
			return fmt.Errorf("lock ledger: %w", err)
		}
		if l == nil {
			return apperr.NotFound("quota ledger", nil)
		}

		next := s.nextReset()
		if err := s.repo.ResetBuckets(ctx, tx, userID, resources, next); err != nil {
			return fmt.Errorf("reset buckets: %w", err)
		}
		for _, r := range resources {
			l.Reset(r, next)
		}
		if err := s.repo.SetStatus(ctx, tx, userID, l.Status); err != nil {
			return fmt.Errorf("save ledger status: %w", err)
		}
		out = l
		return nil
	})
	return out, err
}

// UpdatePlan applies the plan's limits and resets every bucket.
func (s *Service) UpdatePlan(ctx context.Context, userID int64, plan string) (*model.Ledger, error) {
	p, ok := model.ParsePlan(plan)
	if !ok {
		return nil, apperr.InvalidArgument("plan", fmt.Sprintf("unknown plan %q", plan))
	}
	limits, ok := s.catalog.Limits(p)
	if !ok {
		return nil, apperr.InvalidArgument("plan", fmt.Sprintf("plan %q is not configured", plan))
	}

	var out *model.Ledger
	err := s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		l, err := s.repo.GetForUpdate(ctx, tx, userID)
		if err != nil {
			return fmt.Errorf("lock ledger: %w", err)
		}
		if l == nil {
			return apperr.NotFound("quota ledger", nil)
		}

		next := s.nextReset()
		if err := s.repo.UpdateLimits(ctx, tx, userID, p, limits); err != nil {
			return fmt.Errorf("update limits: %w", err)
		}
		if err := s.repo.ResetBuckets(ctx, tx, userID, model.Resources, next); err != nil {
			return fmt.Errorf("reset buckets: %w", err)
		}
		l.UpdatePlan(p, limits, next)
		if err := s.repo.SetStatus(ctx, tx, userID, l.Status); err != nil {
			return fmt.Errorf("save ledger status: %w", err)
		}
		out = l
		return nil
	})
	if err == nil {
		logger.Log.Info("quota plan updated", zap.Int64("user_id", userID), zap.String("plan", p.String()))
	}
	return out, err
}

// StatusDistribution counts ledgers per status; every status is present in the result.
func (s *Service) StatusDistribution(ctx context.Context) (map[model.QuotaStatus]int64, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count ledgers: %w", err)
	}
	out := map[model.QuotaStatus]int64{
		model.QuotaNormal:   0,
		model.QuotaWarning:  0,
		model.QuotaCritical: 0,
		model.QuotaExceeded: 0,
	}
	for st, n := range counts {
		out[st] = n
	}
	return out, nil
}
