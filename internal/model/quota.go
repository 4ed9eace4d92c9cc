package model

import (
	"errors"
	"strings"
	"time"
)

var ErrQuotaExceeded = errors.New("quota exceeded")

type Plan string

const (
	PlanFree         Plan = "free"
	PlanStarter      Plan = "starter"
	PlanProfessional Plan = "professional"
)

func (p Plan) String() string { return string(p) }

func (p Plan) Valid() bool {
	return p == PlanFree || p == PlanStarter || p == PlanProfessional
}

// ParsePlan normalizes input; returns (value, false) for unknown names.
func ParsePlan(s string) (Plan, bool) {
	p := Plan(strings.ToLower(strings.TrimSpace(s)))
	return p, p.Valid()
}

// Resource is one of the independently limited buckets of a ledger.
type Resource string

const (
	ResourceEmail Resource = "email"
	ResourceSMS   Resource = "sms"
	ResourceAPI   Resource = "api"
)

var Resources = []Resource{ResourceEmail, ResourceSMS, ResourceAPI}

func (r Resource) String() string { return string(r) }

func (r Resource) Valid() bool {
	return r == ResourceEmail || r == ResourceSMS || r == ResourceAPI
}

func ParseResource(s string) (Resource, bool) {
	r := Resource(strings.ToLower(strings.TrimSpace(s)))
	return r, r.Valid()
}

type QuotaStatus string

const (
	QuotaNormal   QuotaStatus = "normal"
	QuotaWarning  QuotaStatus = "warning"
	QuotaCritical QuotaStatus = "critical"
	QuotaExceeded QuotaStatus = "exceeded"
)

func (s QuotaStatus) String() string { return string(s) }

// Severity orders statuses: normal < warning < critical < exceeded.
func (s QuotaStatus) Severity() int {
	switch s {
	case QuotaWarning:
		return 1
	case QuotaCritical:
		return 2
	case QuotaExceeded:
		return 3
	default:
		return 0
	}
}

// ClassifyPercentage maps a usage percentage to a status.
func ClassifyPercentage(pct float64) QuotaStatus {
	switch {
	case pct >= 100:
		return QuotaExceeded
	case pct >= 90:
		return QuotaCritical
	case pct >= 75:
		return QuotaWarning
	default:
		return QuotaNormal
	}
}

// UsagePercentage is used/limit*100; a zero limit counts as 0%.
func UsagePercentage(used, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(used) / float64(limit) * 100
}

func Classify(used, limit int64) QuotaStatus {
	return ClassifyPercentage(UsagePercentage(used, limit))
}

// WorstStatus returns the highest-severity status; normal for no input.
func WorstStatus(statuses ...QuotaStatus) QuotaStatus {
	worst := QuotaNormal
	for _, s := range statuses {
		if s.Severity() > worst.Severity() {
			worst = s
		}
	}
	return worst
}

type PlanLimits struct {
	Email int64 `json:"email"`
	SMS   int64 `json:"sms"`
	API   int64 `json:"api"`
}

func (l PlanLimits) For(r Resource) int64 {
	switch r {
	case ResourceEmail:
		return l.Email
	case ResourceSMS:
		return l.SMS
	case ResourceAPI:
		return l.API
	}
	return 0
}

var DefaultPlanLimits = map[Plan]PlanLimits{
	PlanFree:         {Email: 2000, SMS: 0, API: 10000},
	PlanStarter:      {Email: 5000, SMS: 1000, API: 50000},
	PlanProfessional: {Email: 25000, SMS: 5000, API: 200000},
}

// PlanCatalog resolves plan limits, preferring configured overrides.
type PlanCatalog map[Plan]PlanLimits

func NewPlanCatalog(overrides map[Plan]PlanLimits) PlanCatalog {
	c := make(PlanCatalog, len(DefaultPlanLimits))
	for p, l := range DefaultPlanLimits {
		c[p] = l
	}
	for p, l := range overrides {
		if p.Valid() {
			c[p] = l
		}
	}
	return c
}

func (c PlanCatalog) Limits(p Plan) (PlanLimits, bool) {
	l, ok := c[p]
	return l, ok
}

// Bucket is the usage counter of one resource.
type Bucket struct {
	Resource Resource  `db:"resource"    json:"resource"`
	Used     int64     `db:"used"        json:"used"`
	Limit    int64     `db:"usage_limit" json:"limit"`
	ResetAt  time.Time `db:"reset_at"    json:"reset_at"`
}

func (b Bucket) Remaining() int64 {
	if b.Used >= b.Limit {
		return 0
	}
	return b.Limit - b.Used
}

func (b Bucket) Percentage() float64 { return UsagePercentage(b.Used, b.Limit) }

func (b Bucket) Status() QuotaStatus { return Classify(b.Used, b.Limit) }

func (b Bucket) HasAvailable(amount int64) bool {
	return amount > 0 && b.Used+amount <= b.Limit
}

// Expired reports whether the rolling window ended at or before now.
func (b Bucket) Expired(now time.Time) bool {
	return !b.ResetAt.IsZero() && !now.Before(b.ResetAt)
}

// Ledger is the per-user quota record.
type Ledger struct {
	UserID    int64       `db:"user_id"    json:"user_id"`
	Plan      Plan        `db:"plan"       json:"plan"`
	Status    QuotaStatus `db:"status"     json:"status"`
	Email     Bucket      `db:"-"          json:"email"`
	SMS       Bucket      `db:"-"          json:"sms"`
	API       Bucket      `db:"-"          json:"api"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt time.Time   `db:"updated_at" json:"updated_at"`
}

// NewLedger builds a fresh ledger with zero usage.
func NewLedger(userID int64, plan Plan, limits PlanLimits, resetAt time.Time) Ledger {
	l := Ledger{UserID: userID, Plan: plan}
	for _, r := range Resources {
		*l.bucket(r) = Bucket{Resource: r, Limit: limits.For(r), ResetAt: resetAt}
	}
	l.Refresh()
	return l
}

func (l *Ledger) bucket(r Resource) *Bucket {
	switch r {
	case ResourceEmail:
		return &l.Email
	case ResourceSMS:
		return &l.SMS
	case ResourceAPI:
		return &l.API
	}
	return nil
}

// Bucket returns a copy of the resource bucket; ok is false for unknown resources.
func (l Ledger) Bucket(r Resource) (Bucket, bool) {
	b := l.bucket(r)
	if b == nil {
		return Bucket{}, false
	}
	return *b, true
}

// SetBucket replaces the bucket for b.Resource.
func (l *Ledger) SetBucket(b Bucket) {
	if dst := l.bucket(b.Resource); dst != nil {
		*dst = b
	}
}

func (l Ledger) HasAvailable(r Resource, amount int64) bool {
	b, ok := l.Bucket(r)
	return ok && b.HasAvailable(amount)
}

func (l Ledger) OverallStatus() QuotaStatus {
	return WorstStatus(l.Email.Status(), l.SMS.Status(), l.API.Status())
}

// Refresh recomputes the derived status.
func (l *Ledger) Refresh() { l.Status = l.OverallStatus() }

// Consume takes amount units or fails with ErrQuotaExceeded leaving l untouched.
func (l *Ledger) Consume(r Resource, amount int64) error {
	if !l.HasAvailable(r, amount) {
		return ErrQuotaExceeded
	}
	l.bucket(r).Used += amount
	l.Refresh()
	return nil
}

// Reset zeroes one bucket and moves its window to next.
func (l *Ledger) Reset(r Resource, next time.Time) {
	if b := l.bucket(r); b != nil {
		b.Used = 0
		b.ResetAt = next
	}
	l.Refresh()
}

func (l *Ledger) ResetAll(next time.Time) {
	for _, r := range Resources {
		l.Reset(r, next)
	}
}

// RollExpired resets every bucket whose window has passed and reports which ones.
func (l *Ledger) RollExpired(now time.Time, window time.Duration) []Resource {
	var rolled []Resource
	for _, r := range Resources {
		if b := l.bucket(r); b.Expired(now) {
			l.Reset(r, now.Add(window))
			rolled = append(rolled, r)
		}
	}
	return rolled
}

// UpdatePlan overwrites all limits and starts a fresh window; usage does not carry over.
func (l *Ledger) UpdatePlan(p Plan, limits PlanLimits, next time.Time) {
	l.Plan = p
	for _, r := range Resources {
		l.bucket(r).Limit = limits.For(r)
	}
	l.ResetAll(next)
}
