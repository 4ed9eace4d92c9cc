// Package repotest provides in-memory repository implementations for service tests.
package repotest

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmehdipour/campaign-gateway/internal/repository"
	"github.com/jmoiron/sqlx"
)

var errDuplicate = &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}

// Transactor runs fn with a nil tx; the fakes ignore tx entirely.
type Transactor struct {
	mu    sync.Mutex
	Calls int
}

func (t *Transactor) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	t.mu.Lock()
	t.Calls++
	t.mu.Unlock()
	return fn(nil)
}

// ---- quota ----

type Quota struct {
	mu      sync.Mutex
	ledgers map[int64]*model.Ledger
}

func NewQuota() *Quota { return &Quota{ledgers: map[int64]*model.Ledger{}} }

var _ repository.QuotaRepository = (*Quota)(nil)

// Put stores a copy of l, replacing any existing ledger.
func (q *Quota) Put(l model.Ledger) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ledgers[l.UserID] = &l
}

// Snapshot returns a copy of the stored ledger.
func (q *Quota) Snapshot(userID int64) (model.Ledger, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.ledgers[userID]
	if !ok {
		return model.Ledger{}, false
	}
	return *l, true
}

func (q *Quota) Create(_ context.Context, _ *sqlx.Tx, l model.Ledger) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.ledgers[l.UserID]; ok {
		return errDuplicate
	}
	q.ledgers[l.UserID] = &l
	return nil
}

func (q *Quota) Get(ctx context.Context, tx *sqlx.Tx, userID int64) (*model.Ledger, error) {
	l, ok := q.Snapshot(userID)
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (q *Quota) GetForUpdate(ctx context.Context, tx *sqlx.Tx, userID int64) (*model.Ledger, error) {
	return q.Get(ctx, tx, userID)
}

func (q *Quota) RollExpired(_ context.Context, _ *sqlx.Tx, userID int64, now, next time.Time) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.ledgers[userID]
	if !ok {
		return 0, nil
	}
	var n int64
	for _, r := range model.Resources {
		b, _ := l.Bucket(r)
		if !b.ResetAt.After(now) {
			b.Used = 0
			b.ResetAt = next
			l.SetBucket(b)
			n++
		}
	}
	return n, nil
}

func (q *Quota) ConsumeIfAvailable(_ context.Context, _ *sqlx.Tx, userID int64, r model.Resource, amount int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.ledgers[userID]
	if !ok {
		return false, nil
	}
	b, _ := l.Bucket(r)
	if b.Used+amount > b.Limit {
		return false, nil
	}
	b.Used += amount
	l.SetBucket(b)
	return true, nil
}

func (q *Quota) Refund(_ context.Context, _ *sqlx.Tx, userID int64, r model.Resource, amount int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.ledgers[userID]; ok {
		b, _ := l.Bucket(r)
		b.Used -= amount
		if b.Used < 0 {
			b.Used = 0
		}
		l.SetBucket(b)
	}
	return nil
}

func (q *Quota) ResetBuckets(_ context.Context, _ *sqlx.Tx, userID int64, resources []model.Resource, next time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.ledgers[userID]; ok {
		for _, r := range resources {
			b, _ := l.Bucket(r)
			b.Used = 0
			b.ResetAt = next
			l.SetBucket(b)
		}
	}
	return nil
}

func (q *Quota) UpdateLimits(_ context.Context, _ *sqlx.Tx, userID int64, plan model.Plan, limits model.PlanLimits) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.ledgers[userID]; ok {
		l.Plan = plan
		for _, r := range model.Resources {
			b, _ := l.Bucket(r)
			b.Limit = limits.For(r)
			l.SetBucket(b)
		}
	}
	return nil
}

func (q *Quota) SetStatus(_ context.Context, _ *sqlx.Tx, userID int64, status model.QuotaStatus) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.ledgers[userID]; ok {
		l.Status = status
	}
	return nil
}

func (q *Quota) CountByStatus(context.Context) (map[model.QuotaStatus]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := map[model.QuotaStatus]int64{}
	for _, l := range q.ledgers {
		out[l.Status]++
	}
	return out, nil
}

// ---- messages ----

type Messages struct {
	mu   sync.Mutex
	rows map[string]model.Message
}

func NewMessages() *Messages { return &Messages{rows: map[string]model.Message{}} }

var _ repository.MessagesRepository = (*Messages)(nil)

func (f *Messages) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

// Find returns a copy of the message regardless of owner.
func (f *Messages) Find(id string) (model.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[id]
	return m, ok
}

func (f *Messages) Insert(_ context.Context, _ *sqlx.Tx, m *model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[m.ID]; ok {
		return errDuplicate
	}
	f.rows[m.ID] = *m
	return nil
}

func (f *Messages) Get(_ context.Context, userID int64, id string) (*model.Message, error) {
	m, ok := f.Find(id)
	if !ok || m.UserID != userID {
		return nil, nil
	}
	return &m, nil
}

func (f *Messages) GetForUpdate(_ context.Context, _ *sqlx.Tx, id string) (*model.Message, error) {
	m, ok := f.Find(id)
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (f *Messages) GetByProviderIDForUpdate(_ context.Context, _ *sqlx.Tx, ch model.Channel, providerID string) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.rows {
		if m.Channel == ch && m.ProviderID != "" && m.ProviderID == providerID {
			return &m, nil
		}
	}
	return nil, nil
}

func (f *Messages) SaveState(_ context.Context, _ *sqlx.Tx, m *model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[m.ID]; !ok {
		return errors.New("message not found")
	}
	for id, other := range f.rows {
		if id != m.ID && m.ProviderID != "" && other.Channel == m.Channel && other.ProviderID == m.ProviderID {
			return errDuplicate
		}
	}
	f.rows[m.ID] = *m
	return nil
}

func (f *Messages) sorted(keep func(model.Message) bool) []model.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Message
	for _, m := range f.rows {
		if keep(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *Messages) List(_ context.Context, userID int64, flt repository.MessageFilter) ([]model.Message, int64, error) {
	rows := f.sorted(func(m model.Message) bool {
		return m.UserID == userID &&
			(flt.Status == "" || m.Status == flt.Status) &&
			(flt.Channel == "" || m.Channel == flt.Channel) &&
			(flt.From.IsZero() || !m.CreatedAt.Before(flt.From)) &&
			(flt.To.IsZero() || m.CreatedAt.Before(flt.To))
	})
	total := int64(len(rows))
	// newest first, like ORDER BY created_at DESC on ULIDs
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	limit := flt.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if flt.Offset >= len(rows) {
		return nil, total, nil
	}
	rows = rows[flt.Offset:]
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, total, nil
}

func (f *Messages) ListDue(_ context.Context, now time.Time, limit int) ([]model.Message, error) {
	rows := f.sorted(func(m model.Message) bool { return m.Claimable(now) })
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].ScheduledAt.Before(rows[j].ScheduledAt) })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (f *Messages) Claim(_ context.Context, id string, now, until time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[id]
	if !ok || !m.Claimable(now) {
		return false, nil
	}
	until = until.UTC()
	m.ClaimedUntil = &until
	f.rows[id] = m
	return true, nil
}

func (f *Messages) CountByStatus(_ context.Context, userID int64, from, to time.Time) ([]repository.StatusCount, error) {
	type key struct {
		ch model.Channel
		st model.MessageStatus
	}
	counts := map[key]int64{}
	for _, m := range f.sorted(func(m model.Message) bool {
		return (userID == 0 || m.UserID == userID) &&
			(from.IsZero() || !m.CreatedAt.Before(from)) &&
			(to.IsZero() || m.CreatedAt.Before(to))
	}) {
		counts[key{m.Channel, m.Status}]++
	}
	out := make([]repository.StatusCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, repository.StatusCount{Channel: k.ch, Status: k.st, N: n})
	}
	return out, nil
}

// ---- outbox ----

type Outbox struct {
	mu     sync.Mutex
	Events []model.MessageEvent
	Rows   []model.OutboxEvent
}

var _ repository.OutboxRepository = (*Outbox)(nil)

func (o *Outbox) Insert(_ context.Context, _ *sqlx.Tx, ev model.OutboxEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Rows = append(o.Rows, ev)
	return nil
}

func (o *Outbox) InsertMessageEvent(_ context.Context, _ *sqlx.Tx, ev model.MessageEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Events = append(o.Events, ev)
	return nil
}

// Statuses returns the recorded event statuses for one message, in order.
func (o *Outbox) Statuses(messageID string) []model.MessageStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []model.MessageStatus
	for _, ev := range o.Events {
		if ev.MessageID == messageID {
			out = append(out, ev.Status)
		}
	}
	return out
}

// ---- users ----

type Users struct {
	mu   sync.Mutex
	next int64
	rows map[int64]model.User
}

func NewUsers() *Users { return &Users{rows: map[int64]model.User{}} }

var _ repository.UsersRepository = (*Users)(nil)

func (f *Users) Create(_ context.Context, _ *sqlx.Tx, u *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, other := range f.rows {
		if other.Email == u.Email {
			return errDuplicate
		}
	}
	f.next++
	u.ID = f.next
	f.rows[u.ID] = *u
	return nil
}

func (f *Users) Get(_ context.Context, id int64) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.rows[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (f *Users) List(_ context.Context, limit, offset int) ([]model.User, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.User, 0, len(f.rows))
	for _, u := range f.rows {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	total := int64(len(out))
	if offset >= len(out) {
		return nil, total, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (f *Users) Delete(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rows[id]
	delete(f.rows, id)
	return ok, nil
}

func (f *Users) Count(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.rows)), nil
}

// ---- api keys ----

type APIKeys struct {
	mu   sync.Mutex
	next int64
	rows map[int64]model.APIKey
}

func NewAPIKeys() *APIKeys { return &APIKeys{rows: map[int64]model.APIKey{}} }

var _ repository.APIKeysRepository = (*APIKeys)(nil)

func (f *APIKeys) Create(_ context.Context, _ *sqlx.Tx, k *model.APIKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	k.ID = f.next
	f.rows[k.ID] = *k
	return nil
}

func (f *APIKeys) GetByHash(_ context.Context, hash string) (*model.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.rows {
		if k.Hash == hash {
			return &k, nil
		}
	}
	return nil, nil
}

func (f *APIKeys) Get(_ context.Context, userID, id int64) (*model.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.rows[id]
	if !ok || k.UserID != userID {
		return nil, nil
	}
	return &k, nil
}

func (f *APIKeys) ListByUser(_ context.Context, userID int64) ([]model.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.APIKey
	for _, k := range f.rows {
		if k.UserID == userID {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *APIKeys) Rotate(_ context.Context, userID, id int64, prefix, hash string, resetAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.rows[id]
	if !ok || k.UserID != userID {
		return false, nil
	}
	k.Prefix, k.Hash, k.UsageCount, k.ResetAt = prefix, hash, 0, resetAt
	f.rows[id] = k
	return true, nil
}

func (f *APIKeys) Delete(_ context.Context, userID, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.rows[id]
	if !ok || k.UserID != userID {
		return false, nil
	}
	delete(f.rows, id)
	return true, nil
}

func (f *APIKeys) ConsumeUsage(_ context.Context, id int64, now, next time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.rows[id]
	if !ok {
		return false, nil
	}
	if !k.ResetAt.After(now) {
		k.UsageCount = 0
		k.ResetAt = next
	}
	if k.UsageCount+1 > k.UsageLimit {
		f.rows[id] = k
		return false, nil
	}
	k.UsageCount++
	k.LastUsedAt = &now
	f.rows[id] = k
	return true, nil
}

// ---- contacts ----

type Contacts struct {
	mu      sync.Mutex
	next    int64
	rows    map[int64]model.Contact
	groups  map[int64]model.ContactGroup
	members map[int64]map[int64]bool
}

func NewContacts() *Contacts {
	return &Contacts{
		rows:    map[int64]model.Contact{},
		groups:  map[int64]model.ContactGroup{},
		members: map[int64]map[int64]bool{},
	}
}

var _ repository.ContactsRepository = (*Contacts)(nil)

func (f *Contacts) Create(_ context.Context, c *model.Contact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, other := range f.rows {
		if other.UserID == c.UserID && other.Email == c.Email {
			return errDuplicate
		}
	}
	f.next++
	c.ID = f.next
	f.rows[c.ID] = *c
	return nil
}

func (f *Contacts) Get(_ context.Context, userID, id int64) (*model.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.rows[id]
	if !ok || c.UserID != userID {
		return nil, nil
	}
	return &c, nil
}

func (f *Contacts) List(_ context.Context, userID int64, flt repository.ContactFilter) ([]model.Contact, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Contact
	for _, c := range f.rows {
		if c.UserID != userID {
			continue
		}
		if flt.GroupID > 0 && !f.members[flt.GroupID][c.ID] {
			continue
		}
		if s := flt.Search; s != "" && !strings.HasPrefix(c.Email, s) &&
			!strings.HasPrefix(c.FirstName, s) && !strings.HasPrefix(c.LastName, s) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	total := int64(len(out))
	if flt.Offset >= len(out) {
		return nil, total, nil
	}
	out = out[flt.Offset:]
	if flt.Limit > 0 && len(out) > flt.Limit {
		out = out[:flt.Limit]
	}
	return out, total, nil
}

func (f *Contacts) Update(_ context.Context, c *model.Contact) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	old, ok := f.rows[c.ID]
	if !ok || old.UserID != c.UserID {
		return false, nil
	}
	for id, other := range f.rows {
		if id != c.ID && other.UserID == c.UserID && other.Email == c.Email {
			return false, errDuplicate
		}
	}
	c.CreatedAt = old.CreatedAt
	f.rows[c.ID] = *c
	return true, nil
}

func (f *Contacts) Delete(_ context.Context, userID, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.rows[id]
	if !ok || c.UserID != userID {
		return false, nil
	}
	delete(f.rows, id)
	for _, m := range f.members {
		delete(m, id)
	}
	return true, nil
}

func (f *Contacts) CreateGroup(_ context.Context, g *model.ContactGroup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, other := range f.groups {
		if other.UserID == g.UserID && other.Name == g.Name {
			return errDuplicate
		}
	}
	f.next++
	g.ID = f.next
	f.groups[g.ID] = *g
	f.members[g.ID] = map[int64]bool{}
	return nil
}

func (f *Contacts) GetGroup(_ context.Context, userID, id int64) (*model.ContactGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[id]
	if !ok || g.UserID != userID {
		return nil, nil
	}
	g.MemberCount = int64(len(f.members[id]))
	return &g, nil
}

func (f *Contacts) ListGroups(_ context.Context, userID int64) ([]model.ContactGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ContactGroup
	for id, g := range f.groups {
		if g.UserID == userID {
			g.MemberCount = int64(len(f.members[id]))
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *Contacts) AddMembers(_ context.Context, userID, groupID int64, contactIDs []int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members[groupID] == nil {
		return 0, nil
	}
	var n int64
	for _, id := range contactIDs {
		c, ok := f.rows[id]
		if !ok || c.UserID != userID || f.members[groupID][id] {
			continue
		}
		f.members[groupID][id] = true
		n++
	}
	return n, nil
}

func (f *Contacts) ListMembers(_ context.Context, userID, groupID int64) ([]model.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Contact
	for id := range f.members[groupID] {
		if c, ok := f.rows[id]; ok && c.UserID == userID && c.Subscribed {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
