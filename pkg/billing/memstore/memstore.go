// Package memstore is an in-memory implementation of every billing store,
// for tests and local development. A single mutex serialises all access, so
// the conditional operations behave like their SQL counterparts.
package memstore

import (
	"cmp"
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingsync/pkg/billing"
)

// Store implements the billing ledger, account, subscription, history,
// orphan and merge stores.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	events   map[string]*billing.WebhookEvent
	accounts map[string]*billing.Account
	subs     map[string]*billing.Subscription
	payments []billing.PaymentRecord
	invoices []billing.InvoiceRecord
	orphans  []*billing.OrphanedWebhook

	accountWrites int
}

var (
	_ billing.Ledger            = (*Store)(nil)
	_ billing.AccountStore      = (*Store)(nil)
	_ billing.SubscriptionStore = (*Store)(nil)
	_ billing.HistoryRecorder   = (*Store)(nil)
	_ billing.OrphanQueue       = (*Store)(nil)
	_ billing.AccountMergeStore = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		now:      time.Now,
		events:   make(map[string]*billing.WebhookEvent),
		accounts: make(map[string]*billing.Account),
		subs:     make(map[string]*billing.Subscription),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stores returns s wired into every slot of billing.Stores.
func (s *Store) Stores() billing.Stores {
	return billing.Stores{Ledger: s, Accounts: s, Subscriptions: s, History: s, Orphans: s}
}

// Ledger

func (s *Store) Get(_ context.Context, eventID string) (*billing.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[eventID]
	if !ok {
		return nil, billing.ErrEventNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *Store) RecordSeen(_ context.Context, env billing.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[env.EventID]; ok {
		return nil
	}
	s.events[env.EventID] = &billing.WebhookEvent{
		EventID:   env.EventID,
		EventType: env.EventType,
		Payload:   payload,
		CreatedAt: s.now().UTC(),
	}
	return nil
}

func (s *Store) Acquire(_ context.Context, eventID string, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[eventID]
	if !ok {
		return billing.ErrEventNotFound
	}
	now := s.now().UTC()
	switch {
	case e.Processed:
		return billing.ErrAlreadyProcessed
	case e.LockedUntil != nil && e.LockedUntil.After(now):
		return billing.ErrEventInFlight
	}
	until := now.Add(lease)
	e.LockedUntil = &until
	return nil
}

func (s *Store) MarkSucceeded(_ context.Context, eventID string, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[eventID]
	if !ok {
		return billing.ErrEventNotFound
	}
	now := s.now().UTC()
	e.Processed = true
	e.Result = slices.Clone(result)
	e.ErrorMessage = ""
	e.ProcessedAt = &now
	e.LockedUntil = nil
	return nil
}

func (s *Store) MarkFailed(_ context.Context, eventID string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[eventID]
	if !ok {
		return billing.ErrEventNotFound
	}
	if e.Processed {
		return nil
	}
	now := s.now().UTC()
	e.ErrorMessage = errMsg
	e.RetryCount++
	e.FailedAt = &now
	e.LockedUntil = nil
	return nil
}

// Accounts

// PutAccount inserts or replaces an account.
func (s *Store) PutAccount(a billing.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := a
	s.accounts[a.UserID] = &cp
}

func (s *Store) FindByUserID(_ context.Context, userID string) (*billing.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, billing.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) FindByCustomerID(_ context.Context, customerID string) (*billing.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.sortedAccounts() {
		if a.ProviderCustomerID == customerID && a.MergedInto == "" {
			cp := *a
			return &cp, nil
		}
	}
	return nil, billing.ErrAccountNotFound
}

func (s *Store) FindByEmail(_ context.Context, email string) (*billing.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *billing.Account
	for _, a := range s.sortedAccounts() {
		if a.MergedInto != "" || billing.NormalizeEmail(a.Email) != email {
			continue
		}
		if found != nil {
			return nil, billing.ErrAmbiguousAccount
		}
		found = a
	}
	if found == nil {
		return nil, billing.ErrAccountNotFound
	}
	cp := *found
	return &cp, nil
}

func (s *Store) LinkCustomerID(_ context.Context, userID, customerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[userID]
	if !ok {
		return false, billing.ErrAccountNotFound
	}
	for id, other := range s.accounts {
		if id != userID && other.ProviderCustomerID == customerID {
			return false, billing.ErrCustomerIDTaken
		}
	}
	if a.ProviderCustomerID != "" {
		return false, nil
	}
	a.ProviderCustomerID = customerID
	a.UpdatedAt = s.now().UTC()
	return true, nil
}

func (s *Store) UpdateAccountSubscription(_ context.Context, userID string, fields billing.AccountSubscriptionFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[userID]
	if !ok {
		return billing.ErrAccountNotFound
	}
	fields.Apply(a)
	a.UpdatedAt = s.now().UTC()
	s.accountWrites++
	return nil
}

// AccountWrites counts UpdateAccountSubscription calls.
func (s *Store) AccountWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountWrites
}

func (s *Store) sortedAccounts() []*billing.Account {
	out := make([]*billing.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b *billing.Account) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.UserID, b.UserID)
	})
	return out
}

// Subscriptions

func (s *Store) GetSubscription(_ context.Context, id string) (*billing.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s *Store) SaveSubscription(_ context.Context, sub billing.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := sub
	s.subs[sub.ID] = &cp
	return nil
}

// History

func (s *Store) AppendPaymentHistory(_ context.Context, userID string, rec billing.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[userID]; !ok {
		return billing.ErrAccountNotFound
	}
	for _, p := range s.payments {
		if p.EventID == rec.EventID {
			return nil
		}
	}
	rec.UserID = userID
	s.payments = append(s.payments, rec)
	return nil
}

func (s *Store) AppendInvoiceHistory(_ context.Context, userID string, rec billing.InvoiceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[userID]; !ok {
		return billing.ErrAccountNotFound
	}
	for _, inv := range s.invoices {
		if inv.EventID == rec.EventID {
			return nil
		}
	}
	rec.UserID = userID
	s.invoices = append(s.invoices, rec)
	return nil
}

// Payments returns the payment history of userID in insertion order.
func (s *Store) Payments(userID string) []billing.PaymentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []billing.PaymentRecord
	for _, p := range s.payments {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out
}

// Invoices returns the invoice history of userID in insertion order.
func (s *Store) Invoices(userID string) []billing.InvoiceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []billing.InvoiceRecord
	for _, inv := range s.invoices {
		if inv.UserID == userID {
			out = append(out, inv)
		}
	}
	return out
}

// Orphans

func (s *Store) Enqueue(_ context.Context, env billing.Envelope, reason, requestID string, nextRetryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range s.orphans {
		if o.EventID == env.EventID {
			return nil
		}
	}
	s.orphans = append(s.orphans, &billing.OrphanedWebhook{
		ID:          uuid.New(),
		EventID:     env.EventID,
		Envelope:    env,
		Reason:      reason,
		RequestID:   requestID,
		NextRetryAt: nextRetryAt.UTC(),
		CreatedAt:   s.now().UTC(),
	})
	return nil
}

func (s *Store) Due(_ context.Context, now time.Time, limit int) ([]billing.OrphanedWebhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []billing.OrphanedWebhook
	for _, o := range s.orphans {
		if o.ResolvedAt != nil || o.AbandonedAt != nil || o.NextRetryAt.After(now) {
			continue
		}
		out = append(out, *o)
	}
	slices.SortStableFunc(out, func(a, b billing.OrphanedWebhook) int {
		return a.NextRetryAt.Compare(b.NextRetryAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Resolve(_ context.Context, id uuid.UUID) error {
	return s.updateOrphan(id, func(o *billing.OrphanedWebhook, now time.Time) {
		o.ResolvedAt = &now
	})
}

func (s *Store) Reschedule(_ context.Context, id uuid.UUID, retryCount int, nextRetryAt time.Time, lastErr string) error {
	return s.updateOrphan(id, func(o *billing.OrphanedWebhook, _ time.Time) {
		o.RetryCount = retryCount
		o.NextRetryAt = nextRetryAt.UTC()
		o.LastError = lastErr
	})
}

func (s *Store) Abandon(_ context.Context, id uuid.UUID, lastErr string) error {
	return s.updateOrphan(id, func(o *billing.OrphanedWebhook, now time.Time) {
		o.AbandonedAt = &now
		o.LastError = lastErr
	})
}

func (s *Store) updateOrphan(id uuid.UUID, fn func(*billing.OrphanedWebhook, time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range s.orphans {
		if o.ID == id {
			fn(o, s.now().UTC())
			return nil
		}
	}
	return billing.ErrOrphanNotFound
}

// Orphans returns every orphan row, including resolved and abandoned ones.
func (s *Store) Orphans() []billing.OrphanedWebhook {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]billing.OrphanedWebhook, 0, len(s.orphans))
	for _, o := range s.orphans {
		out = append(out, *o)
	}
	return out
}
