package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dmitrymomot/billingsync/pkg/logger"
)

// Hints are the identity fields an event carries.
type Hints struct {
	SubscriptionID string
	CustomerID     string
	Email          string
	// UserID comes from checkout metadata, when the provider echoes it back.
	UserID string

	// EventID and EventType are used for conflict reports only.
	EventID   string
	EventType EventType
	// Repeat marks a retry or redrive of an event that was already attempted.
	// Conflicts found on a repeat are logged but not reported again.
	Repeat bool
}

func (h Hints) empty() bool {
	return h.SubscriptionID == "" && h.CustomerID == "" && h.Email == "" && h.UserID == ""
}

// Strategy names the hint an account was resolved by.
type Strategy string

const (
	StrategySubscriptionID Strategy = "subscription_id"
	StrategyCustomerID     Strategy = "customer_id"
	StrategyEmail          Strategy = "email"
	StrategyMetadata       Strategy = "metadata_user_id"
)

// Resolution is the outcome of Resolve. Account is nil when unresolved, in
// which case Reason explains why.
type Resolution struct {
	Account    *Account
	Strategy   Strategy
	Backfilled bool
	Conflict   bool
	Reason     string
}

// Resolver finds the internal account for an event.
type Resolver struct {
	accounts AccountStore
	subs     SubscriptionStore
	reporter ConflictReporter
	observer Observer
	logger   *slog.Logger
}

// NewResolver creates a resolver. reporter and observer may be nil.
func NewResolver(accounts AccountStore, subs SubscriptionStore, reporter ConflictReporter, observer Observer, log *slog.Logger) *Resolver {
	if accounts == nil {
		panic("billing: AccountStore is required")
	}
	if subs == nil {
		panic("billing: SubscriptionStore is required")
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{accounts: accounts, subs: subs, reporter: reporter, observer: observer, logger: log}
}

// Resolve tries the hints in order: subscription id, customer id, email,
// metadata user id. The first match wins. When the match has no provider
// customer id and the event carries one, it is backfilled. A different
// existing customer id is reported as a conflict and never overwritten.
//
// An unresolved event is not an error; errors are store failures only.
func (r *Resolver) Resolve(ctx context.Context, h Hints) (Resolution, error) {
	if h.empty() {
		return Resolution{Reason: "event carries no identity hints"}, nil
	}

	acct, strategy, err := r.find(ctx, h)
	if err != nil {
		if errors.Is(err, ErrAmbiguousAccount) {
			r.conflict(ctx, h, Conflict{Email: NormalizeEmail(h.Email), Reason: "several accounts share the email"})
			return Resolution{Conflict: true, Reason: "email matches several accounts"}, nil
		}
		return Resolution{}, err
	}
	if acct == nil {
		return Resolution{Reason: unresolvedReason(h)}, nil
	}

	res := Resolution{Account: acct, Strategy: strategy}
	if h.CustomerID == "" || acct.ProviderCustomerID == h.CustomerID {
		return res, nil
	}

	if acct.ProviderCustomerID != "" {
		res.Conflict = true
		r.conflict(ctx, h, Conflict{UserID: acct.UserID, ExistingCustomerID: acct.ProviderCustomerID, Reason: "customer id mismatch"})
		return res, nil
	}

	linked, err := r.accounts.LinkCustomerID(ctx, acct.UserID, h.CustomerID)
	switch {
	case errors.Is(err, ErrCustomerIDTaken):
		res.Conflict = true
		r.conflict(ctx, h, Conflict{UserID: acct.UserID, Reason: "customer id linked to another account"})
		return res, nil
	case err != nil:
		return Resolution{}, fmt.Errorf("backfill customer id: %w", err)
	}

	if linked {
		acct.ProviderCustomerID = h.CustomerID
		res.Backfilled = true
		r.logger.InfoContext(ctx, "backfilled provider customer id",
			logger.UserID(acct.UserID),
			logger.CustomerID(h.CustomerID),
			slog.String("strategy", string(strategy)),
		)
		return res, nil
	}

	// Someone linked a customer id between our read and the conditional update.
	fresh, err := r.accounts.FindByUserID(ctx, acct.UserID)
	if err != nil {
		return Resolution{}, err
	}
	res.Account = fresh
	if fresh.ProviderCustomerID != h.CustomerID {
		res.Conflict = true
		r.conflict(ctx, h, Conflict{UserID: fresh.UserID, ExistingCustomerID: fresh.ProviderCustomerID, Reason: "customer id mismatch"})
	}
	return res, nil
}

func (r *Resolver) find(ctx context.Context, h Hints) (*Account, Strategy, error) {
	if h.SubscriptionID != "" {
		sub, err := r.subs.GetSubscription(ctx, h.SubscriptionID)
		switch {
		case err == nil:
			acct, err := r.accounts.FindByUserID(ctx, sub.UserID)
			if err == nil {
				return acct, StrategySubscriptionID, nil
			}
			if !errors.Is(err, ErrAccountNotFound) {
				return nil, "", err
			}
		case !errors.Is(err, ErrSubscriptionNotFound):
			return nil, "", err
		}
	}

	if h.CustomerID != "" {
		acct, err := r.accounts.FindByCustomerID(ctx, h.CustomerID)
		if err == nil {
			return acct, StrategyCustomerID, nil
		}
		if !errors.Is(err, ErrAccountNotFound) {
			return nil, "", err
		}
	}

	if email := NormalizeEmail(h.Email); email != "" {
		acct, err := r.accounts.FindByEmail(ctx, email)
		if err == nil {
			return acct, StrategyEmail, nil
		}
		if !errors.Is(err, ErrAccountNotFound) {
			return nil, "", err
		}
	}

	if h.UserID != "" {
		acct, err := r.accounts.FindByUserID(ctx, h.UserID)
		if err == nil && acct.MergedInto == "" {
			return acct, StrategyMetadata, nil
		}
		if err != nil && !errors.Is(err, ErrAccountNotFound) {
			return nil, "", err
		}
	}

	return nil, "", nil
}

func (r *Resolver) conflict(ctx context.Context, h Hints, c Conflict) {
	c.EventID = h.EventID
	c.EventType = h.EventType
	c.EventCustomerID = h.CustomerID

	if h.Repeat {
		r.logger.DebugContext(ctx, "billing data conflict already reported",
			logger.EventID(c.EventID),
			logger.UserID(c.UserID),
			slog.String("reason", c.Reason),
		)
		return
	}

	r.logger.ErrorContext(ctx, "billing data conflict needs manual review",
		logger.EventID(c.EventID),
		logger.UserID(c.UserID),
		logger.Email(c.Email),
		slog.String("existing_customer_id", c.ExistingCustomerID),
		slog.String("event_customer_id", c.EventCustomerID),
		slog.String("reason", c.Reason),
	)
	r.observer.ObserveConflict(c.Reason)

	if r.reporter == nil {
		return
	}
	if err := r.reporter.ReportConflict(ctx, c); err != nil {
		r.logger.WarnContext(ctx, "failed to report billing conflict", logger.Error(err))
	}
}

func unresolvedReason(h Hints) string {
	var tried []string
	if h.SubscriptionID != "" {
		tried = append(tried, string(StrategySubscriptionID))
	}
	if h.CustomerID != "" {
		tried = append(tried, string(StrategyCustomerID))
	}
	if h.Email != "" {
		tried = append(tried, string(StrategyEmail))
	}
	if h.UserID != "" {
		tried = append(tried, string(StrategyMetadata))
	}
	return "no account matches " + strings.Join(tried, ", ")
}
