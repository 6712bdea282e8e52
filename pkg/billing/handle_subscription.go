package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmitrymomot/billingsync/pkg/logger"
	"github.com/dmitrymomot/billingsync/pkg/statemachine"
)

func (p *Processor) handleSubscription(ctx context.Context, env Envelope) (Result, error) {
	res := newResult(env, StatusProcessed)

	data, err := decodeData[SubscriptionData](env)
	if err != nil {
		return res, err
	}
	if err := requireField(env, "id", data.ID); err != nil {
		return res, err
	}
	res.SubscriptionID = data.ID

	in := &transitionInput{data: data, at: env.OccurredAt()}
	if env.EventType == EventSubscriptionUpdated {
		reported, ok := ParseSubscriptionStatus(data.Status)
		if !ok {
			return res, fmt.Errorf("%w: %s: unknown status %q", ErrInvalidPayload, env.EventType, data.Status)
		}
		in.reported = reported
	}

	resolution, err := p.resolver.Resolve(ctx, Hints{
		SubscriptionID: data.ID,
		CustomerID:     data.customerID(),
		Email:          data.email(),
		UserID:         data.userIDHint(env),
		EventID:        env.EventID,
		EventType:      env.EventType,
		Repeat:         isRepeatAttempt(ctx),
	})
	if err != nil {
		return res, fmt.Errorf("resolve account: %w", err)
	}
	if resolution.Account == nil {
		res.Status = StatusUserNotFound
		res.Message = resolution.Reason
		return res, nil
	}
	acct := resolution.Account
	res.UserID = acct.UserID

	now := p.now().UTC()
	sub := Subscription{ID: data.ID, UserID: acct.UserID, Status: StatePending, CreatedAt: now}
	switch existing, err := p.subs.GetSubscription(ctx, data.ID); {
	case err == nil:
		sub = *existing
	case !errors.Is(err, ErrSubscriptionNotFound):
		return res, fmt.Errorf("load subscription: %w", err)
	}
	from := sub.Status

	if p.rejectStale && !in.at.IsZero() && in.at.Before(sub.LastEventAt) {
		res.Status = StatusStale
		res.SubscriptionStatus = from
		res.Message = fmt.Sprintf("event at %s is older than last applied event at %s",
			in.at.Format(time.RFC3339), sub.LastEventAt.Format(time.RFC3339))
		p.logger.WarnContext(ctx, "stale subscription event ignored",
			logger.SubscriptionID(sub.ID),
			slog.Time("event_at", in.at),
			slog.Time("last_event_at", sub.LastEventAt),
		)
		return res, nil
	}

	if needsPlan(env.EventType) && (data.ProductID != "" || sub.PlanType == "") {
		decision, err := p.catalog.PlanFor(data.ProductID, data.Amount)
		if err != nil {
			return res, err
		}
		if decision.Guessed {
			p.logger.WarnContext(ctx, "unknown product, plan guessed from amount",
				slog.String("product_id", data.ProductID),
				slog.Int64("amount", data.Amount),
				slog.String("plan_type", string(decision.Plan)),
			)
		}
		in.plan = decision
	}

	in.sub = &sub
	to, err := p.lifecycle.Fire(ctx, from, env.EventType, in)
	if err != nil {
		if statemachine.IsNoTransitionAvailableError(err) || statemachine.IsTransitionRejectedError(err) {
			res.Status = StatusRejected
			res.SubscriptionStatus = from
			res.Message = err.Error()
			p.logger.WarnContext(ctx, "subscription transition rejected",
				logger.SubscriptionID(sub.ID),
				slog.String("from", string(from)),
				slog.String("reported", string(in.reported)),
			)
			return res, nil
		}
		return res, err
	}

	sub.Status = to
	sub.UserID = acct.UserID
	sub.UpdatedAt = now
	if in.at.After(sub.LastEventAt) {
		sub.LastEventAt = in.at
	}

	if err := p.subs.SaveSubscription(ctx, sub); err != nil {
		return res, fmt.Errorf("save subscription: %w", err)
	}
	res.SubscriptionStatus = to
	if !sub.Supersedes(*acct) {
		res.Message = fmt.Sprintf("account stays on subscription %s", acct.SubscriptionID)
		p.logger.DebugContext(ctx, "account projection kept",
			logger.SubscriptionID(sub.ID),
			slog.String("current_subscription_id", acct.SubscriptionID),
			slog.String("status", string(to)),
		)
		return res, nil
	}
	if err := p.accounts.UpdateAccountSubscription(ctx, acct.UserID, sub.AccountFields()); err != nil {
		return res, fmt.Errorf("update account subscription: %w", err)
	}

	return res, nil
}

func needsPlan(t EventType) bool {
	switch t {
	case EventSubscriptionCreated, EventSubscriptionActive, EventSubscriptionPlanChanged:
		return true
	}
	return false
}
