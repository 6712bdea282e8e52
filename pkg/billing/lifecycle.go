package billing

import (
	"context"
	"time"

	"github.com/dmitrymomot/billingsync/pkg/statemachine"
)

// transitionInput carries the event into guards and actions. Actions write
// the new field values into sub; the machine returns the new status.
type transitionInput struct {
	sub      *Subscription
	data     SubscriptionData
	reported SubscriptionStatus
	plan     PlanDecision
	at       time.Time
}

type (
	lifecycleMachine = statemachine.Machine[SubscriptionStatus, EventType, *transitionInput]
	lifecycleOption  = statemachine.Option[SubscriptionStatus, EventType, *transitionInput]
	lifecycleAction  = statemachine.Action[SubscriptionStatus, EventType, *transitionInput]
)

var allStates = []SubscriptionStatus{StatePending, StateActive, StatePaused, StateCancelled, StateExpired}

// newLifecycle builds the subscription transition table. Self-transitions are
// listed explicitly so that replays of an already applied event pass.
func newLifecycle() *lifecycleMachine {
	on := func(event EventType, froms []SubscriptionStatus, to SubscriptionStatus, actions ...lifecycleAction) lifecycleOption {
		return statemachine.WithTransitionsFrom(froms, to, event, statemachine.WithAction(actions...))
	}

	opts := []lifecycleOption{
		on(EventSubscriptionCreated, []SubscriptionStatus{StatePending, StateActive, StatePaused}, StateActive, activate),
		on(EventSubscriptionActive, []SubscriptionStatus{StatePending, StateActive, StatePaused}, StateActive, activate),
		on(EventSubscriptionRenewed, []SubscriptionStatus{StateActive}, StateActive, refreshPeriod),
		on(EventSubscriptionPlanChanged, []SubscriptionStatus{StateActive}, StateActive, changePlan),
		on(EventSubscriptionPlanChanged, []SubscriptionStatus{StatePaused}, StatePaused, changePlan),
		on(EventSubscriptionCancelled, []SubscriptionStatus{StatePending, StateActive, StatePaused, StateCancelled}, StateCancelled, cancel),
		on(EventSubscriptionReactivated, []SubscriptionStatus{StateCancelled, StateExpired, StateActive}, StateActive, reactivate),
		on(EventSubscriptionExpired, allStates, StateExpired, expire),
		on(EventSubscriptionPaused, []SubscriptionStatus{StateActive, StatePaused}, StatePaused, pause),
		on(EventSubscriptionResumed, []SubscriptionStatus{StatePaused, StateActive}, StateActive, resume),
	}

	// subscription.updated mirrors the reported status from any state except
	// expired, which only reactivation leaves.
	for _, to := range allStates {
		if to == StatePending {
			continue
		}
		opts = append(opts, statemachine.WithTransitionsFrom(
			[]SubscriptionStatus{StatePending, StateActive, StatePaused, StateCancelled},
			to,
			EventSubscriptionUpdated,
			statemachine.WithGuard(reportedIs(to)),
			statemachine.WithAction(mirror),
		))
	}
	opts = append(opts, statemachine.WithTransition(StatePending, StatePending, EventSubscriptionUpdated,
		statemachine.WithGuard(reportedIs(StatePending)),
		statemachine.WithAction(mirror),
	))

	return statemachine.MustNew(opts...)
}

func reportedIs(want SubscriptionStatus) statemachine.Guard[SubscriptionStatus, EventType, *transitionInput] {
	return func(_ context.Context, _ SubscriptionStatus, _ EventType, in *transitionInput) bool {
		return in.reported == want
	}
}

func activate(_ context.Context, _, _ SubscriptionStatus, _ EventType, in *transitionInput) error {
	applyPlan(in)
	setPeriodEnd(in)
	in.sub.PausedAt = nil
	in.sub.ExpiredAt = nil
	return nil
}

func refreshPeriod(_ context.Context, _, _ SubscriptionStatus, _ EventType, in *transitionInput) error {
	setPeriodEnd(in)
	return nil
}

func changePlan(_ context.Context, _, _ SubscriptionStatus, _ EventType, in *transitionInput) error {
	applyPlan(in)
	setPeriodEnd(in)
	return nil
}

func cancel(_ context.Context, _, _ SubscriptionStatus, _ EventType, in *transitionInput) error {
	setPeriodEnd(in)
	in.sub.CancelledAt = firstTime(in.data.CancelledAt, in.at)
	in.sub.CancellationReason = in.data.CancellationReason
	if in.sub.CancellationReason == "" {
		in.sub.CancellationReason = "cancelled_by_provider"
	}
	return nil
}

func reactivate(_ context.Context, _, _ SubscriptionStatus, _ EventType, in *transitionInput) error {
	setPeriodEnd(in)
	in.sub.CancelledAt = nil
	in.sub.CancellationReason = ""
	in.sub.ExpiredAt = nil
	in.sub.PausedAt = nil
	return nil
}

func expire(_ context.Context, _, _ SubscriptionStatus, _ EventType, in *transitionInput) error {
	setPeriodEnd(in)
	in.sub.ExpiredAt = firstTime(in.data.ExpiredAt, in.at)
	return nil
}

func pause(_ context.Context, _, _ SubscriptionStatus, _ EventType, in *transitionInput) error {
	setPeriodEnd(in)
	in.sub.PausedAt = firstTime(in.data.PausedAt, in.at)
	return nil
}

func resume(_ context.Context, _, _ SubscriptionStatus, _ EventType, in *transitionInput) error {
	setPeriodEnd(in)
	in.sub.PausedAt = nil
	return nil
}

func mirror(ctx context.Context, from, to SubscriptionStatus, event EventType, in *transitionInput) error {
	switch to {
	case StateCancelled:
		return cancel(ctx, from, to, event, in)
	case StateExpired:
		return expire(ctx, from, to, event, in)
	case StatePaused:
		return pause(ctx, from, to, event, in)
	case StateActive:
		return resume(ctx, from, to, event, in)
	}
	setPeriodEnd(in)
	return nil
}

func applyPlan(in *transitionInput) {
	if in.data.ProductID != "" {
		in.sub.ProductID = in.data.ProductID
	}
	if in.plan.Plan != "" {
		in.sub.PlanType = in.plan.Plan
	}
}

func setPeriodEnd(in *transitionInput) {
	if in.data.CurrentPeriodEnd != nil {
		t := in.data.CurrentPeriodEnd.UTC()
		in.sub.CurrentPeriodEnd = &t
	}
}

func firstTime(v *time.Time, fallback time.Time) *time.Time {
	if v != nil {
		t := v.UTC()
		return &t
	}
	if fallback.IsZero() {
		return nil
	}
	t := fallback
	return &t
}
