package billing

import "context"

// route dispatches by family and then by exact type. Types without a handler
// are acknowledged as unhandled so new provider events never break ingestion.
func (p *Processor) route(ctx context.Context, env Envelope) (Result, error) {
	switch env.EventType.Family() {
	case FamilySubscription:
		return p.routeSubscription(ctx, env)
	case FamilyPayment:
		return p.routePayment(ctx, env)
	case FamilyCustomer:
		return p.routeCustomer(ctx, env)
	case FamilyInvoice:
		return p.routeInvoice(ctx, env)
	}
	return p.unhandled(ctx, env), nil
}

func (p *Processor) routeSubscription(ctx context.Context, env Envelope) (Result, error) {
	switch env.EventType {
	case EventSubscriptionCreated,
		EventSubscriptionActive,
		EventSubscriptionRenewed,
		EventSubscriptionPlanChanged,
		EventSubscriptionUpdated,
		EventSubscriptionCancelled,
		EventSubscriptionReactivated,
		EventSubscriptionExpired,
		EventSubscriptionPaused,
		EventSubscriptionResumed:
		return p.handleSubscription(ctx, env)
	}
	return p.unhandled(ctx, env), nil
}

func (p *Processor) routePayment(ctx context.Context, env Envelope) (Result, error) {
	switch env.EventType {
	case EventPaymentSucceeded:
		return p.handlePayment(ctx, env, PaymentSucceeded)
	case EventPaymentFailed:
		return p.handlePayment(ctx, env, PaymentFailed)
	case EventPaymentRefunded:
		return p.handlePayment(ctx, env, PaymentRefunded)
	}
	return p.unhandled(ctx, env), nil
}

func (p *Processor) routeCustomer(ctx context.Context, env Envelope) (Result, error) {
	switch env.EventType {
	case EventCustomerCreated, EventCustomerUpdated:
		return p.handleCustomer(ctx, env)
	}
	return p.unhandled(ctx, env), nil
}

func (p *Processor) routeInvoice(ctx context.Context, env Envelope) (Result, error) {
	switch env.EventType {
	case EventInvoicePaid, EventInvoicePaymentFailed:
		return p.handleInvoice(ctx, env)
	}
	return p.unhandled(ctx, env), nil
}

func (p *Processor) unhandled(ctx context.Context, env Envelope) Result {
	p.logger.InfoContext(ctx, "no handler for event type", "event_type", string(env.EventType))
	return newResult(env, StatusUnhandled)
}
