package billing

import (
	"context"
	"log/slog"

	"github.com/dmitrymomot/billingsync/pkg/logger"
)

// LogDunningPolicy records failed payments and leaves entitlement alone. The
// provider retries the charge and reports the outcome as subscription events.
type LogDunningPolicy struct {
	logger *slog.Logger
}

func NewLogDunningPolicy(l *slog.Logger) *LogDunningPolicy {
	if l == nil {
		l = slog.Default()
	}
	return &LogDunningPolicy{logger: l}
}

func (d *LogDunningPolicy) HandleFailedPayment(ctx context.Context, account Account, payment FailedPayment) error {
	d.logger.WarnContext(ctx, "payment failed, awaiting provider retry",
		logger.UserID(account.UserID),
		logger.SubscriptionID(payment.SubscriptionID),
		slog.Int64("amount", payment.Amount),
		slog.String("currency", payment.Currency),
		slog.String("reason", payment.Reason),
	)
	return nil
}
