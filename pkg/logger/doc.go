// Package logger builds the service's *slog.Logger.
//
// New applies functional options on top of production defaults (JSON, INFO,
// stdout) and wraps the chosen handler with LogHandlerDecorator, which runs
// every registered ContextExtractor on each record. Request ids, event ids and
// the environment are injected that way instead of being passed to every log
// call.
//
// The attribute helpers in attr.go (EventID, EventType, SubscriptionID, ...)
// fix the key names used across the billing packages so log queries stay
// stable.
//
//	log := logger.New(
//		logger.WithEnvironment(environment.Production, "billingsync"),
//		logger.WithContextExtractors(requestid.LoggerExtractor(), logger.EventIDExtractor()),
//	)
//	logger.SetAsDefault(log)
package logger
