package logger

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"
)

// Error creates an attribute for a single error under the key "error".
// If err is nil, it returns an empty Attr.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// Component records the component name under the key "component".
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// EventID records the provider event identifier under the key "event_id".
func EventID(id string) slog.Attr {
	return slog.String("event_id", id)
}

// EventType records the provider event type under the key "event_type".
func EventType(eventType string) slog.Attr {
	return slog.String("event_type", eventType)
}

// UserID records the internal user identifier under the key "user_id".
// An empty id returns an empty Attr.
func UserID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("user_id", id)
}

func CustomerID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("customer_id", id)
}

func SubscriptionID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("subscription_id", id)
}

const emailKey = "email"

// Email records an address under the key "email". Loggers built by New mask
// it to the first character and the domain.
func Email(addr string) slog.Attr {
	if addr == "" {
		return slog.Attr{}
	}
	return slog.String(emailKey, addr)
}

// mask keeps the first character of an email local part and the domain.
// Anything else is fully masked.
func mask(v string) string {
	local, domain, ok := strings.Cut(v, "@")
	if !ok || local == "" {
		return "***"
	}
	r, _ := utf8.DecodeRuneInString(local)
	return string(r) + "***@" + domain
}

// Status records a processing or subscription status under the key "status".
func Status(status string) slog.Attr {
	return slog.String("status", status)
}

func RetryCount(count int) slog.Attr {
	return slog.Int("retry_count", count)
}

func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

type eventIDCtxKey struct{}

// WithEventID stores the event id being processed in ctx.
func WithEventID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, eventIDCtxKey{}, id)
}

// EventIDExtractor injects the event id stored by WithEventID into every record.
func EventIDExtractor() ContextExtractor {
	return func(ctx context.Context) (slog.Attr, bool) {
		if id, ok := ctx.Value(eventIDCtxKey{}).(string); ok && id != "" {
			return EventID(id), true
		}
		return slog.Attr{}, false
	}
}
