// Package webhook serves the provider webhook endpoint.
//
// A request is verified and mapped to a billing envelope, then processed
// synchronously. The status code tells the provider whether to retry:
//
//   - 200 when the event was handled, deduplicated, parked or permanently
//     rejected. Retrying these cannot change the outcome.
//   - 503 when processing hit a transient failure and the ledger entry was
//     left retryable.
//   - 401, 400 or 413 when the request never became an envelope.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/billingsync/handler"
	"github.com/dmitrymomot/billingsync/pkg/billing"
	"github.com/dmitrymomot/billingsync/pkg/billing/paddle"
	"github.com/dmitrymomot/billingsync/pkg/logger"
)

// Processor handles one verified envelope.
type Processor interface {
	ProcessEvent(ctx context.Context, env billing.Envelope) (billing.Result, error)
}

// Verifier authenticates a provider request and maps it to an envelope.
type Verifier interface {
	Envelope(r *http.Request) (billing.Envelope, error)
}

// Handler is the webhook endpoint for one provider.
type Handler struct {
	processor Processor
	verifier  Verifier
	logger    *slog.Logger
	onError   handler.ErrorHandler
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithErrorHandler replaces the handler used for rejected requests.
func WithErrorHandler(eh handler.ErrorHandler) Option {
	return func(h *Handler) {
		if eh != nil {
			h.onError = eh
		}
	}
}

func NewHandler(processor Processor, verifier Verifier, opts ...Option) *Handler {
	if processor == nil {
		panic("webhook: processor is required")
	}
	if verifier == nil {
		panic("webhook: verifier is required")
	}
	h := &Handler{
		processor: processor,
		verifier:  verifier,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(logger.Component("webhook"))
	if h.onError == nil {
		h.onError = handler.NewErrorHandler(h.logger)
	}
	return h
}

// Routes mounts the endpoint at the router root.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.ServeHTTP)
	return r
}

// outcome is the data part of the response.
type outcome struct {
	Status  billing.Status `json:"status"`
	EventID string         `json:"event_id"`
}

const errPermanentFailure = "permanent_failure"

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	env, err := h.verifier.Envelope(r)
	if err != nil {
		h.onError(w, r, verifyError(err))
		return
	}

	ctx = logger.WithEventID(ctx, env.EventID)
	res, err := h.processor.ProcessEvent(ctx, env)
	out := outcome{Status: res.Status, EventID: env.EventID}

	var resp handler.Response
	switch {
	case err == nil:
		resp = handler.JSON(out)
	case billing.IsRetryable(err):
		h.logger.WarnContext(ctx, "webhook processing failed, provider will retry",
			logger.EventType(env.EventType.String()),
			logger.Error(err),
		)
		resp = handler.JSON(out,
			handler.WithJSONStatus(handler.ErrServiceUnavailable.Code),
			handler.WithJSONError(handler.ErrServiceUnavailable.Key, "temporarily unavailable"),
		)
	default:
		// Redelivery cannot fix a permanent failure; ack so the provider stops.
		h.logger.ErrorContext(ctx, "webhook permanently failed",
			logger.EventType(env.EventType.String()),
			logger.Error(err),
		)
		resp = handler.JSON(out, handler.WithJSONError(errPermanentFailure, "permanent failure"))
	}

	if err := resp.Render(w, r); err != nil {
		h.logger.WarnContext(ctx, "failed to write webhook response", logger.Error(err))
	}
}

// verifyError tags a verification failure with the status the provider sees.
func verifyError(err error) error {
	switch {
	case errors.Is(err, paddle.ErrInvalidSignature):
		return fmt.Errorf("%w: %w", handler.ErrUnauthorized, err)
	case errors.Is(err, paddle.ErrBodyTooLarge):
		return fmt.Errorf("%w: %w", handler.ErrRequestEntityTooLarge, err)
	}
	return fmt.Errorf("%w: %w", handler.ErrBadRequest, err)
}
