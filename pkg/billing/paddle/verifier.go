package paddle

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	paddlesdk "github.com/PaddleHQ/paddle-go-sdk/v4"

	"github.com/dmitrymomot/billingsync/pkg/billing"
)

// SignatureHeader carries the Paddle webhook signature.
const SignatureHeader = "Paddle-Signature"

const defaultMaxBodyBytes = 1 << 20

// Verifier authenticates Paddle notifications and maps them to envelopes.
type Verifier struct {
	verifier *paddlesdk.WebhookVerifier
	maxBody  int64
}

func NewVerifier(cfg Config) (*Verifier, error) {
	if cfg.WebhookSecret == "" {
		return nil, ErrMissingSecret
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &Verifier{
		verifier: paddlesdk.NewWebhookVerifier(cfg.WebhookSecret),
		maxBody:  maxBody,
	}, nil
}

// Envelope verifies the request signature and maps the notification body.
// Signature failures return ErrInvalidSignature; undecodable bodies return
// ErrMalformedEvent.
func (v *Verifier) Envelope(r *http.Request) (billing.Envelope, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, v.maxBody+1))
	if err != nil {
		return billing.Envelope{}, fmt.Errorf("paddle: read body: %w", err)
	}
	if int64(len(body)) > v.maxBody {
		return billing.Envelope{}, ErrBodyTooLarge
	}

	// The SDK reads the body itself; hand it a fresh copy.
	r.Body = io.NopCloser(bytes.NewReader(body))
	ok, err := v.verifier.Verify(r)
	if err != nil {
		return billing.Envelope{}, errors.Join(ErrInvalidSignature, err)
	}
	if !ok {
		return billing.Envelope{}, ErrInvalidSignature
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	return Parse(body)
}
