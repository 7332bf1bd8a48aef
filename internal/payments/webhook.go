package payments

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

// ErrInvalidSignature indicates the webhook payload failed signature verification.
var ErrInvalidSignature = errors.New("payments: invalid webhook signature")

// WebhookVerifier checks Stripe-Signature headers against the endpoint secret.
type WebhookVerifier struct {
	secret    string
	tolerance time.Duration
}

// NewWebhookVerifier constructs a verifier with Stripe's default timestamp tolerance.
func NewWebhookVerifier(secret string) (*WebhookVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("payments: webhook secret required")
	}
	return &WebhookVerifier{secret: secret, tolerance: webhook.DefaultTolerance}, nil
}

// Verify authenticates the payload and decodes the event.
func (v *WebhookVerifier) Verify(payload []byte, signatureHeader string) (stripe.Event, error) {
	if strings.TrimSpace(signatureHeader) == "" {
		return stripe.Event{}, fmt.Errorf("%w: missing header", ErrInvalidSignature)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return event, nil
}

// SignWebhookPayload produces a Stripe-Signature header value for payload. It is
// used to replay captured events against a local endpoint.
func SignWebhookPayload(payload []byte, secret string, timestamp time.Time) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: timestamp,
	})
	return signed.Header
}
