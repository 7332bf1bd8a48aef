package webhooks

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/storefront/internal/payments"
	"go.uber.org/zap"
)

// EventKind is the closed set of provider events the reconciler acts on.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindPaymentIntentSucceeded
	KindCheckoutSessionCompleted
	KindInvoicePaymentSucceeded
	KindSubscriptionUpdated
	KindSubscriptionDeleted
)

var kindsByType = map[string]EventKind{
	"payment_intent.succeeded":      KindPaymentIntentSucceeded,
	"checkout.session.completed":    KindCheckoutSessionCompleted,
	"invoice.payment_succeeded":     KindInvoicePaymentSucceeded,
	"customer.subscription.updated": KindSubscriptionUpdated,
	"customer.subscription.deleted": KindSubscriptionDeleted,
}

// KindOf maps a provider event type onto an EventKind.
func KindOf(eventType string) EventKind {
	if kind, ok := kindsByType[eventType]; ok {
		return kind
	}
	return KindUnknown
}

func (k EventKind) String() string {
	for eventType, kind := range kindsByType {
		if kind == k {
			return eventType
		}
	}
	return "unknown"
}

// Outcome summarizes how an event was handled. Every outcome is acknowledged to the provider.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
)

// SubscriptionObserver receives lifecycle changes for subscriptions that are
// not Studio memberships.
type SubscriptionObserver interface {
	SubscriptionChanged(ctx context.Context, kind EventKind, state payments.SubscriptionState) error
}

// LoggingObserver records non-Studio subscription changes in the log.
type LoggingObserver struct {
	Logger *zap.Logger
}

// SubscriptionChanged implements SubscriptionObserver.
func (o LoggingObserver) SubscriptionChanged(_ context.Context, kind EventKind, state payments.SubscriptionState) error {
	logger := o.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("subscription changed",
		zap.String("event", kind.String()),
		zap.String("subscription_id", state.ID),
		zap.String("status", state.Status),
		zap.Bool("cancel_at_period_end", state.CancelAtPeriodEnd))
	return nil
}

// OrderEventType names a customer-visible order transition.
type OrderEventType string

const (
	// OrderEventCompleted is emitted once a payment is reconciled.
	OrderEventCompleted OrderEventType = "order.completed"
)

// OrderEvent tells a waiting client that its payment has been reconciled.
// Reference is the payment intent, subscription or checkout session id the
// client already holds.
type OrderEvent struct {
	Type       OrderEventType `json:"type"`
	Reference  string         `json:"reference"`
	ProductIDs []string       `json:"productIds,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// EventPublisher receives order events after a webhook is processed.
type EventPublisher interface {
	Publish(event OrderEvent)
}

type discardPublisher struct{}

func (discardPublisher) Publish(OrderEvent) {}
