package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/storefront/internal/catalog"
	"github.com/MarcoPoloResearchLab/storefront/internal/fulfillment"
	"github.com/MarcoPoloResearchLab/storefront/internal/notifications"
	"github.com/MarcoPoloResearchLab/storefront/internal/orders"
	"github.com/MarcoPoloResearchLab/storefront/internal/payments"
	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"
)

const (
	notionDeliveryPrefix    = "notion_delivery:"
	notionDeliveryEventType = "notion.delivered"
)

// Verifier authenticates raw webhook payloads.
type Verifier interface {
	Verify(payload []byte, signatureHeader string) (stripe.Event, error)
}

// Store is the persistence the reconciler mutates.
type Store interface {
	PurchasesByPaymentIntent(ctx context.Context, paymentIntentID string) ([]orders.Purchase, error)
	PurchaseBySubscription(ctx context.Context, subscriptionID string) (orders.Purchase, error)
	MarkPurchaseCompleted(ctx context.Context, purchaseID string) error
	ClaimPurchaseDelivery(ctx context.Context, purchaseID string) (bool, error)
	ReleasePurchaseDelivery(ctx context.Context, purchaseID string) error
	UpsertEducationSubscription(ctx context.Context, subscription *orders.EducationSubscription) error
	UpdateEducationSubscription(ctx context.Context, stripeSubscriptionID string, update orders.SubscriptionUpdate) (bool, error)
	EventProcessed(ctx context.Context, eventID string) (bool, error)
	RecordEvent(ctx context.Context, eventID, eventType string) error
}

// Products resolves dashboard products for confirmation emails.
type Products interface {
	Product(ctx context.Context, id string) (catalog.DashboardProduct, error)
}

// SubscriptionFetcher loads authoritative subscription state from the provider.
type SubscriptionFetcher interface {
	GetSubscription(ctx context.Context, subscriptionID string) (payments.SubscriptionState, error)
}

// Notifier sends post-payment emails. A false return means the email was not sent.
type Notifier interface {
	SendPurchaseConfirmation(ctx context.Context, email notifications.PurchaseEmail) bool
	SendSubscriptionWelcome(ctx context.Context, email notifications.PurchaseEmail) bool
	SendStudioWelcome(ctx context.Context, email notifications.StudioEmail) bool
	SendStudioAdminNotification(ctx context.Context, email notifications.StudioEmail) bool
}

// NotionDeliverer emails Notion products by slug.
type NotionDeliverer interface {
	DeliverNotionProduct(ctx context.Context, request fulfillment.DeliveryRequest) (bool, error)
}

// Config configures the Reconciler.
type Config struct {
	Verifier      Verifier
	Store         Store
	Products      Products
	Subscriptions SubscriptionFetcher
	Notifier      Notifier
	Deliverer     NotionDeliverer
	Observer      SubscriptionObserver
	Publisher     EventPublisher
	Clock         func() time.Time
	Logger        *zap.Logger
}

type handlerFunc func(ctx context.Context, event stripe.Event) (Outcome, error)

// Reconciler turns verified provider events into purchase and membership state.
type Reconciler struct {
	verifier      Verifier
	store         Store
	products      Products
	subscriptions SubscriptionFetcher
	notifier      Notifier
	deliverer     NotionDeliverer
	observer      SubscriptionObserver
	publisher     EventPublisher
	clock         func() time.Time
	logger        *zap.Logger
	handlers      map[EventKind]handlerFunc
}

// NewReconciler validates the configuration and constructs a Reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	switch {
	case cfg.Verifier == nil:
		return nil, errors.New("webhooks: verifier required")
	case cfg.Store == nil:
		return nil, errors.New("webhooks: store required")
	case cfg.Products == nil:
		return nil, errors.New("webhooks: products required")
	case cfg.Subscriptions == nil:
		return nil, errors.New("webhooks: subscription fetcher required")
	case cfg.Notifier == nil:
		return nil, errors.New("webhooks: notifier required")
	case cfg.Deliverer == nil:
		return nil, errors.New("webhooks: deliverer required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = LoggingObserver{Logger: logger}
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = discardPublisher{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	reconciler := &Reconciler{
		verifier:      cfg.Verifier,
		store:         cfg.Store,
		products:      cfg.Products,
		subscriptions: cfg.Subscriptions,
		notifier:      cfg.Notifier,
		deliverer:     cfg.Deliverer,
		observer:      observer,
		publisher:     publisher,
		clock:         clock,
		logger:        logger,
	}
	reconciler.handlers = map[EventKind]handlerFunc{
		KindPaymentIntentSucceeded:   reconciler.handlePaymentIntentSucceeded,
		KindCheckoutSessionCompleted: reconciler.handleCheckoutSessionCompleted,
		KindInvoicePaymentSucceeded:  reconciler.handleInvoicePaymentSucceeded,
		KindSubscriptionUpdated:      reconciler.subscriptionChangeHandler(KindSubscriptionUpdated),
		KindSubscriptionDeleted:      reconciler.subscriptionChangeHandler(KindSubscriptionDeleted),
	}
	return reconciler, nil
}

// Handle verifies, deduplicates and dispatches one webhook delivery. A
// signature failure wraps payments.ErrInvalidSignature and has no side effects.
// Any other error means the provider should redeliver.
func (r *Reconciler) Handle(ctx context.Context, payload []byte, signatureHeader string) (Outcome, error) {
	event, err := r.verifier.Verify(payload, signatureHeader)
	if err != nil {
		r.logger.Warn("webhook signature rejected", zap.Error(err))
		return "", err
	}
	eventType := string(event.Type)
	logger := r.logger.With(zap.String("event_id", event.ID), zap.String("event_type", eventType))

	if event.ID != "" {
		processed, err := r.store.EventProcessed(ctx, event.ID)
		if err != nil {
			return "", err
		}
		if processed {
			logger.Info("webhook event already processed")
			return OutcomeDuplicate, nil
		}
	}

	handler, ok := r.handlers[KindOf(eventType)]
	if !ok {
		logger.Info("webhook event ignored")
		return OutcomeIgnored, nil
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		logger.Warn("webhook event has no data object")
		return OutcomeIgnored, nil
	}

	outcome, err := handler(ctx, event)
	if err != nil {
		logger.Error("webhook handler failed", zap.Error(err))
		return "", err
	}
	if event.ID != "" {
		if err := r.store.RecordEvent(ctx, event.ID, eventType); err != nil {
			logger.Warn("webhook event record failed", zap.Error(err))
		}
	}
	logger.Info("webhook event handled", zap.String("outcome", string(outcome)))
	return outcome, nil
}

func (r *Reconciler) handlePaymentIntentSucceeded(ctx context.Context, event stripe.Event) (Outcome, error) {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return "", fmt.Errorf("webhooks: decode payment intent: %w", err)
	}
	email := firstNonEmpty(intent.Metadata[payments.MetadataKeyCustomerEmail], intent.ReceiptEmail)
	name := intent.Metadata[payments.MetadataKeyCustomerName]

	slugs := payments.NotionSlugs(intent.Metadata)
	purchases, err := r.store.PurchasesByPaymentIntent(ctx, intent.ID)
	if err != nil {
		return "", err
	}
	if len(purchases) == 0 && len(slugs) == 0 {
		r.logger.Info("no purchase tracked for payment intent", zap.String("payment_intent_id", intent.ID))
		return OutcomeIgnored, nil
	}

	productIDs := make([]string, 0, len(purchases)+len(slugs))
	for _, purchase := range purchases {
		productIDs = append(productIDs, purchase.ProductID)
		if err := r.store.MarkPurchaseCompleted(ctx, purchase.ID); err != nil {
			return "", err
		}
		err := r.deliverOnce(ctx, purchase, func(product catalog.DashboardProduct) bool {
			return r.notifier.SendPurchaseConfirmation(ctx, purchaseEmail(purchase, product, purchase.AmountCents, purchase.Currency))
		})
		if err != nil {
			return "", err
		}
	}

	if err := r.deliverNotionOnce(ctx, intent.ID, slugs, email, name); err != nil {
		return "", err
	}
	r.publishCompleted(intent.ID, append(productIDs, slugs...))
	return OutcomeProcessed, nil
}

// deliverNotionOnce emails the paid Notion products of an intent at most once per
// intent. It must run after every fallible step of the event.
func (r *Reconciler) deliverNotionOnce(ctx context.Context, paymentIntentID string, slugs []string, email, name string) error {
	if len(slugs) == 0 {
		return nil
	}
	key := notionDeliveryPrefix + paymentIntentID
	delivered, err := r.store.EventProcessed(ctx, key)
	if err != nil {
		return err
	}
	if delivered {
		r.logger.Debug("notion products already delivered", zap.String("payment_intent_id", paymentIntentID))
		return nil
	}
	for _, slug := range slugs {
		if _, err := r.deliverer.DeliverNotionProduct(ctx, fulfillment.DeliveryRequest{Slug: slug, Email: email, Name: name}); err != nil {
			r.logger.Warn("notion delivery skipped",
				zap.String("payment_intent_id", paymentIntentID),
				zap.String("slug", slug),
				zap.Error(err))
		}
	}
	if err := r.store.RecordEvent(ctx, key, notionDeliveryEventType); err != nil {
		r.logger.Warn("notion delivery record failed", zap.String("payment_intent_id", paymentIntentID), zap.Error(err))
	}
	return nil
}

func (r *Reconciler) handleCheckoutSessionCompleted(ctx context.Context, event stripe.Event) (Outcome, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return "", fmt.Errorf("webhooks: decode checkout session: %w", err)
	}
	if session.Metadata[payments.MetadataKeyProduct] != payments.MetadataProductStudio {
		r.logger.Info("checkout session is not a studio membership", zap.String("session_id", session.ID))
		return OutcomeIgnored, nil
	}

	userID := firstNonEmpty(session.Metadata[payments.MetadataKeyUserID], session.ClientReferenceID)
	subscriptionID := ""
	if session.Subscription != nil {
		subscriptionID = session.Subscription.ID
	}
	if userID == "" || subscriptionID == "" {
		r.logger.Warn("studio checkout session missing identifiers",
			zap.String("session_id", session.ID),
			zap.String("user_id", userID),
			zap.String("subscription_id", subscriptionID))
		return OutcomeIgnored, nil
	}

	state, err := r.subscriptions.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return "", fmt.Errorf("webhooks: fetch subscription %s: %w", subscriptionID, err)
	}
	customerID := state.CustomerID
	if customerID == "" && session.Customer != nil {
		customerID = session.Customer.ID
	}

	membership := &orders.EducationSubscription{
		UserID:               userID,
		Tier:                 orders.TierForInterval(state.Interval),
		StripeSubscriptionID: subscriptionID,
		StripeCustomerID:     customerID,
		Status:               state.Status,
		CurrentPeriodStart:   state.CurrentPeriodStart,
		CurrentPeriodEnd:     state.CurrentPeriodEnd,
		CancelAtPeriodEnd:    state.CancelAtPeriodEnd,
	}
	if err := r.store.UpsertEducationSubscription(ctx, membership); err != nil {
		return "", err
	}

	email := session.CustomerEmail
	name := ""
	if session.CustomerDetails != nil {
		email = firstNonEmpty(session.CustomerDetails.Email, email)
		name = session.CustomerDetails.Name
	}
	studioEmail := notifications.StudioEmail{
		To:             email,
		Name:           name,
		UserID:         userID,
		Tier:           string(membership.Tier),
		SubscriptionID: subscriptionID,
		PeriodEnd:      state.CurrentPeriodEnd,
	}
	r.notifier.SendStudioWelcome(ctx, studioEmail)
	r.notifier.SendStudioAdminNotification(ctx, studioEmail)
	r.publishCompleted(session.ID, []string{payments.MetadataProductStudio})
	return OutcomeProcessed, nil
}

func (r *Reconciler) handleInvoicePaymentSucceeded(ctx context.Context, event stripe.Event) (Outcome, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return "", fmt.Errorf("webhooks: decode invoice: %w", err)
	}
	if invoice.Subscription == nil || invoice.Subscription.ID == "" {
		return OutcomeIgnored, nil
	}
	subscriptionID := invoice.Subscription.ID

	purchase, err := r.store.PurchaseBySubscription(ctx, subscriptionID)
	if errors.Is(err, orders.ErrNotFound) {
		r.logger.Info("no purchase tracked for subscription", zap.String("subscription_id", subscriptionID))
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", err
	}
	if err := r.store.MarkPurchaseCompleted(ctx, purchase.ID); err != nil {
		return "", err
	}
	if invoice.BillingReason != stripe.InvoiceBillingReasonSubscriptionCreate {
		return OutcomeProcessed, nil
	}
	r.publishCompleted(subscriptionID, []string{purchase.ProductID})

	amount, currency := invoice.AmountPaid, string(invoice.Currency)
	if currency == "" {
		amount, currency = purchase.AmountCents, purchase.Currency
	}
	err = r.deliverOnce(ctx, purchase, func(product catalog.DashboardProduct) bool {
		return r.notifier.SendSubscriptionWelcome(ctx, purchaseEmail(purchase, product, amount, currency))
	})
	if err != nil {
		return "", err
	}
	return OutcomeProcessed, nil
}

func (r *Reconciler) subscriptionChangeHandler(kind EventKind) handlerFunc {
	return func(ctx context.Context, event stripe.Event) (Outcome, error) {
		var subscription stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
			return "", fmt.Errorf("webhooks: decode subscription: %w", err)
		}
		state := payments.SubscriptionStateFrom(&subscription)

		if state.Metadata[payments.MetadataKeyProduct] != payments.MetadataProductStudio {
			if err := r.observer.SubscriptionChanged(ctx, kind, state); err != nil {
				return "", err
			}
			return OutcomeProcessed, nil
		}

		matched, err := r.store.UpdateEducationSubscription(ctx, state.ID, orders.SubscriptionUpdate{
			Status:             state.Status,
			CurrentPeriodStart: state.CurrentPeriodStart,
			CurrentPeriodEnd:   state.CurrentPeriodEnd,
			CancelAtPeriodEnd:  state.CancelAtPeriodEnd,
		})
		if err != nil {
			return "", err
		}
		if !matched {
			r.logger.Info("no studio membership for subscription", zap.String("subscription_id", state.ID))
			return OutcomeIgnored, nil
		}
		return OutcomeProcessed, nil
	}
}

// deliverOnce claims the purchase's delivery slot, sends through send and
// releases the claim when the email does not go out.
func (r *Reconciler) deliverOnce(ctx context.Context, purchase orders.Purchase, send func(catalog.DashboardProduct) bool) error {
	claimed, err := r.store.ClaimPurchaseDelivery(ctx, purchase.ID)
	if err != nil {
		return err
	}
	if !claimed {
		r.logger.Info("delivery email already sent", zap.String("purchase_id", purchase.ID))
		return nil
	}

	product, err := r.products.Product(ctx, purchase.ProductID)
	if err != nil && !errors.Is(err, catalog.ErrProductNotFound) {
		r.release(ctx, purchase.ID)
		return err
	}
	if err != nil {
		r.logger.Warn("purchased product no longer exists", zap.String("product_id", purchase.ProductID))
		product = catalog.DashboardProduct{ID: purchase.ProductID, Name: purchase.ProductID}
	}

	if !send(product) {
		r.release(ctx, purchase.ID)
	}
	return nil
}

func (r *Reconciler) publishCompleted(reference string, productIDs []string) {
	r.publisher.Publish(OrderEvent{
		Type:       OrderEventCompleted,
		Reference:  reference,
		ProductIDs: productIDs,
		OccurredAt: r.clock().UTC(),
	})
}

func (r *Reconciler) release(ctx context.Context, purchaseID string) {
	if err := r.store.ReleasePurchaseDelivery(ctx, purchaseID); err != nil {
		r.logger.Error("delivery claim release failed", zap.String("purchase_id", purchaseID), zap.Error(err))
	}
}

func purchaseEmail(purchase orders.Purchase, product catalog.DashboardProduct, amountCents int64, currency string) notifications.PurchaseEmail {
	return notifications.PurchaseEmail{
		To:          purchase.CustomerEmail,
		Name:        purchase.CustomerName,
		ProductName: product.Name,
		Quantity:    purchase.Quantity,
		AmountCents: amountCents,
		Currency:    currency,
		DownloadURL: product.DeliveryURL,
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
