package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.uber.org/zap"
)

var (
	errMissingSecretKey = errors.New("payments: stripe secret key required")
	errMissingEmail     = errors.New("payments: customer email required")
	errMissingPriceID   = errors.New("payments: price id required")
	errInvalidAmount    = errors.New("payments: amount must be positive")
)

// PaymentIntentRequest describes a one-off charge.
type PaymentIntentRequest struct {
	AmountCents int64
	Currency    string
	Email       string
	Name        string
	Description string
	Metadata    map[string]string
}

// PaymentIntent is the subset of the provider intent the checkout needs.
type PaymentIntent struct {
	ID           string
	ClientSecret string
	AmountCents  int64
	Currency     string
	CustomerID   string
}

// SubscriptionRequest describes a subscription whose first invoice is confirmed client-side.
type SubscriptionRequest struct {
	PriceID  string
	Email    string
	Name     string
	Metadata map[string]string
}

// Subscription is the result of creating a subscription.
type Subscription struct {
	ID           string
	ClientSecret string
	CustomerID   string
	Status       string
}

// CheckoutSessionRequest describes a hosted subscription checkout.
type CheckoutSessionRequest struct {
	PriceID    string
	Email      string
	UserID     string
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
}

// CheckoutSession is the hosted checkout handle returned to the client.
type CheckoutSession struct {
	ID  string
	URL string
}

// SubscriptionState is the provider's authoritative view of a subscription.
type SubscriptionState struct {
	ID                 string
	CustomerID         string
	Status             string
	Interval           string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	Metadata           map[string]string
}

// Gateway is the payment provider surface used by checkout and reconciliation.
type Gateway interface {
	CreatePaymentIntent(ctx context.Context, request PaymentIntentRequest) (PaymentIntent, error)
	CreateSubscription(ctx context.Context, request SubscriptionRequest) (Subscription, error)
	CreateCheckoutSession(ctx context.Context, request CheckoutSessionRequest) (CheckoutSession, error)
	GetSubscription(ctx context.Context, subscriptionID string) (SubscriptionState, error)
}

// StripeGatewayConfig configures the Stripe gateway.
type StripeGatewayConfig struct {
	SecretKey string
	// APIURL overrides the Stripe API base URL; empty uses the default.
	APIURL string
	Logger *zap.Logger
}

// StripeGateway talks to Stripe. Network retries are disabled; provider errors
// are returned to the caller unchanged.
type StripeGateway struct {
	client *client.API
	logger *zap.Logger
}

// NewStripeGateway constructs a gateway with its own backend set.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, errMissingSecretKey
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	backendConfig := func() *stripe.BackendConfig {
		backend := &stripe.BackendConfig{MaxNetworkRetries: stripe.Int64(0)}
		if cfg.APIURL != "" {
			backend.URL = stripe.String(cfg.APIURL)
		}
		return backend
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig()),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendConfig()),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendConfig()),
	}

	return &StripeGateway{
		client: client.New(cfg.SecretKey, backends),
		logger: logger,
	}, nil
}

// CreatePaymentIntent resolves the customer by email and creates an intent with
// automatic payment methods enabled.
func (g *StripeGateway) CreatePaymentIntent(ctx context.Context, request PaymentIntentRequest) (PaymentIntent, error) {
	if request.AmountCents <= 0 {
		return PaymentIntent{}, errInvalidAmount
	}
	customerID, err := g.resolveCustomer(ctx, request.Email, request.Name)
	if err != nil {
		return PaymentIntent{}, err
	}

	params := &stripe.PaymentIntentParams{
		Amount:       stripe.Int64(request.AmountCents),
		Currency:     stripe.String(request.Currency),
		Customer:     stripe.String(customerID),
		ReceiptEmail: stripe.String(request.Email),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if request.Description != "" {
		params.Description = stripe.String(Truncate(request.Description, MetadataLimit))
	}
	for key, value := range request.Metadata {
		params.AddMetadata(key, value)
	}
	params.Context = ctx

	intent, err := g.client.PaymentIntents.New(params)
	if err != nil {
		g.logger.Warn("stripe payment intent creation failed", zap.String("customer_id", customerID), zap.Error(err))
		return PaymentIntent{}, err
	}
	return PaymentIntent{
		ID:           intent.ID,
		ClientSecret: intent.ClientSecret,
		AmountCents:  intent.Amount,
		Currency:     string(intent.Currency),
		CustomerID:   customerID,
	}, nil
}

// CreateSubscription creates an incomplete subscription and returns the client
// secret of its first invoice's payment intent.
func (g *StripeGateway) CreateSubscription(ctx context.Context, request SubscriptionRequest) (Subscription, error) {
	if strings.TrimSpace(request.PriceID) == "" {
		return Subscription{}, errMissingPriceID
	}
	customerID, err := g.resolveCustomer(ctx, request.Email, request.Name)
	if err != nil {
		return Subscription{}, err
	}

	params := &stripe.SubscriptionParams{
		Customer: stripe.String(customerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(request.PriceID)},
		},
		PaymentBehavior: stripe.String("default_incomplete"),
		PaymentSettings: &stripe.SubscriptionPaymentSettingsParams{
			SaveDefaultPaymentMethod: stripe.String("on_subscription"),
		},
	}
	params.AddExpand("latest_invoice.payment_intent")
	for key, value := range request.Metadata {
		params.AddMetadata(key, value)
	}
	params.Context = ctx

	subscription, err := g.client.Subscriptions.New(params)
	if err != nil {
		g.logger.Warn("stripe subscription creation failed", zap.String("customer_id", customerID), zap.Error(err))
		return Subscription{}, err
	}

	result := Subscription{
		ID:         subscription.ID,
		CustomerID: customerID,
		Status:     string(subscription.Status),
	}
	if subscription.LatestInvoice != nil && subscription.LatestInvoice.PaymentIntent != nil {
		result.ClientSecret = subscription.LatestInvoice.PaymentIntent.ClientSecret
	}
	return result, nil
}

// CreateCheckoutSession starts a hosted subscription checkout. Metadata is copied
// onto both the session and the resulting subscription.
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, request CheckoutSessionRequest) (CheckoutSession, error) {
	if strings.TrimSpace(request.PriceID) == "" {
		return CheckoutSession{}, errMissingPriceID
	}

	metadata := make(map[string]string, len(request.Metadata))
	for key, value := range request.Metadata {
		metadata[key] = value
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(request.PriceID), Quantity: stripe.Int64(1)},
		},
		SuccessURL: stripe.String(request.SuccessURL),
		CancelURL:  stripe.String(request.CancelURL),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: metadata,
		},
	}
	if request.UserID != "" {
		params.ClientReferenceID = stripe.String(request.UserID)
	}
	if request.Email != "" {
		params.CustomerEmail = stripe.String(request.Email)
	}
	for key, value := range metadata {
		params.AddMetadata(key, value)
	}
	params.Context = ctx

	session, err := g.client.CheckoutSessions.New(params)
	if err != nil {
		g.logger.Warn("stripe checkout session creation failed", zap.String("user_id", request.UserID), zap.Error(err))
		return CheckoutSession{}, err
	}
	return CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// GetSubscription fetches the authoritative subscription state.
func (g *StripeGateway) GetSubscription(ctx context.Context, subscriptionID string) (SubscriptionState, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	subscription, err := g.client.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return SubscriptionState{}, err
	}
	return SubscriptionStateFrom(subscription), nil
}

func (g *StripeGateway) resolveCustomer(ctx context.Context, email, name string) (string, error) {
	normalizedEmail := strings.TrimSpace(email)
	if normalizedEmail == "" {
		return "", errMissingEmail
	}

	listParams := &stripe.CustomerListParams{Email: stripe.String(normalizedEmail)}
	listParams.Limit = stripe.Int64(1)
	listParams.Context = ctx
	iterator := g.client.Customers.List(listParams)
	if iterator.Next() {
		return iterator.Customer().ID, nil
	}
	if err := iterator.Err(); err != nil {
		return "", fmt.Errorf("payments: customer lookup: %w", err)
	}

	createParams := &stripe.CustomerParams{Email: stripe.String(normalizedEmail)}
	if trimmedName := strings.TrimSpace(name); trimmedName != "" {
		createParams.Name = stripe.String(trimmedName)
	}
	createParams.Context = ctx
	customer, err := g.client.Customers.New(createParams)
	if err != nil {
		return "", fmt.Errorf("payments: customer create: %w", err)
	}
	return customer.ID, nil
}

// SubscriptionStateFrom maps a provider subscription onto SubscriptionState.
func SubscriptionStateFrom(subscription *stripe.Subscription) SubscriptionState {
	if subscription == nil {
		return SubscriptionState{}
	}
	state := SubscriptionState{
		ID:                subscription.ID,
		Status:            string(subscription.Status),
		CancelAtPeriodEnd: subscription.CancelAtPeriodEnd,
		Metadata:          subscription.Metadata,
	}
	if subscription.Customer != nil {
		state.CustomerID = subscription.Customer.ID
	}
	if subscription.CurrentPeriodStart > 0 {
		state.CurrentPeriodStart = time.Unix(subscription.CurrentPeriodStart, 0).UTC()
	}
	if subscription.CurrentPeriodEnd > 0 {
		state.CurrentPeriodEnd = time.Unix(subscription.CurrentPeriodEnd, 0).UTC()
	}
	if subscription.Items != nil {
		for _, item := range subscription.Items.Data {
			if item != nil && item.Price != nil && item.Price.Recurring != nil {
				state.Interval = string(item.Price.Recurring.Interval)
				break
			}
		}
	}
	return state
}
