package checkout

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/MarcoPoloResearchLab/storefront/internal/catalog"
	"github.com/MarcoPoloResearchLab/storefront/internal/fulfillment"
	"github.com/MarcoPoloResearchLab/storefront/internal/orders"
	"github.com/MarcoPoloResearchLab/storefront/internal/payments"
	"go.uber.org/zap"
)

const (
	// MaxLineQuantity is the largest quantity accepted for one cart line.
	MaxLineQuantity = 99
	// MaxTotalCents is the largest order total a payment intent may carry.
	MaxTotalCents int64 = 99_999_999
)

const (
	opCheckout       = "checkout.cart"
	opBuyNow         = "checkout.buy_now"
	opClaimFreeOrder = "checkout.claim_free_order"
)

// DashboardProducts resolves internally priced products.
type DashboardProducts interface {
	Product(ctx context.Context, id string) (catalog.DashboardProduct, error)
}

// NotionProducts resolves Notion-authored products.
type NotionProducts interface {
	Product(ctx context.Context, id string) (catalog.NotionProduct, error)
}

// PaymentGateway creates provider-side payment objects.
type PaymentGateway interface {
	CreatePaymentIntent(ctx context.Context, request payments.PaymentIntentRequest) (payments.PaymentIntent, error)
	CreateSubscription(ctx context.Context, request payments.SubscriptionRequest) (payments.Subscription, error)
}

// PurchaseRecorder persists pending purchases.
type PurchaseRecorder interface {
	CreatePurchase(ctx context.Context, purchase *orders.Purchase) error
}

// FreeDeliverer delivers free Notion products.
type FreeDeliverer interface {
	ClaimLeadMagnet(ctx context.Context, request fulfillment.ClaimRequest) (fulfillment.ClaimResult, error)
}

// ServiceConfig configures the Service.
type ServiceConfig struct {
	Dashboard DashboardProducts
	Notion    NotionProducts
	Pricing   catalog.PricingConfig
	Gateway   PaymentGateway
	Purchases PurchaseRecorder
	Deliverer FreeDeliverer
	Currency  string
	Logger    *zap.Logger
}

// Service validates carts against the catalogs of record and opens payments.
type Service struct {
	dashboard DashboardProducts
	notion    NotionProducts
	pricing   catalog.PricingConfig
	gateway   PaymentGateway
	purchases PurchaseRecorder
	deliverer FreeDeliverer
	currency  string
	logger    *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Dashboard == nil:
		return nil, errors.New("checkout: dashboard catalog required")
	case cfg.Notion == nil:
		return nil, errors.New("checkout: notion catalog required")
	case cfg.Gateway == nil:
		return nil, errors.New("checkout: payment gateway required")
	case cfg.Purchases == nil:
		return nil, errors.New("checkout: purchase recorder required")
	case cfg.Deliverer == nil:
		return nil, errors.New("checkout: deliverer required")
	}
	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		return nil, errors.New("checkout: currency required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		dashboard: cfg.Dashboard,
		notion:    cfg.Notion,
		pricing:   cfg.Pricing,
		gateway:   cfg.Gateway,
		purchases: cfg.Purchases,
		deliverer: cfg.Deliverer,
		currency:  currency,
		logger:    logger,
	}, nil
}

// LineRequest is one client-supplied cart line. Only the identity and quantity are trusted.
type LineRequest struct {
	ProductID string `json:"productId"`
	Source    string `json:"productSource"`
	Quantity  int    `json:"quantity"`
}

// Request is a cart checkout request.
type Request struct {
	Items         []LineRequest `json:"items"`
	CustomerEmail string        `json:"customerEmail"`
	CustomerName  string        `json:"customerName"`
}

// ValidatedItem is a cart line re-priced from its catalog of record.
type ValidatedItem struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	UnitPriceCents int64          `json:"unitPriceCents"`
	Quantity       int            `json:"quantity"`
	Slug           string         `json:"slug"`
	Source         catalog.Source `json:"source"`
}

// LineTotalCents is the unit price times quantity. Validated items never overflow.
func (i ValidatedItem) LineTotalCents() int64 {
	return i.UnitPriceCents * int64(i.Quantity)
}

// addLineTotal adds price×quantity to total and reports false when the result
// leaves the range [0, MaxTotalCents].
func addLineTotal(total, unitPriceCents int64, quantity int) (int64, bool) {
	if unitPriceCents < 0 || quantity < 0 || total < 0 {
		return 0, false
	}
	if unitPriceCents != 0 && int64(quantity) > math.MaxInt64/unitPriceCents {
		return 0, false
	}
	line := unitPriceCents * int64(quantity)
	if line > MaxTotalCents-total {
		return 0, false
	}
	return total + line, true
}

// Result is the outcome of a cart checkout. Free orders carry no payment identifiers.
type Result struct {
	IsFreeOrder     bool
	ClientSecret    string
	PaymentIntentID string
	TotalCents      int64
	Items           []ValidatedItem
}

// Checkout validates every line before any side effect, then either reports a
// free order or opens a single payment intent for the total.
func (s *Service) Checkout(ctx context.Context, request Request) (Result, error) {
	items, total, err := s.validate(ctx, request)
	if err != nil {
		return Result{}, err
	}
	if total == 0 {
		return Result{IsFreeOrder: true, TotalCents: 0, Items: items}, nil
	}

	email := strings.TrimSpace(request.CustomerEmail)
	name := strings.TrimSpace(request.CustomerName)
	metadata, err := payments.EncodeLineItems(lineItems(items))
	if err != nil {
		return Result{}, validationError("Cart has too many Notion products for one order")
	}
	metadata[payments.MetadataKeyCustomerEmail] = email
	if name != "" {
		metadata[payments.MetadataKeyCustomerName] = payments.Truncate(name, payments.MetadataLimit)
	}

	intent, err := s.gateway.CreatePaymentIntent(ctx, payments.PaymentIntentRequest{
		AmountCents: total,
		Currency:    s.currency,
		Email:       email,
		Name:        name,
		Description: metadata[payments.MetadataKeyItems],
		Metadata:    metadata,
	})
	if err != nil {
		s.logError(opCheckout, "payment_intent_failed", err, zap.Int64("total_cents", total))
		return Result{}, providerError(err, "Failed to create payment intent")
	}

	s.recordCartPurchases(ctx, intent.ID, email, name, items)

	return Result{
		ClientSecret:    intent.ClientSecret,
		PaymentIntentID: intent.ID,
		TotalCents:      total,
		Items:           items,
	}, nil
}

func (s *Service) validate(ctx context.Context, request Request) ([]ValidatedItem, int64, error) {
	if len(request.Items) == 0 {
		return nil, 0, validationError("Cart is empty")
	}
	if strings.TrimSpace(request.CustomerEmail) == "" {
		return nil, 0, validationError("Customer email is required")
	}
	if !fulfillment.ValidEmail(request.CustomerEmail) {
		return nil, 0, validationError("Customer email is invalid")
	}

	items := make([]ValidatedItem, 0, len(request.Items))
	var total int64
	for _, line := range request.Items {
		item, err := s.validateLine(ctx, line)
		if err != nil {
			return nil, 0, err
		}
		next, ok := addLineTotal(total, item.UnitPriceCents, item.Quantity)
		if !ok {
			return nil, 0, validationError("Order total exceeds the maximum of %d", MaxTotalCents)
		}
		items = append(items, item)
		total = next
	}
	return items, total, nil
}

func (s *Service) validateLine(ctx context.Context, line LineRequest) (ValidatedItem, error) {
	productID := strings.TrimSpace(line.ProductID)
	if productID == "" {
		return ValidatedItem{}, validationError("Product id is required")
	}
	if line.Quantity < 1 {
		return ValidatedItem{}, validationError("Quantity for product %s must be at least 1", productID)
	}
	if line.Quantity > MaxLineQuantity {
		return ValidatedItem{}, validationError("Quantity for product %s must be at most %d", productID, MaxLineQuantity)
	}
	source, err := catalog.ParseSource(line.Source)
	if err != nil {
		return ValidatedItem{}, validationError("Unknown product source %q", line.Source)
	}

	product, err := s.lookup(ctx, source, productID)
	if err != nil {
		return ValidatedItem{}, err
	}

	item := ValidatedItem{
		ID:       product.ProductID(),
		Name:     product.ProductName(),
		Quantity: line.Quantity,
		Slug:     product.ProductSlug(),
		Source:   product.ProductSource(),
	}
	switch typed := product.(type) {
	case catalog.DashboardProduct:
		if typed.ProductType == catalog.ProductTypeSubscription {
			return ValidatedItem{}, validationError("%s is a subscription and must be purchased on its own", typed.Name)
		}
		item.UnitPriceCents = typed.PriceCents
	case catalog.NotionProduct:
		price, ok := s.pricing.Resolve(typed.Slug)
		if !ok {
			return ValidatedItem{}, validationError("%s is not configured for checkout", typed.Name)
		}
		item.UnitPriceCents = price.PriceCents
	default:
		return ValidatedItem{}, internalError(fmt.Errorf("unsupported product %T", product), "Failed to load product")
	}
	return item, nil
}

func (s *Service) lookup(ctx context.Context, source catalog.Source, productID string) (catalog.Product, error) {
	switch source {
	case catalog.SourceDashboard:
		product, err := s.dashboardProduct(ctx, productID)
		if err != nil {
			return nil, err
		}
		return product, nil
	case catalog.SourceNotion:
		product, err := s.notion.Product(ctx, productID)
		if errors.Is(err, catalog.ErrProductNotFound) {
			return nil, notFoundError(err, "Product %s not found", productID)
		}
		if err != nil {
			s.logError(opCheckout, "notion_lookup_failed", err, zap.String("product_id", productID))
			return nil, internalError(err, "Failed to load product")
		}
		return product, nil
	default:
		return nil, validationError("Unknown product source %q", source)
	}
}

// dashboardProduct loads a sellable dashboard product: present, active, synced
// with the provider and priced in the store currency.
func (s *Service) dashboardProduct(ctx context.Context, productID string) (catalog.DashboardProduct, error) {
	product, err := s.dashboard.Product(ctx, productID)
	if errors.Is(err, catalog.ErrProductNotFound) {
		return catalog.DashboardProduct{}, notFoundError(err, "Product %s not found", productID)
	}
	if err != nil {
		s.logError(opCheckout, "dashboard_lookup_failed", err, zap.String("product_id", productID))
		return catalog.DashboardProduct{}, internalError(err, "Failed to load product")
	}
	if !product.Active {
		return catalog.DashboardProduct{}, validationError("%s is no longer available", product.Name)
	}
	if !product.Synced() {
		return catalog.DashboardProduct{}, validationError("%s is not synced with the payment provider", product.Name)
	}
	if product.Currency != "" && !strings.EqualFold(product.Currency, s.currency) {
		return catalog.DashboardProduct{}, validationError("%s is priced in %s, expected %s", product.Name, strings.ToUpper(product.Currency), strings.ToUpper(s.currency))
	}
	return product, nil
}

func (s *Service) recordCartPurchases(ctx context.Context, paymentIntentID, email, name string, items []ValidatedItem) {
	for _, item := range items {
		if item.Source != catalog.SourceDashboard {
			continue
		}
		purchase := &orders.Purchase{
			PaymentIntentID: paymentIntentID,
			ProductID:       item.ID,
			CustomerEmail:   email,
			CustomerName:    name,
			AmountCents:     item.LineTotalCents(),
			Currency:        s.currency,
			Quantity:        item.Quantity,
		}
		if err := s.purchases.CreatePurchase(ctx, purchase); err != nil {
			s.logError(opCheckout, "purchase_record_failed", err,
				zap.String("payment_intent_id", paymentIntentID),
				zap.String("product_id", item.ID))
		}
	}
}

// BuyNowRequest is a single-item dashboard purchase.
type BuyNowRequest struct {
	ProductID     string `json:"productId"`
	CustomerEmail string `json:"customerEmail"`
	CustomerName  string `json:"customerName"`
}

// BuyNowResult carries the client secret to confirm on the client. Exactly one
// of PaymentIntentID and SubscriptionID is set.
type BuyNowResult struct {
	ProductType     catalog.ProductType
	ClientSecret    string
	PaymentIntentID string
	SubscriptionID  string
	AmountCents     int64
	ProductName     string
}

// BuyNow purchases one dashboard product. One-time products open a payment
// intent; subscription products open an incomplete subscription.
func (s *Service) BuyNow(ctx context.Context, request BuyNowRequest) (BuyNowResult, error) {
	productID := strings.TrimSpace(request.ProductID)
	if productID == "" {
		return BuyNowResult{}, validationError("Product id is required")
	}
	email := strings.TrimSpace(request.CustomerEmail)
	if email == "" {
		return BuyNowResult{}, validationError("Customer email is required")
	}
	if !fulfillment.ValidEmail(email) {
		return BuyNowResult{}, validationError("Customer email is invalid")
	}
	name := strings.TrimSpace(request.CustomerName)

	product, err := s.dashboardProduct(ctx, productID)
	if err != nil {
		return BuyNowResult{}, err
	}
	if product.PriceCents <= 0 {
		return BuyNowResult{}, validationError("%s is free and cannot be purchased", product.Name)
	}
	if product.PriceCents > MaxTotalCents {
		return BuyNowResult{}, validationError("%s exceeds the maximum order total", product.Name)
	}

	metadata := map[string]string{
		payments.MetadataKeyType:          payments.MetadataTypeBuyNow,
		payments.MetadataKeyProductID:     product.ID,
		payments.MetadataKeyCustomerEmail: email,
	}
	if name != "" {
		metadata[payments.MetadataKeyCustomerName] = payments.Truncate(name, payments.MetadataLimit)
	}

	purchase := &orders.Purchase{
		ProductID:     product.ID,
		CustomerEmail: email,
		CustomerName:  name,
		AmountCents:   product.PriceCents,
		Currency:      s.currency,
		Quantity:      1,
	}
	result := BuyNowResult{ProductType: product.ProductType, AmountCents: product.PriceCents, ProductName: product.Name}

	if product.ProductType == catalog.ProductTypeSubscription {
		subscription, err := s.gateway.CreateSubscription(ctx, payments.SubscriptionRequest{
			PriceID:  product.StripePriceID,
			Email:    email,
			Name:     name,
			Metadata: metadata,
		})
		if err != nil {
			s.logError(opBuyNow, "subscription_failed", err, zap.String("product_id", product.ID))
			return BuyNowResult{}, providerError(err, "Failed to create subscription")
		}
		result.ClientSecret = subscription.ClientSecret
		result.SubscriptionID = subscription.ID
		purchase.SubscriptionID = subscription.ID
	} else {
		intent, err := s.gateway.CreatePaymentIntent(ctx, payments.PaymentIntentRequest{
			AmountCents: product.PriceCents,
			Currency:    s.currency,
			Email:       email,
			Name:        name,
			Description: product.Name,
			Metadata:    metadata,
		})
		if err != nil {
			s.logError(opBuyNow, "payment_intent_failed", err, zap.String("product_id", product.ID))
			return BuyNowResult{}, providerError(err, "Failed to create payment intent")
		}
		result.ClientSecret = intent.ClientSecret
		result.PaymentIntentID = intent.ID
		purchase.PaymentIntentID = intent.ID
	}

	if err := s.purchases.CreatePurchase(ctx, purchase); err != nil {
		s.logError(opBuyNow, "purchase_record_failed", err,
			zap.String("product_id", product.ID),
			zap.String("payment_intent_id", purchase.PaymentIntentID),
			zap.String("subscription_id", purchase.SubscriptionID))
	}
	return result, nil
}

// FreeOrderResult lists which Notion products were emailed.
type FreeOrderResult struct {
	Items          []ValidatedItem
	DeliveredSlugs []string
	FailedSlugs    []string
}

// ClaimFreeOrder re-validates a zero-total cart and delivers each Notion product once.
func (s *Service) ClaimFreeOrder(ctx context.Context, request Request) (FreeOrderResult, error) {
	items, total, err := s.validate(ctx, request)
	if err != nil {
		return FreeOrderResult{}, err
	}
	if total != 0 {
		return FreeOrderResult{}, validationError("Order total is %d, not free", total)
	}

	result := FreeOrderResult{Items: items, DeliveredSlugs: []string{}, FailedSlugs: []string{}}
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item.Source != catalog.SourceNotion {
			s.logger.Info("free order line has no delivery path", zap.String("product_id", item.ID), zap.String("source", string(item.Source)))
			continue
		}
		if _, duplicate := seen[item.Slug]; duplicate {
			continue
		}
		seen[item.Slug] = struct{}{}

		claim, err := s.deliverer.ClaimLeadMagnet(ctx, fulfillment.ClaimRequest{
			Email:       request.CustomerEmail,
			Name:        request.CustomerName,
			Slug:        item.Slug,
			ProductName: item.Name,
			Source:      orders.LeadSourceFreeOrder,
		})
		if err != nil {
			s.logError(opClaimFreeOrder, "claim_failed", err, zap.String("slug", item.Slug))
			result.FailedSlugs = append(result.FailedSlugs, item.Slug)
			continue
		}
		if claim.Delivered {
			result.DeliveredSlugs = append(result.DeliveredSlugs, item.Slug)
		} else {
			result.FailedSlugs = append(result.FailedSlugs, item.Slug)
		}
	}
	return result, nil
}

func lineItems(items []ValidatedItem) []payments.LineItem {
	lines := make([]payments.LineItem, 0, len(items))
	for _, item := range items {
		lines = append(lines, payments.LineItem{
			Key:      fmt.Sprintf("%s:%s", item.Source, item.ID),
			Name:     item.Name,
			Slug:     item.Slug,
			Quantity: item.Quantity,
			Notion:   item.Source == catalog.SourceNotion,
		})
	}
	return lines
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("checkout service error", attrs...)
}
