package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound indicates that no row matched the lookup.
	ErrNotFound = errors.New("orders: not found")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIdentifier = errors.New("identifier is required")
	errMissingEmail      = errors.New("email is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a dotted operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew                 = "orders.store.new"
	opCreatePurchase           = "orders.create_purchase"
	opPurchasesByPaymentIntent = "orders.purchases_by_payment_intent"
	opPurchaseBySubscription   = "orders.purchase_by_subscription"
	opMarkCompleted            = "orders.mark_completed"
	opClaimDelivery            = "orders.claim_delivery"
	opReleaseDelivery          = "orders.release_delivery"
	opUpsertSubscription       = "orders.upsert_subscription"
	opUpdateSubscription       = "orders.update_subscription"
	opSubscriptionForUser      = "orders.subscription_for_user"
	opCreateLead               = "orders.create_lead"
	opMarkLeadDelivered        = "orders.mark_lead_delivered"
	opEventProcessed           = "orders.event_processed"
	opRecordEvent              = "orders.record_event"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// StoreConfig configures the Store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store persists purchases, memberships, leads and processed provider events.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore validates the configuration and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// CreatePurchase inserts a pending purchase, assigning an id when absent.
func (s *Store) CreatePurchase(ctx context.Context, purchase *Purchase) error {
	if purchase == nil || strings.TrimSpace(purchase.ProductID) == "" {
		return newServiceError(opCreatePurchase, "missing_product_id", errMissingIdentifier)
	}
	if strings.TrimSpace(purchase.PaymentIntentID) == "" && strings.TrimSpace(purchase.SubscriptionID) == "" {
		return newServiceError(opCreatePurchase, "missing_correlation_id", errMissingIdentifier)
	}
	purchase.CustomerEmail = NormalizeEmail(purchase.CustomerEmail)
	if purchase.CustomerEmail == "" {
		return newServiceError(opCreatePurchase, "missing_email", errMissingEmail)
	}
	if purchase.ID == "" {
		id, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opCreatePurchase, "id_generation_failed", err)
			return newServiceError(opCreatePurchase, "id_generation_failed", err)
		}
		purchase.ID = id
	}
	if purchase.Status == "" {
		purchase.Status = PurchaseStatusPending
	}
	if purchase.Quantity < 1 {
		purchase.Quantity = 1
	}

	if err := s.db.WithContext(ctx).Create(purchase).Error; err != nil {
		s.logError(opCreatePurchase, "insert_failed", err,
			zap.String("product_id", purchase.ProductID),
			zap.String("payment_intent_id", purchase.PaymentIntentID),
			zap.String("subscription_id", purchase.SubscriptionID))
		return newServiceError(opCreatePurchase, "insert_failed", err)
	}
	return nil
}

// PurchasesByPaymentIntent returns every purchase recorded for the intent.
func (s *Store) PurchasesByPaymentIntent(ctx context.Context, paymentIntentID string) ([]Purchase, error) {
	if strings.TrimSpace(paymentIntentID) == "" {
		return nil, newServiceError(opPurchasesByPaymentIntent, "missing_payment_intent_id", errMissingIdentifier)
	}
	var purchases []Purchase
	if err := s.db.WithContext(ctx).
		Where("payment_intent_id = ?", paymentIntentID).
		Order("created_at ASC").
		Find(&purchases).Error; err != nil {
		s.logError(opPurchasesByPaymentIntent, "query_failed", err, zap.String("payment_intent_id", paymentIntentID))
		return nil, newServiceError(opPurchasesByPaymentIntent, "query_failed", err)
	}
	return purchases, nil
}

// PurchaseBySubscription returns the purchase that started the subscription.
func (s *Store) PurchaseBySubscription(ctx context.Context, subscriptionID string) (Purchase, error) {
	if strings.TrimSpace(subscriptionID) == "" {
		return Purchase{}, newServiceError(opPurchaseBySubscription, "missing_subscription_id", errMissingIdentifier)
	}
	var purchase Purchase
	err := s.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("created_at ASC").
		Take(&purchase).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Purchase{}, fmt.Errorf("%w: subscription %s", ErrNotFound, subscriptionID)
	}
	if err != nil {
		s.logError(opPurchaseBySubscription, "query_failed", err, zap.String("subscription_id", subscriptionID))
		return Purchase{}, newServiceError(opPurchaseBySubscription, "query_failed", err)
	}
	return purchase, nil
}

// MarkPurchaseCompleted sets the purchase status to completed. Re-applying it is harmless.
func (s *Store) MarkPurchaseCompleted(ctx context.Context, purchaseID string) error {
	if strings.TrimSpace(purchaseID) == "" {
		return newServiceError(opMarkCompleted, "missing_purchase_id", errMissingIdentifier)
	}
	if err := s.db.WithContext(ctx).
		Model(&Purchase{}).
		Where("id = ?", purchaseID).
		Update("status", PurchaseStatusCompleted).Error; err != nil {
		s.logError(opMarkCompleted, "query_failed", err, zap.String("purchase_id", purchaseID))
		return newServiceError(opMarkCompleted, "query_failed", err)
	}
	return nil
}

// ClaimPurchaseDelivery stamps the delivery timestamp only when it is unset and
// reports whether this caller won the claim.
func (s *Store) ClaimPurchaseDelivery(ctx context.Context, purchaseID string) (bool, error) {
	if strings.TrimSpace(purchaseID) == "" {
		return false, newServiceError(opClaimDelivery, "missing_purchase_id", errMissingIdentifier)
	}
	result := s.db.WithContext(ctx).
		Model(&Purchase{}).
		Where("id = ? AND delivery_email_sent_at IS NULL", purchaseID).
		Update("delivery_email_sent_at", s.clock().UTC())
	if result.Error != nil {
		s.logError(opClaimDelivery, "query_failed", result.Error, zap.String("purchase_id", purchaseID))
		return false, newServiceError(opClaimDelivery, "query_failed", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ReleasePurchaseDelivery clears a claim whose email could not be sent.
func (s *Store) ReleasePurchaseDelivery(ctx context.Context, purchaseID string) error {
	if strings.TrimSpace(purchaseID) == "" {
		return newServiceError(opReleaseDelivery, "missing_purchase_id", errMissingIdentifier)
	}
	if err := s.db.WithContext(ctx).
		Model(&Purchase{}).
		Where("id = ?", purchaseID).
		Update("delivery_email_sent_at", gorm.Expr("NULL")).Error; err != nil {
		s.logError(opReleaseDelivery, "query_failed", err, zap.String("purchase_id", purchaseID))
		return newServiceError(opReleaseDelivery, "query_failed", err)
	}
	return nil
}

// UpsertEducationSubscription inserts or replaces the membership row for the user.
func (s *Store) UpsertEducationSubscription(ctx context.Context, subscription *EducationSubscription) error {
	if subscription == nil || strings.TrimSpace(subscription.UserID) == "" {
		return newServiceError(opUpsertSubscription, "missing_user_id", errMissingIdentifier)
	}
	if strings.TrimSpace(subscription.StripeSubscriptionID) == "" {
		return newServiceError(opUpsertSubscription, "missing_subscription_id", errMissingIdentifier)
	}
	if subscription.ID == "" {
		id, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opUpsertSubscription, "id_generation_failed", err)
			return newServiceError(opUpsertSubscription, "id_generation_failed", err)
		}
		subscription.ID = id
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"tier",
			"stripe_subscription_id",
			"stripe_customer_id",
			"status",
			"current_period_start",
			"current_period_end",
			"cancel_at_period_end",
			"updated_at",
		}),
	}).Create(subscription).Error
	if err != nil {
		s.logError(opUpsertSubscription, "upsert_failed", err,
			zap.String("user_id", subscription.UserID),
			zap.String("subscription_id", subscription.StripeSubscriptionID))
		return newServiceError(opUpsertSubscription, "upsert_failed", err)
	}
	return nil
}

// UpdateEducationSubscription applies provider state to the row holding the
// subscription id and reports whether such a row exists.
func (s *Store) UpdateEducationSubscription(ctx context.Context, stripeSubscriptionID string, update SubscriptionUpdate) (bool, error) {
	if strings.TrimSpace(stripeSubscriptionID) == "" {
		return false, newServiceError(opUpdateSubscription, "missing_subscription_id", errMissingIdentifier)
	}
	columns := map[string]any{
		"status":               update.Status,
		"cancel_at_period_end": update.CancelAtPeriodEnd,
		"updated_at":           s.clock().UTC(),
	}
	if !update.CurrentPeriodStart.IsZero() {
		columns["current_period_start"] = update.CurrentPeriodStart
	}
	if !update.CurrentPeriodEnd.IsZero() {
		columns["current_period_end"] = update.CurrentPeriodEnd
	}
	result := s.db.WithContext(ctx).
		Model(&EducationSubscription{}).
		Where("stripe_subscription_id = ?", stripeSubscriptionID).
		Updates(columns)
	if result.Error != nil {
		s.logError(opUpdateSubscription, "query_failed", result.Error, zap.String("subscription_id", stripeSubscriptionID))
		return false, newServiceError(opUpdateSubscription, "query_failed", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// EducationSubscriptionForUser returns the user's membership row.
func (s *Store) EducationSubscriptionForUser(ctx context.Context, userID string) (EducationSubscription, error) {
	if strings.TrimSpace(userID) == "" {
		return EducationSubscription{}, newServiceError(opSubscriptionForUser, "missing_user_id", errMissingIdentifier)
	}
	var subscription EducationSubscription
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&subscription).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return EducationSubscription{}, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if err != nil {
		s.logError(opSubscriptionForUser, "query_failed", err, zap.String("user_id", userID))
		return EducationSubscription{}, newServiceError(opSubscriptionForUser, "query_failed", err)
	}
	return subscription, nil
}

// CreateLead records an email capture.
func (s *Store) CreateLead(ctx context.Context, lead *Lead) error {
	if lead == nil {
		return newServiceError(opCreateLead, "missing_email", errMissingEmail)
	}
	lead.Email = NormalizeEmail(lead.Email)
	if lead.Email == "" {
		return newServiceError(opCreateLead, "missing_email", errMissingEmail)
	}
	lead.Name = strings.TrimSpace(lead.Name)
	if lead.ID == "" {
		id, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opCreateLead, "id_generation_failed", err)
			return newServiceError(opCreateLead, "id_generation_failed", err)
		}
		lead.ID = id
	}
	if err := s.db.WithContext(ctx).Create(lead).Error; err != nil {
		s.logError(opCreateLead, "insert_failed", err, zap.String("source", lead.Source))
		return newServiceError(opCreateLead, "insert_failed", err)
	}
	return nil
}

// MarkLeadDelivered stamps the lead's delivery timestamp once.
func (s *Store) MarkLeadDelivered(ctx context.Context, leadID string) error {
	if strings.TrimSpace(leadID) == "" {
		return newServiceError(opMarkLeadDelivered, "missing_lead_id", errMissingIdentifier)
	}
	if err := s.db.WithContext(ctx).
		Model(&Lead{}).
		Where("id = ? AND delivery_email_sent_at IS NULL", leadID).
		Update("delivery_email_sent_at", s.clock().UTC()).Error; err != nil {
		s.logError(opMarkLeadDelivered, "query_failed", err, zap.String("lead_id", leadID))
		return newServiceError(opMarkLeadDelivered, "query_failed", err)
	}
	return nil
}

// EventProcessed reports whether the provider event was already fully handled.
func (s *Store) EventProcessed(ctx context.Context, eventID string) (bool, error) {
	if strings.TrimSpace(eventID) == "" {
		return false, newServiceError(opEventProcessed, "missing_event_id", errMissingIdentifier)
	}
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&ProcessedEvent{}).
		Where("event_id = ?", eventID).
		Count(&count).Error; err != nil {
		s.logError(opEventProcessed, "query_failed", err, zap.String("event_id", eventID))
		return false, newServiceError(opEventProcessed, "query_failed", err)
	}
	return count > 0, nil
}

// RecordEvent marks the provider event as handled. Recording twice is a no-op.
func (s *Store) RecordEvent(ctx context.Context, eventID, eventType string) error {
	if strings.TrimSpace(eventID) == "" {
		return newServiceError(opRecordEvent, "missing_event_id", errMissingIdentifier)
	}
	record := ProcessedEvent{EventID: eventID, EventType: eventType, ProcessedAt: s.clock().UTC()}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record).Error; err != nil {
		s.logError(opRecordEvent, "insert_failed", err, zap.String("event_id", eventID))
		return newServiceError(opRecordEvent, "insert_failed", err)
	}
	return nil
}

func (s *Store) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("orders store error", attrs...)
}
