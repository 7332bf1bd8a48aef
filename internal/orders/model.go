package orders

import (
	"strings"
	"time"
)

// PurchaseStatus is the lifecycle state of a Purchase. Completed is terminal.
type PurchaseStatus string

const (
	PurchaseStatusPending   PurchaseStatus = "pending"
	PurchaseStatusCompleted PurchaseStatus = "completed"
)

// SubscriptionTier is the Studio membership billing tier.
type SubscriptionTier string

const (
	TierMonthly SubscriptionTier = "monthly"
	TierYearly  SubscriptionTier = "yearly"
)

// TierForInterval maps a provider billing interval onto a tier.
func TierForInterval(interval string) SubscriptionTier {
	if strings.EqualFold(strings.TrimSpace(interval), "year") {
		return TierYearly
	}
	return TierMonthly
}

// Lead sources.
const (
	LeadSourceWaitlist   = "waitlist"
	LeadSourceLeadMagnet = "lead_magnet"
	LeadSourceFreeOrder  = "free_order"
	LeadSourcePurchase   = "notion_purchase"
)

// Purchase records one dashboard-product transaction, correlated with the
// provider by payment intent id or subscription id.
type Purchase struct {
	ID                  string         `gorm:"column:id;primaryKey;size:64"`
	PaymentIntentID     string         `gorm:"column:payment_intent_id;size:190;index:idx_purchases_payment_intent"`
	SubscriptionID      string         `gorm:"column:subscription_id;size:190;index:idx_purchases_subscription"`
	ProductID           string         `gorm:"column:product_id;size:190;not null"`
	CustomerEmail       string         `gorm:"column:customer_email;size:320;not null"`
	CustomerName        string         `gorm:"column:customer_name;size:190"`
	AmountCents         int64          `gorm:"column:amount_cents;not null"`
	Currency            string         `gorm:"column:currency;size:8;not null"`
	Quantity            int            `gorm:"column:quantity;not null;default:1"`
	Status              PurchaseStatus `gorm:"column:status;size:32;not null;default:pending"`
	DeliveryEmailSentAt *time.Time     `gorm:"column:delivery_email_sent_at"`
	CreatedAt           time.Time      `gorm:"column:created_at"`
	UpdatedAt           time.Time      `gorm:"column:updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (Purchase) TableName() string {
	return "purchases"
}

// EducationSubscription mirrors the provider's view of a Studio membership.
// There is at most one row per user.
type EducationSubscription struct {
	ID                   string           `gorm:"column:id;primaryKey;size:64"`
	UserID               string           `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_education_subscriptions_user"`
	Tier                 SubscriptionTier `gorm:"column:tier;size:16;not null"`
	StripeSubscriptionID string           `gorm:"column:stripe_subscription_id;size:190;not null;index:idx_education_subscriptions_stripe"`
	StripeCustomerID     string           `gorm:"column:stripe_customer_id;size:190"`
	Status               string           `gorm:"column:status;size:32;not null"`
	CurrentPeriodStart   time.Time        `gorm:"column:current_period_start"`
	CurrentPeriodEnd     time.Time        `gorm:"column:current_period_end"`
	CancelAtPeriodEnd    bool             `gorm:"column:cancel_at_period_end;not null;default:false"`
	CreatedAt            time.Time        `gorm:"column:created_at"`
	UpdatedAt            time.Time        `gorm:"column:updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (EducationSubscription) TableName() string {
	return "education_subscriptions"
}

// Active reports whether the provider status grants access.
func (s EducationSubscription) Active() bool {
	return s.Status == "active" || s.Status == "trialing"
}

// SubscriptionUpdate carries the provider-owned fields of a subscription event.
type SubscriptionUpdate struct {
	Status             string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
}

// Lead is an email capture from the waitlist or a free product claim.
type Lead struct {
	ID                  string     `gorm:"column:id;primaryKey;size:64"`
	Email               string     `gorm:"column:email;size:320;not null;index:idx_leads_email"`
	Name                string     `gorm:"column:name;size:190"`
	Source              string     `gorm:"column:source;size:64;not null"`
	ProductSlug         string     `gorm:"column:product_slug;size:190"`
	DeliveryEmailSentAt *time.Time `gorm:"column:delivery_email_sent_at"`
	CreatedAt           time.Time  `gorm:"column:created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Lead) TableName() string {
	return "leads"
}

// ProcessedEvent marks a provider event as fully handled.
type ProcessedEvent struct {
	EventID     string    `gorm:"column:event_id;primaryKey;size:190"`
	EventType   string    `gorm:"column:event_type;size:190;not null"`
	ProcessedAt time.Time `gorm:"column:processed_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ProcessedEvent) TableName() string {
	return "processed_events"
}

// Models lists every persistent type owned by this package.
func Models() []any {
	return []any{&Purchase{}, &EducationSubscription{}, &Lead{}, &ProcessedEvent{}}
}

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
