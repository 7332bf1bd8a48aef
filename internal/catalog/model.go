package catalog

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Source identifies the catalog of record for a product.
type Source string

const (
	// SourceDashboard marks products authored and priced in the admin dashboard.
	SourceDashboard Source = "dashboard"
	// SourceNotion marks products authored in Notion and priced by static configuration.
	SourceNotion Source = "notion"
)

// ProductType distinguishes one-time purchases from recurring ones.
type ProductType string

const (
	ProductTypeOneTime      ProductType = "one_time"
	ProductTypeSubscription ProductType = "subscription"
)

// DeliveryType selects the fulfillment email template.
type DeliveryType string

const (
	DeliveryTypeDownload DeliveryType = "download"
	DeliveryTypeAccess   DeliveryType = "access"
	DeliveryTypeEmail    DeliveryType = "email"
)

var (
	// ErrProductNotFound indicates the catalog has no record for the identifier.
	ErrProductNotFound = errors.New("catalog: product not found")
	// ErrInvalidSource indicates an unknown product source tag.
	ErrInvalidSource = errors.New("catalog: invalid product source")
	// ErrInvalidProductID indicates an empty product identifier.
	ErrInvalidProductID = errors.New("catalog: invalid product id")
)

// ParseSource validates a raw source tag.
func ParseSource(raw string) (Source, error) {
	switch Source(strings.ToLower(strings.TrimSpace(raw))) {
	case SourceDashboard:
		return SourceDashboard, nil
	case SourceNotion:
		return SourceNotion, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSource, raw)
	}
}

// ParseDeliveryType maps configuration values onto a DeliveryType, defaulting to download.
func ParseDeliveryType(raw string) DeliveryType {
	switch DeliveryType(strings.ToLower(strings.TrimSpace(raw))) {
	case DeliveryTypeAccess:
		return DeliveryTypeAccess
	case DeliveryTypeEmail:
		return DeliveryTypeEmail
	default:
		return DeliveryTypeDownload
	}
}

// Product is the closed set of catalog records the checkout understands.
// DashboardProduct and NotionProduct are the only implementations.
type Product interface {
	ProductID() string
	ProductSlug() string
	ProductName() string
	ProductSource() Source
	isProduct()
}

// DashboardProduct is a product priced inside the admin dashboard and synced to Stripe.
type DashboardProduct struct {
	ID              string       `gorm:"column:id;primaryKey;size:190;not null"`
	Slug            string       `gorm:"column:slug;size:190;not null;uniqueIndex"`
	Name            string       `gorm:"column:name;size:320;not null"`
	Description     string       `gorm:"column:description;type:text"`
	PriceCents      int64        `gorm:"column:price_cents;not null;default:0"`
	Currency        string       `gorm:"column:currency;size:8;not null;default:'usd'"`
	ProductType     ProductType  `gorm:"column:product_type;size:32;not null;default:'one_time'"`
	StripeProductID string       `gorm:"column:stripe_product_id;size:190"`
	StripePriceID   string       `gorm:"column:stripe_price_id;size:190"`
	DeliveryType    DeliveryType `gorm:"column:delivery_type;size:32;not null;default:'download'"`
	DeliveryURL     string       `gorm:"column:delivery_url;size:1024"`
	ImageURL        string       `gorm:"column:image_url;size:1024"`
	Active          bool         `gorm:"column:active;not null"`
	CreatedAt       time.Time    `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time    `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (DashboardProduct) TableName() string {
	return "dashboard_products"
}

func (p DashboardProduct) ProductID() string { return p.ID }
func (p DashboardProduct) ProductSlug() string { return p.Slug }
func (p DashboardProduct) ProductName() string { return p.Name }
func (p DashboardProduct) ProductSource() Source { return SourceDashboard }
func (DashboardProduct) isProduct() {}

// Synced reports whether the product has a Stripe price reference.
func (p DashboardProduct) Synced() bool {
	return strings.TrimSpace(p.StripePriceID) != ""
}

// NotionProduct is a content record authored in Notion. It carries no price.
type NotionProduct struct {
	ID       string
	Slug     string
	Name     string
	CoverURL string
}

func (p NotionProduct) ProductID() string { return p.ID }
func (p NotionProduct) ProductSlug() string { return p.Slug }
func (p NotionProduct) ProductName() string { return p.Name }
func (p NotionProduct) ProductSource() Source { return SourceNotion }
func (NotionProduct) isProduct() {}
