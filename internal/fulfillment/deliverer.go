package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/MarcoPoloResearchLab/storefront/internal/catalog"
	"github.com/MarcoPoloResearchLab/storefront/internal/notifications"
	"github.com/MarcoPoloResearchLab/storefront/internal/orders"
	"go.uber.org/zap"
)

var (
	// ErrInvalidRequest indicates a missing or malformed email or slug.
	ErrInvalidRequest = errors.New("fulfillment: invalid request")
	// ErrNotConfigured indicates the slug has no delivery configuration.
	ErrNotConfigured = errors.New("fulfillment: product not configured for delivery")
	// ErrNotFree indicates a paid product was requested through a free flow.
	ErrNotFree = errors.New("fulfillment: product is not free")
)

// LeadRecorder persists email captures.
type LeadRecorder interface {
	CreateLead(ctx context.Context, lead *orders.Lead) error
	MarkLeadDelivered(ctx context.Context, leadID string) error
}

// Notifier sends delivery emails.
type Notifier interface {
	SendDelivery(ctx context.Context, email notifications.DeliveryEmail) bool
}

// DelivererConfig configures the Deliverer.
type DelivererConfig struct {
	Pricing  catalog.PricingConfig
	Leads    LeadRecorder
	Notifier Notifier
	Logger   *zap.Logger
}

// Deliverer is the single path that emails Notion products, whether they were
// paid for, claimed as a lead magnet or bundled in a free order.
type Deliverer struct {
	pricing  catalog.PricingConfig
	leads    LeadRecorder
	notifier Notifier
	logger   *zap.Logger
}

// NewDeliverer validates the configuration and constructs a Deliverer.
func NewDeliverer(cfg DelivererConfig) (*Deliverer, error) {
	if cfg.Leads == nil {
		return nil, errors.New("fulfillment: lead recorder required")
	}
	if cfg.Notifier == nil {
		return nil, errors.New("fulfillment: notifier required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deliverer{
		pricing:  cfg.Pricing,
		leads:    cfg.Leads,
		notifier: cfg.Notifier,
		logger:   logger,
	}, nil
}

// DeliveryRequest identifies a Notion product delivery.
type DeliveryRequest struct {
	Slug        string
	Email       string
	Name        string
	ProductName string
}

// DeliverNotionProduct emails the product's delivery link. The boolean reports
// whether the email went out; an error means the request itself is unusable.
func (d *Deliverer) DeliverNotionProduct(ctx context.Context, request DeliveryRequest) (bool, error) {
	price, err := d.resolve(request.Slug, request.Email)
	if err != nil {
		return false, err
	}
	productName := strings.TrimSpace(request.ProductName)
	if productName == "" {
		productName = humanizeSlug(request.Slug)
	}
	sent := d.notifier.SendDelivery(ctx, notifications.DeliveryEmail{
		To:           strings.TrimSpace(request.Email),
		Name:         strings.TrimSpace(request.Name),
		ProductName:  productName,
		DeliveryType: price.DeliveryType,
		DownloadURL:  price.DownloadURL,
	})
	if !sent {
		d.logger.Warn("notion product delivery email failed", zap.String("slug", request.Slug))
	}
	return sent, nil
}

// ClaimRequest describes a free product claim.
type ClaimRequest struct {
	Email       string
	Name        string
	Slug        string
	ProductName string
	Source      string
}

// ClaimResult reports the recorded lead and whether delivery succeeded.
type ClaimResult struct {
	LeadID    string
	Delivered bool
}

// ClaimLeadMagnet records a lead for a free product, delivers it and stamps the
// lead on success.
func (d *Deliverer) ClaimLeadMagnet(ctx context.Context, request ClaimRequest) (ClaimResult, error) {
	price, err := d.resolve(request.Slug, request.Email)
	if err != nil {
		return ClaimResult{}, err
	}
	if !price.Free {
		return ClaimResult{}, fmt.Errorf("%w: %s", ErrNotFree, request.Slug)
	}

	source := strings.TrimSpace(request.Source)
	if source == "" {
		source = orders.LeadSourceLeadMagnet
	}
	lead := &orders.Lead{
		Email:       request.Email,
		Name:        request.Name,
		Source:      source,
		ProductSlug: strings.TrimSpace(request.Slug),
	}
	if err := d.leads.CreateLead(ctx, lead); err != nil {
		return ClaimResult{}, err
	}

	delivered, err := d.DeliverNotionProduct(ctx, DeliveryRequest{
		Slug:        request.Slug,
		Email:       request.Email,
		Name:        request.Name,
		ProductName: request.ProductName,
	})
	if err != nil {
		return ClaimResult{LeadID: lead.ID}, err
	}
	if delivered {
		if err := d.leads.MarkLeadDelivered(ctx, lead.ID); err != nil {
			d.logger.Warn("lead delivery stamp failed", zap.String("lead_id", lead.ID), zap.Error(err))
		}
	}
	return ClaimResult{LeadID: lead.ID, Delivered: delivered}, nil
}

// JoinWaitlist records a lead without delivering anything.
func (d *Deliverer) JoinWaitlist(ctx context.Context, email, name, source string) (orders.Lead, error) {
	if !ValidEmail(email) {
		return orders.Lead{}, fmt.Errorf("%w: email", ErrInvalidRequest)
	}
	if strings.TrimSpace(source) == "" {
		source = orders.LeadSourceWaitlist
	}
	lead := orders.Lead{Email: email, Name: name, Source: strings.TrimSpace(source)}
	if err := d.leads.CreateLead(ctx, &lead); err != nil {
		return orders.Lead{}, err
	}
	return lead, nil
}

func (d *Deliverer) resolve(slug, email string) (catalog.NotionPrice, error) {
	if !ValidEmail(email) {
		return catalog.NotionPrice{}, fmt.Errorf("%w: email", ErrInvalidRequest)
	}
	trimmedSlug := strings.TrimSpace(slug)
	if trimmedSlug == "" {
		return catalog.NotionPrice{}, fmt.Errorf("%w: slug", ErrInvalidRequest)
	}
	price, ok := d.pricing.Resolve(trimmedSlug)
	if !ok || strings.TrimSpace(price.DownloadURL) == "" {
		return catalog.NotionPrice{}, fmt.Errorf("%w: %s", ErrNotConfigured, trimmedSlug)
	}
	return price, nil
}

// ValidEmail reports whether value parses as a bare email address.
func ValidEmail(value string) bool {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return false
	}
	address, err := mail.ParseAddress(trimmed)
	return err == nil && address.Address == trimmed
}

func humanizeSlug(slug string) string {
	words := strings.FieldsFunc(strings.TrimSpace(slug), func(r rune) bool { return r == '-' || r == '_' })
	for index, word := range words {
		words[index] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}
