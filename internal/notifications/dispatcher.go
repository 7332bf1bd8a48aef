package notifications

import (
	"context"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/storefront/internal/catalog"
	"go.uber.org/zap"
)

// DispatcherConfig configures the Dispatcher.
type DispatcherConfig struct {
	Sender       Sender
	AdminAddress string
	SiteURL      string
	Logger       *zap.Logger
}

// Dispatcher renders transactional templates and hands them to a Sender.
// Failures are logged and reported as false; they never surface as errors.
type Dispatcher struct {
	sender       Sender
	adminAddress string
	siteURL      string
	logger       *zap.Logger
}

// NewDispatcher constructs a Dispatcher. A nil sender drops every message.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	sender := cfg.Sender
	if sender == nil {
		sender = NoopSender{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sender:       sender,
		adminAddress: strings.TrimSpace(cfg.AdminAddress),
		siteURL:      strings.TrimSuffix(strings.TrimSpace(cfg.SiteURL), "/"),
		logger:       logger,
	}
}

// Send delivers an already rendered message.
func (d *Dispatcher) Send(ctx context.Context, message Message) bool {
	if strings.TrimSpace(message.To) == "" {
		d.logger.Warn("email skipped", zap.String("subject", message.Subject), zap.Error(errMissingRecipient))
		return false
	}
	if err := d.sender.Send(ctx, message); err != nil {
		d.logger.Error("email send failed",
			zap.String("to", message.To),
			zap.String("subject", message.Subject),
			zap.Error(err))
		return false
	}
	d.logger.Info("email sent", zap.String("to", message.To), zap.String("subject", message.Subject))
	return true
}

// DeliveryEmail describes a product delivery.
type DeliveryEmail struct {
	To           string
	Name         string
	ProductName  string
	DeliveryType catalog.DeliveryType
	DownloadURL  string
}

// SendDelivery sends the delivery template matching the product's delivery type.
func (d *Dispatcher) SendDelivery(ctx context.Context, email DeliveryEmail) bool {
	name, subject := templateDeliveryDownload, "Your download: "+email.ProductName
	switch email.DeliveryType {
	case catalog.DeliveryTypeAccess:
		name, subject = templateDeliveryAccess, "Your access to "+email.ProductName
	case catalog.DeliveryTypeEmail:
		name, subject = templateDeliveryEmail, "Here is "+email.ProductName
	}
	return d.renderAndSend(ctx, name, email.To, subject, deliveryData{
		Name:        email.Name,
		ProductName: email.ProductName,
		DownloadURL: email.DownloadURL,
		SiteURL:     d.siteURL,
	})
}

// PurchaseEmail describes a paid dashboard purchase.
type PurchaseEmail struct {
	To          string
	Name        string
	ProductName string
	Quantity    int
	AmountCents int64
	Currency    string
	DownloadURL string
}

// SendPurchaseConfirmation sends the one-time purchase confirmation.
func (d *Dispatcher) SendPurchaseConfirmation(ctx context.Context, email PurchaseEmail) bool {
	return d.renderAndSend(ctx, templatePurchaseConfirm, email.To, "Order confirmed: "+email.ProductName, newPurchaseData(email, d.siteURL))
}

// SendSubscriptionWelcome sends the first-invoice welcome for a subscription product.
func (d *Dispatcher) SendSubscriptionWelcome(ctx context.Context, email PurchaseEmail) bool {
	return d.renderAndSend(ctx, templateSubscriptionWelcome, email.To, "Welcome to "+email.ProductName, newPurchaseData(email, d.siteURL))
}

// StudioEmail describes a new Studio Systems membership.
type StudioEmail struct {
	To             string
	Name           string
	UserID         string
	Tier           string
	SubscriptionID string
	PeriodEnd      time.Time
}

// SendStudioWelcome greets a new member.
func (d *Dispatcher) SendStudioWelcome(ctx context.Context, email StudioEmail) bool {
	return d.renderAndSend(ctx, templateStudioWelcome, email.To, "Welcome to Studio Systems", newStudioData(email, d.siteURL))
}

// SendStudioAdminNotification tells the admin address about a new member.
func (d *Dispatcher) SendStudioAdminNotification(ctx context.Context, email StudioEmail) bool {
	if d.adminAddress == "" {
		d.logger.Debug("studio admin notification skipped: no admin address")
		return false
	}
	return d.renderAndSend(ctx, templateStudioAdmin, d.adminAddress, "New Studio Systems member", newStudioData(email, d.siteURL))
}

func (d *Dispatcher) renderAndSend(ctx context.Context, templateName, to, subject string, data any) bool {
	html, err := render(templateName, data)
	if err != nil {
		d.logger.Error("email render failed", zap.String("template", templateName), zap.Error(err))
		return false
	}
	return d.Send(ctx, Message{To: to, Subject: subject, HTML: html})
}

type deliveryData struct {
	Name        string
	ProductName string
	DownloadURL string
	SiteURL     string
}

type purchaseData struct {
	Name        string
	ProductName string
	Quantity    int
	Amount      string
	DownloadURL string
	SiteURL     string
}

func newPurchaseData(email PurchaseEmail, siteURL string) purchaseData {
	return purchaseData{
		Name:        email.Name,
		ProductName: email.ProductName,
		Quantity:    email.Quantity,
		Amount:      FormatAmount(email.AmountCents, email.Currency),
		DownloadURL: email.DownloadURL,
		SiteURL:     siteURL,
	}
}

type studioData struct {
	Name           string
	UserID         string
	MemberEmail    string
	Tier           string
	SubscriptionID string
	PeriodEnd      string
	SiteURL        string
}

func newStudioData(email StudioEmail, siteURL string) studioData {
	data := studioData{
		Name:           email.Name,
		UserID:         email.UserID,
		MemberEmail:    email.To,
		Tier:           email.Tier,
		SubscriptionID: email.SubscriptionID,
		SiteURL:        siteURL,
	}
	if !email.PeriodEnd.IsZero() {
		data.PeriodEnd = email.PeriodEnd.UTC().Format("January 2, 2006")
	}
	return data
}
