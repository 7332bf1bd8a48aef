package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/MarcoPoloResearchLab/storefront/internal/catalog"
	"github.com/MarcoPoloResearchLab/storefront/internal/notifications"
	"github.com/MarcoPoloResearchLab/storefront/internal/orders"
)

type fakeLeads struct {
	created   []orders.Lead
	delivered []string
	createErr error
}

func (f *fakeLeads) CreateLead(_ context.Context, lead *orders.Lead) error {
	if f.createErr != nil {
		return f.createErr
	}
	lead.ID = fmt.Sprintf("lead-%d", len(f.created)+1)
	lead.Email = orders.NormalizeEmail(lead.Email)
	f.created = append(f.created, *lead)
	return nil
}

func (f *fakeLeads) MarkLeadDelivered(_ context.Context, leadID string) error {
	f.delivered = append(f.delivered, leadID)
	return nil
}

type fakeNotifier struct {
	emails []notifications.DeliveryEmail
	fail   bool
}

func (f *fakeNotifier) SendDelivery(_ context.Context, email notifications.DeliveryEmail) bool {
	f.emails = append(f.emails, email)
	return !f.fail
}

func testPricing() catalog.PricingConfig {
	return catalog.PricingConfig{
		Paid: map[string]catalog.PaidProduct{
			"notion-os": {PriceCents: 2900, DeliveryType: "access", DownloadURL: "https://notion.example/os"},
		},
		Free: map[string]catalog.FreeProduct{
			"starter-guide": {DownloadURL: "https://files.example/starter.pdf"},
		},
	}
}

func newTestDeliverer(t *testing.T, leads *fakeLeads, notifier *fakeNotifier) *Deliverer {
	t.Helper()
	deliverer, err := NewDeliverer(DelivererConfig{Pricing: testPricing(), Leads: leads, Notifier: notifier})
	if err != nil {
		t.Fatalf("construct failed: %v", err)
	}
	return deliverer
}

func TestDeliverNotionProductUsesConfiguredDelivery(t *testing.T) {
	notifier := &fakeNotifier{}
	deliverer := newTestDeliverer(t, &fakeLeads{}, notifier)

	sent, err := deliverer.DeliverNotionProduct(context.Background(), DeliveryRequest{Slug: "notion-os", Email: "buyer@example.com"})
	if err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if !sent {
		t.Fatalf("expected email to be sent")
	}
	email := notifier.emails[0]
	if email.DeliveryType != catalog.DeliveryTypeAccess || email.DownloadURL != "https://notion.example/os" {
		t.Fatalf("unexpected delivery %#v", email)
	}
	if email.ProductName != "Notion Os" {
		t.Fatalf("expected humanized slug as product name, got %q", email.ProductName)
	}
}

func TestDeliverNotionProductRejectsUnusableRequests(t *testing.T) {
	deliverer := newTestDeliverer(t, &fakeLeads{}, &fakeNotifier{})
	testCases := []struct {
		name    string
		request DeliveryRequest
		want    error
	}{
		{name: "missing-email", request: DeliveryRequest{Slug: "notion-os"}, want: ErrInvalidRequest},
		{name: "bad-email", request: DeliveryRequest{Slug: "notion-os", Email: "not-an-email"}, want: ErrInvalidRequest},
		{name: "missing-slug", request: DeliveryRequest{Email: "a@example.com"}, want: ErrInvalidRequest},
		{name: "unconfigured", request: DeliveryRequest{Slug: "unknown", Email: "a@example.com"}, want: ErrNotConfigured},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := deliverer.DeliverNotionProduct(context.Background(), testCase.request); !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}

func TestClaimLeadMagnetRecordsAndStampsLead(t *testing.T) {
	leads := &fakeLeads{}
	notifier := &fakeNotifier{}
	deliverer := newTestDeliverer(t, leads, notifier)

	result, err := deliverer.ClaimLeadMagnet(context.Background(), ClaimRequest{
		Email:       "Reader@Example.com",
		Name:        "Reader",
		Slug:        "starter-guide",
		ProductName: "Starter Guide",
	})
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if !result.Delivered || result.LeadID != "lead-1" {
		t.Fatalf("unexpected result %#v", result)
	}
	if leads.created[0].Source != orders.LeadSourceLeadMagnet || leads.created[0].ProductSlug != "starter-guide" {
		t.Fatalf("unexpected lead %#v", leads.created[0])
	}
	if len(leads.delivered) != 1 || leads.delivered[0] != "lead-1" {
		t.Fatalf("expected lead to be stamped, got %v", leads.delivered)
	}
	if notifier.emails[0].DeliveryType != catalog.DeliveryTypeDownload {
		t.Fatalf("free products deliver as downloads")
	}
}

func TestClaimLeadMagnetDoesNotStampFailedDelivery(t *testing.T) {
	leads := &fakeLeads{}
	deliverer := newTestDeliverer(t, leads, &fakeNotifier{fail: true})

	result, err := deliverer.ClaimLeadMagnet(context.Background(), ClaimRequest{Email: "a@example.com", Slug: "starter-guide", Source: orders.LeadSourceFreeOrder})
	if err != nil {
		t.Fatalf("email failure must not be an error: %v", err)
	}
	if result.Delivered {
		t.Fatalf("expected delivery to be reported as failed")
	}
	if len(leads.delivered) != 0 {
		t.Fatalf("failed delivery must not stamp the lead")
	}
	if leads.created[0].Source != orders.LeadSourceFreeOrder {
		t.Fatalf("expected explicit source to be kept, got %q", leads.created[0].Source)
	}
}

func TestClaimLeadMagnetRejectsPaidProduct(t *testing.T) {
	leads := &fakeLeads{}
	deliverer := newTestDeliverer(t, leads, &fakeNotifier{})
	if _, err := deliverer.ClaimLeadMagnet(context.Background(), ClaimRequest{Email: "a@example.com", Slug: "notion-os"}); !errors.Is(err, ErrNotFree) {
		t.Fatalf("expected ErrNotFree, got %v", err)
	}
	if len(leads.created) != 0 {
		t.Fatalf("rejected claim must not record a lead")
	}
}

func TestJoinWaitlist(t *testing.T) {
	leads := &fakeLeads{}
	notifier := &fakeNotifier{}
	deliverer := newTestDeliverer(t, leads, notifier)

	lead, err := deliverer.JoinWaitlist(context.Background(), "fan@example.com", "Fan", "")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if lead.Source != orders.LeadSourceWaitlist {
		t.Fatalf("expected waitlist source, got %q", lead.Source)
	}
	if len(notifier.emails) != 0 {
		t.Fatalf("waitlist must not send email")
	}
	if _, err := deliverer.JoinWaitlist(context.Background(), "", "", ""); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestValidEmail(t *testing.T) {
	valid := []string{"a@example.com", " spaced@example.com "}
	invalid := []string{"", "plain", "Name <a@example.com>", "@example.com"}
	for _, value := range valid {
		if !ValidEmail(value) {
			t.Fatalf("expected %q to be valid", value)
		}
	}
	for _, value := range invalid {
		if ValidEmail(value) {
			t.Fatalf("expected %q to be invalid", value)
		}
	}
}
