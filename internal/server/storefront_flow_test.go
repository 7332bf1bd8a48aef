package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/storefront/internal/auth"
	"github.com/MarcoPoloResearchLab/storefront/internal/cart"
	"github.com/MarcoPoloResearchLab/storefront/internal/catalog"
	"github.com/MarcoPoloResearchLab/storefront/internal/checkout"
	"github.com/MarcoPoloResearchLab/storefront/internal/database"
	"github.com/MarcoPoloResearchLab/storefront/internal/fulfillment"
	"github.com/MarcoPoloResearchLab/storefront/internal/notifications"
	"github.com/MarcoPoloResearchLab/storefront/internal/orders"
	"github.com/MarcoPoloResearchLab/storefront/internal/payments"
	"github.com/MarcoPoloResearchLab/storefront/internal/server"
	"github.com/MarcoPoloResearchLab/storefront/internal/webhooks"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	flowWebhookSecret  = "whsec_flow"
	flowSessionSecret  = "flow-session-secret"
	flowSessionCookie  = "app_session"
	flowPaymentIntent  = "pi_flow_1"
	flowCustomerEmail  = "buyer@example.com"
	flowNotionPageID   = "page-notion-os"
	flowDashboardKitID = "course-kit"
)

type flowGateway struct {
	mu          sync.Mutex
	lastRequest payments.PaymentIntentRequest
}

func (g *flowGateway) CreatePaymentIntent(_ context.Context, request payments.PaymentIntentRequest) (payments.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastRequest = request
	return payments.PaymentIntent{
		ID:           flowPaymentIntent,
		ClientSecret: flowPaymentIntent + "_secret",
		AmountCents:  request.AmountCents,
		Currency:     request.Currency,
	}, nil
}

func (g *flowGateway) CreateSubscription(_ context.Context, _ payments.SubscriptionRequest) (payments.Subscription, error) {
	return payments.Subscription{ID: "sub_flow", ClientSecret: "sub_flow_secret", Status: "incomplete"}, nil
}

func (g *flowGateway) CreateCheckoutSession(_ context.Context, _ payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
	return payments.CheckoutSession{ID: "cs_flow", URL: "https://checkout.example.com/cs_flow"}, nil
}

func (g *flowGateway) GetSubscription(_ context.Context, subscriptionID string) (payments.SubscriptionState, error) {
	return payments.SubscriptionState{ID: subscriptionID, Status: "active", Interval: "month"}, nil
}

func (g *flowGateway) metadata() map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastRequest.Metadata
}

type flowNotion struct{}

func (flowNotion) Product(_ context.Context, id string) (catalog.NotionProduct, error) {
	if id != flowNotionPageID {
		return catalog.NotionProduct{}, catalog.ErrProductNotFound
	}
	return catalog.NotionProduct{ID: flowNotionPageID, Slug: "notion-os", Name: "Notion OS"}, nil
}

type flowSender struct {
	mu       sync.Mutex
	messages []notifications.Message
}

func (s *flowSender) Send(_ context.Context, message notifications.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, message)
	return nil
}

func (s *flowSender) subjects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	subjects := make([]string, 0, len(s.messages))
	for _, message := range s.messages {
		subjects = append(subjects, message.Subject)
	}
	return subjects
}

type storefront struct {
	handler http.Handler
	store   *orders.Store
	gateway *flowGateway
	sender  *flowSender
}

func newStorefront(t *testing.T) *storefront {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "storefront.db"), nil)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	dashboard, err := catalog.NewDashboardCatalog(db)
	if err != nil {
		t.Fatalf("dashboard catalog: %v", err)
	}
	if err := dashboard.Upsert(context.Background(), catalog.DashboardProduct{
		ID:              flowDashboardKitID,
		Slug:            flowDashboardKitID,
		Name:            "Course Kit",
		PriceCents:      2500,
		Currency:        "usd",
		ProductType:     catalog.ProductTypeOneTime,
		StripeProductID: "prod_kit",
		StripePriceID:   "price_kit",
		DeliveryType:    catalog.DeliveryTypeDownload,
		DeliveryURL:     "https://files.example.com/kit.zip",
		Active:          true,
	}); err != nil {
		t.Fatalf("seed dashboard product: %v", err)
	}

	pricing := catalog.PricingConfig{
		Paid: map[string]catalog.PaidProduct{
			"notion-os": {PriceCents: 1900, DeliveryType: "download", DownloadURL: "https://files.example.com/notion-os.zip"},
		},
	}

	store, err := orders.NewStore(orders.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("order store: %v", err)
	}

	sender := &flowSender{}
	dispatcher := notifications.NewDispatcher(notifications.DispatcherConfig{
		Sender:  sender,
		SiteURL: "https://shop.example.com",
	})
	deliverer, err := fulfillment.NewDeliverer(fulfillment.DelivererConfig{
		Pricing:  pricing,
		Leads:    store,
		Notifier: dispatcher,
	})
	if err != nil {
		t.Fatalf("deliverer: %v", err)
	}

	gateway := &flowGateway{}
	checkoutService, err := checkout.NewService(checkout.ServiceConfig{
		Dashboard: dashboard,
		Notion:    flowNotion{},
		Pricing:   pricing,
		Gateway:   gateway,
		Purchases: store,
		Deliverer: deliverer,
		Currency:  "usd",
	})
	if err != nil {
		t.Fatalf("checkout service: %v", err)
	}

	verifier, err := payments.NewWebhookVerifier(flowWebhookSecret)
	if err != nil {
		t.Fatalf("webhook verifier: %v", err)
	}
	orderEvents := server.NewOrderEventDispatcher()
	reconciler, err := webhooks.NewReconciler(webhooks.Config{
		Verifier:      verifier,
		Store:         store,
		Products:      dashboard,
		Subscriptions: gateway,
		Notifier:      dispatcher,
		Deliverer:     deliverer,
		Publisher:     orderEvents,
	})
	if err != nil {
		t.Fatalf("reconciler: %v", err)
	}

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(flowSessionSecret),
		CookieName:    flowSessionCookie,
	})
	if err != nil {
		t.Fatalf("session validator: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Checkout:        checkoutService,
		Webhooks:        reconciler,
		Leads:           deliverer,
		CartStorage:     cart.NewMemoryStorageProvider(time.Hour),
		OrderEvents:     orderEvents,
		Sessions:        sessions,
		Memberships:     store,
		MembershipPlans: gateway,
		Studio: server.StudioConfig{
			MonthlyPriceID: "price_studio_month",
			YearlyPriceID:  "price_studio_year",
			SiteURL:        "https://shop.example.com",
		},
	})
	if err != nil {
		t.Fatalf("http handler: %v", err)
	}

	return &storefront{handler: handler, store: store, gateway: gateway, sender: sender}
}

func (s *storefront) do(t *testing.T, request *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func (s *storefront) deliverWebhook(t *testing.T, eventID string, object map[string]any) map[string]any {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"type":        "payment_intent.succeeded",
		"api_version": "2023-10-16",
		"created":     time.Now().Unix(),
		"data":        map[string]any{"object": object},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(payload))
	request.Header.Set("Stripe-Signature", payments.SignWebhookPayload(payload, flowWebhookSecret, time.Now()))
	recorder := s.do(t, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("webhook status %d: %s", recorder.Code, recorder.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode webhook response: %v", err)
	}
	return body
}

func TestCartCheckoutIsFulfilledByPaymentWebhook(t *testing.T) {
	shop := newStorefront(t)

	checkoutBody := `{"customerEmail":"Buyer@Example.com","customerName":"Buyer","items":[` +
		`{"productId":"course-kit","productSource":"dashboard","quantity":2},` +
		`{"productId":"page-notion-os","productSource":"notion","quantity":1}]}`
	request := httptest.NewRequest(http.MethodPost, "/api/checkout", strings.NewReader(checkoutBody))
	request.Header.Set("Content-Type", "application/json")
	recorder := shop.do(t, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("checkout status %d: %s", recorder.Code, recorder.Body.String())
	}

	var checkoutResponse struct {
		ClientSecret    *string `json:"clientSecret"`
		PaymentIntentID *string `json:"paymentIntentId"`
		TotalCents      int64   `json:"totalCents"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &checkoutResponse); err != nil {
		t.Fatalf("decode checkout response: %v", err)
	}
	if checkoutResponse.PaymentIntentID == nil || *checkoutResponse.PaymentIntentID != flowPaymentIntent {
		t.Fatalf("unexpected payment intent: %v", checkoutResponse.PaymentIntentID)
	}
	if checkoutResponse.TotalCents != 2*2500+1900 {
		t.Fatalf("unexpected total: %d", checkoutResponse.TotalCents)
	}

	pending, err := shop.store.PurchasesByPaymentIntent(context.Background(), flowPaymentIntent)
	if err != nil {
		t.Fatalf("load purchases: %v", err)
	}
	if len(pending) != 1 || pending[0].Status != orders.PurchaseStatusPending {
		t.Fatalf("expected one pending dashboard purchase, got %+v", pending)
	}
	if len(shop.sender.subjects()) != 0 {
		t.Fatalf("no email expected before payment, got %v", shop.sender.subjects())
	}

	intent := map[string]any{
		"id":            flowPaymentIntent,
		"object":        "payment_intent",
		"receipt_email": flowCustomerEmail,
		"metadata":      shop.gateway.metadata(),
	}
	body := shop.deliverWebhook(t, "evt_flow_1", intent)
	if body["outcome"] != string(webhooks.OutcomeProcessed) {
		t.Fatalf("expected processed outcome, got %v", body)
	}

	completed, err := shop.store.PurchasesByPaymentIntent(context.Background(), flowPaymentIntent)
	if err != nil {
		t.Fatalf("reload purchases: %v", err)
	}
	if completed[0].Status != orders.PurchaseStatusCompleted || completed[0].DeliveryEmailSentAt == nil {
		t.Fatalf("expected completed and confirmed purchase, got %+v", completed[0])
	}

	subjects := shop.sender.subjects()
	if len(subjects) != 2 {
		t.Fatalf("expected confirmation and delivery emails, got %v", subjects)
	}
	joined := strings.Join(subjects, "|")
	if !strings.Contains(joined, "Order confirmed: Course Kit") {
		t.Fatalf("missing order confirmation in %v", subjects)
	}
	if !strings.Contains(joined, "Your download: ") {
		t.Fatalf("missing notion delivery in %v", subjects)
	}

	body = shop.deliverWebhook(t, "evt_flow_1", intent)
	if body["outcome"] != string(webhooks.OutcomeDuplicate) {
		t.Fatalf("expected duplicate outcome, got %v", body)
	}
	if len(shop.sender.subjects()) != 2 {
		t.Fatalf("redelivery must not send more email, got %v", shop.sender.subjects())
	}
}

func TestWebhookWithForeignSignatureIsRejected(t *testing.T) {
	shop := newStorefront(t)
	payload := []byte(`{"id":"evt_forged","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_forged"}}}`)
	request := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(payload))
	request.Header.Set("Stripe-Signature", payments.SignWebhookPayload(payload, "whsec_other", time.Now()))

	recorder := shop.do(t, request)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	processed, err := shop.store.EventProcessed(context.Background(), "evt_forged")
	if err != nil {
		t.Fatalf("event lookup: %v", err)
	}
	if processed {
		t.Fatalf("forged event must not be recorded")
	}
}

func TestStudioSubscriptionRequiresSessionAndReportsInactiveMember(t *testing.T) {
	shop := newStorefront(t)

	anonymous := shop.do(t, httptest.NewRequest(http.MethodGet, "/api/studio/subscription", http.NoBody))
	if anonymous.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without session, got %d", anonymous.Code)
	}

	now := time.Now()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID:    "member-1",
		UserEmail: "member@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "tauth",
			Subject:   "member-1",
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}).SignedString([]byte(flowSessionSecret))
	if err != nil {
		t.Fatalf("sign session: %v", err)
	}

	request := httptest.NewRequest(http.MethodGet, "/api/studio/subscription", http.NoBody)
	request.AddCookie(&http.Cookie{Name: flowSessionCookie, Value: token})
	recorder := shop.do(t, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode subscription: %v", err)
	}
	if body["active"] != false {
		t.Fatalf("expected inactive membership, got %v", body)
	}
}
