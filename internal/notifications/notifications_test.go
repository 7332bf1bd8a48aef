package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/storefront/internal/catalog"
	"github.com/sony/gobreaker/v2"
)

type recordingSender struct {
	mu       sync.Mutex
	messages []Message
	err      error
}

func (s *recordingSender) Send(_ context.Context, message Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, message)
	return s.err
}

func (s *recordingSender) sent() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

func TestSendDeliverySelectsTemplateByDeliveryType(t *testing.T) {
	testCases := []struct {
		deliveryType catalog.DeliveryType
		wantSubject  string
		wantFragment string
	}{
		{deliveryType: catalog.DeliveryTypeDownload, wantSubject: "Your download: Notion OS", wantFragment: "Your download is ready"},
		{deliveryType: catalog.DeliveryTypeAccess, wantSubject: "Your access to Notion OS", wantFragment: "duplicate the template"},
		{deliveryType: catalog.DeliveryTypeEmail, wantSubject: "Here is Notion OS", wantFragment: "Keep this email"},
	}
	for _, testCase := range testCases {
		t.Run(string(testCase.deliveryType), func(t *testing.T) {
			sender := &recordingSender{}
			dispatcher := NewDispatcher(DispatcherConfig{Sender: sender, SiteURL: "https://shop.example/"})

			ok := dispatcher.SendDelivery(context.Background(), DeliveryEmail{
				To:           "reader@example.com",
				Name:         "Reader",
				ProductName:  "Notion OS",
				DeliveryType: testCase.deliveryType,
				DownloadURL:  "https://files.example/notion-os",
			})
			if !ok {
				t.Fatalf("expected send to succeed")
			}
			messages := sender.sent()
			if len(messages) != 1 {
				t.Fatalf("expected one message, got %d", len(messages))
			}
			if messages[0].Subject != testCase.wantSubject {
				t.Fatalf("unexpected subject %q", messages[0].Subject)
			}
			if !strings.Contains(messages[0].HTML, testCase.wantFragment) {
				t.Fatalf("expected body to contain %q, got %s", testCase.wantFragment, messages[0].HTML)
			}
			if !strings.Contains(messages[0].HTML, "https://files.example/notion-os") {
				t.Fatalf("expected download url in body")
			}
		})
	}
}

func TestTemplatesEscapeCustomerInput(t *testing.T) {
	sender := &recordingSender{}
	dispatcher := NewDispatcher(DispatcherConfig{Sender: sender})
	dispatcher.SendPurchaseConfirmation(context.Background(), PurchaseEmail{
		To:          "buyer@example.com",
		Name:        "<script>alert(1)</script>",
		ProductName: "Course Kit",
		Quantity:    2,
		AmountCents: 5000,
		Currency:    "usd",
	})
	messages := sender.sent()
	if len(messages) != 1 {
		t.Fatalf("expected one message")
	}
	body := messages[0].HTML
	if strings.Contains(body, "<script>") {
		t.Fatalf("customer name must be escaped: %s", body)
	}
	if !strings.Contains(body, "50.00 USD") || !strings.Contains(body, "(x2)") {
		t.Fatalf("expected formatted amount and quantity: %s", body)
	}
}

func TestDispatcherReportsFailureWithoutError(t *testing.T) {
	sender := &recordingSender{err: errors.New("provider down")}
	dispatcher := NewDispatcher(DispatcherConfig{Sender: sender})
	if dispatcher.SendSubscriptionWelcome(context.Background(), PurchaseEmail{To: "a@example.com", ProductName: "Club"}) {
		t.Fatalf("expected failure to be reported as false")
	}
	if dispatcher.Send(context.Background(), Message{Subject: "no recipient"}) {
		t.Fatalf("expected missing recipient to be reported as false")
	}
	if len(sender.sent()) != 1 {
		t.Fatalf("missing recipient must not reach the sender")
	}
}

func TestDispatcherWithoutSenderDropsMessages(t *testing.T) {
	dispatcher := NewDispatcher(DispatcherConfig{})
	if dispatcher.Send(context.Background(), Message{To: "a@example.com", Subject: "hi"}) {
		t.Fatalf("expected noop sender to report failure")
	}
}

func TestStudioEmails(t *testing.T) {
	sender := &recordingSender{}
	dispatcher := NewDispatcher(DispatcherConfig{Sender: sender, AdminAddress: "admin@example.com", SiteURL: "https://shop.example"})
	email := StudioEmail{
		To:             "member@example.com",
		Name:           "Member",
		UserID:         "user-1",
		Tier:           "yearly",
		SubscriptionID: "sub_1",
		PeriodEnd:      time.Date(2027, time.January, 15, 0, 0, 0, 0, time.UTC),
	}
	if !dispatcher.SendStudioWelcome(context.Background(), email) {
		t.Fatalf("welcome failed")
	}
	if !dispatcher.SendStudioAdminNotification(context.Background(), email) {
		t.Fatalf("admin notification failed")
	}
	messages := sender.sent()
	if len(messages) != 2 {
		t.Fatalf("expected two messages, got %d", len(messages))
	}
	if !strings.Contains(messages[0].HTML, "January 15, 2027") || !strings.Contains(messages[0].HTML, "yearly") {
		t.Fatalf("unexpected welcome body: %s", messages[0].HTML)
	}
	if messages[1].To != "admin@example.com" || !strings.Contains(messages[1].HTML, "member@example.com") {
		t.Fatalf("unexpected admin message %#v", messages[1])
	}

	withoutAdmin := NewDispatcher(DispatcherConfig{Sender: sender})
	if withoutAdmin.SendStudioAdminNotification(context.Background(), email) {
		t.Fatalf("expected admin notification to be skipped without an address")
	}
}

func TestFormatAmount(t *testing.T) {
	testCases := []struct {
		cents    int64
		currency string
		want     string
	}{
		{cents: 2500, currency: "usd", want: "25.00 USD"},
		{cents: 5, currency: "EUR", want: "0.05 EUR"},
		{cents: 500, currency: "jpy", want: "500 JPY"},
		{cents: 0, currency: "", want: "0.00"},
	}
	for _, testCase := range testCases {
		if got := FormatAmount(testCase.cents, testCase.currency); got != testCase.want {
			t.Fatalf("FormatAmount(%d, %q) = %q, want %q", testCase.cents, testCase.currency, got, testCase.want)
		}
	}
}

func TestBreakerSenderOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &recordingSender{err: errors.New("provider down")}
	sender := NewBreakerSender(inner, BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Minute})

	for attempt := 0; attempt < 2; attempt++ {
		if err := sender.Send(context.Background(), Message{To: "a@example.com"}); err == nil {
			t.Fatalf("expected failure on attempt %d", attempt)
		}
	}
	err := sender.Send(context.Background(), Message{To: "a@example.com"})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if len(inner.sent()) != 2 {
		t.Fatalf("open breaker must not call the provider, got %d calls", len(inner.sent()))
	}
}

func TestResendSenderPostsEmail(t *testing.T) {
	var (
		mu       sync.Mutex
		received map[string]any
		path     string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"email_1"}`))
	}))
	defer server.Close()

	sender, err := NewResendSender(ResendConfig{APIKey: "re_test", From: "shop@example.com", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("construct failed: %v", err)
	}
	if err := sender.Send(context.Background(), Message{To: "buyer@example.com", Subject: "Hello", HTML: "<p>hi</p>"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if path != "/emails" {
		t.Fatalf("unexpected path %q", path)
	}
	if received["from"] != "shop@example.com" || received["subject"] != "Hello" {
		t.Fatalf("unexpected payload %#v", received)
	}

	if _, err := NewResendSender(ResendConfig{From: "shop@example.com"}); err == nil {
		t.Fatalf("expected missing api key to be rejected")
	}
}
