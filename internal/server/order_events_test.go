package server

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/storefront/internal/webhooks"
)

func subscriberCount(d *OrderEventDispatcher, reference string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subscribers[reference])
}

func TestOrderEventDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewOrderEventDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "pi_1")
	defer cleanup()

	dispatcher.Publish(webhooks.OrderEvent{
		Type:       webhooks.OrderEventCompleted,
		Reference:  "pi_1",
		ProductIDs: []string{"course-kit", "notion-os"},
		OccurredAt: time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.Type != webhooks.OrderEventCompleted {
			t.Fatalf("expected event type %s, got %s", webhooks.OrderEventCompleted, received.Type)
		}
		if len(received.ProductIDs) != 2 {
			t.Fatalf("expected 2 product ids, got %d", len(received.ProductIDs))
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected order event within deadline")
	}
}

func TestOrderEventDispatcherIsolatedByReference(t *testing.T) {
	dispatcher := NewOrderEventDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "pi_2")
	defer cleanup()
	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "pi_3")
	defer otherCleanup()

	dispatcher.Publish(webhooks.OrderEvent{Type: webhooks.OrderEventCompleted, Reference: "pi_3"})

	select {
	case <-stream:
		t.Fatal("did not expect an event for an unrelated reference")
	case <-time.After(100 * time.Millisecond):
	}

	select {
	case event := <-otherStream:
		if event.Reference != "pi_3" {
			t.Fatalf("expected pi_3, received %s", event.Reference)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected order event for subscribed reference")
	}
}

func TestOrderEventDispatcherUnsubscribesOnCancel(t *testing.T) {
	dispatcher := NewOrderEventDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	_, cleanup := dispatcher.Subscribe(ctx, "pi_4")
	if subscriberCount(dispatcher, "pi_4") != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for subscriberCount(dispatcher, "pi_4") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber was not removed after cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cleanup()
}

func TestOrderEventDispatcherReplaysRecentCompletion(t *testing.T) {
	dispatcher := NewOrderEventDispatcher()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	dispatcher.clock = func() time.Time { return now }
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher.Publish(webhooks.OrderEvent{Type: webhooks.OrderEventCompleted, Reference: "pi_5"})

	stream, cleanup := dispatcher.Subscribe(ctx, "pi_5")
	defer cleanup()
	select {
	case event := <-stream:
		if event.Type != webhooks.OrderEventCompleted || event.Reference != "pi_5" {
			t.Fatalf("unexpected replayed event %#v", event)
		}
	default:
		t.Fatal("expected the earlier completion to be replayed on subscribe")
	}

	now = now.Add(orderCompletionRetention + time.Second)
	late, lateCleanup := dispatcher.Subscribe(ctx, "pi_5")
	defer lateCleanup()
	select {
	case event := <-late:
		t.Fatalf("did not expect an expired completion, got %#v", event)
	default:
	}

	dispatcher.Publish(webhooks.OrderEvent{Type: webhooks.OrderEventCompleted, Reference: "pi_6"})
	dispatcher.mu.Lock()
	_, retained := dispatcher.completed["pi_5"]
	dispatcher.mu.Unlock()
	if retained {
		t.Fatal("expected expired completions to be pruned")
	}
}

func TestOrderEventsEndpointStreamsCompletion(t *testing.T) {
	dispatcher := NewOrderEventDispatcher()
	server := newTestServer(t)
	handler, err := NewHTTPHandler(Dependencies{
		Checkout:        server.checkout,
		Webhooks:        server.webhooks,
		Leads:           server.leads,
		CartStorage:     server.carts,
		OrderEvents:     dispatcher,
		Sessions:        server.sessions,
		Memberships:     server.memberships,
		MembershipPlans: server.plans,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	httpServer := httptest.NewServer(handler)
	defer httpServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, httpServer.URL+"/api/checkout/events/pi_9", http.NoBody)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}

	type streamResult struct {
		body string
		err  error
	}
	results := make(chan streamResult, 1)
	go func() {
		response, err := httpServer.Client().Do(request)
		if err != nil {
			results <- streamResult{err: err}
			return
		}
		defer response.Body.Close()
		var builder strings.Builder
		scanner := bufio.NewScanner(response.Body)
		for scanner.Scan() {
			builder.WriteString(scanner.Text())
			builder.WriteString("\n")
		}
		results <- streamResult{body: builder.String()}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for subscriberCount(dispatcher, "pi_9") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	dispatcher.Publish(webhooks.OrderEvent{Type: webhooks.OrderEventCompleted, Reference: "pi_9", ProductIDs: []string{"course-kit"}})

	select {
	case result := <-results:
		if result.err != nil {
			t.Fatalf("stream failed: %v", result.err)
		}
		if !strings.Contains(result.body, "event:order.completed") {
			t.Fatalf("expected completion event, got %q", result.body)
		}
		if !strings.Contains(result.body, `"reference":"pi_9"`) {
			t.Fatalf("expected reference in payload, got %q", result.body)
		}
	case <-ctx.Done():
		t.Fatal("stream did not close after completion")
	}
}
