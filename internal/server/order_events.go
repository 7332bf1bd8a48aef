package server

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/storefront/internal/webhooks"
	"github.com/gin-gonic/gin"
)

const (
	orderEventHeartbeat      = "heartbeat"
	orderEventsBufferSize    = 8
	orderEventsHeartbeatTick = 25 * time.Second
	orderCompletionRetention = 10 * time.Minute
)

// OrderEventDispatcher fans reconciled order events out to clients waiting on a
// confirmation page. Subscribers are keyed by payment reference. Completions are
// retained briefly so a client that subscribes after the webhook still sees one.
type OrderEventDispatcher struct {
	mu          sync.Mutex
	subscribers map[string]map[int64]*orderEventSubscriber
	completed   map[string]retainedCompletion
	nextID      int64
	bufferSize  int
	retention   time.Duration
	clock       func() time.Time
}

type retainedCompletion struct {
	event      webhooks.OrderEvent
	recordedAt time.Time
}

type orderEventSubscriber struct {
	id     int64
	stream chan webhooks.OrderEvent
}

// NewOrderEventDispatcher returns an empty dispatcher.
func NewOrderEventDispatcher() *OrderEventDispatcher {
	return &OrderEventDispatcher{
		subscribers: make(map[string]map[int64]*orderEventSubscriber),
		completed:   make(map[string]retainedCompletion),
		bufferSize:  orderEventsBufferSize,
		retention:   orderCompletionRetention,
		clock:       time.Now,
	}
}

// Subscribe registers interest in one payment reference until ctx ends or the
// returned cleanup runs. A completion published within the retention window is
// delivered immediately.
func (d *OrderEventDispatcher) Subscribe(ctx context.Context, reference string) (<-chan webhooks.OrderEvent, func()) {
	if reference == "" {
		ch := make(chan webhooks.OrderEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &orderEventSubscriber{
		id:     d.nextSequence(),
		stream: make(chan webhooks.OrderEvent, d.bufferSize),
	}
	d.registerSubscriber(reference, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(reference, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the event to every subscriber of its reference. Slow
// subscribers drop events rather than block the webhook.
func (d *OrderEventDispatcher) Publish(event webhooks.OrderEvent) {
	if event.Reference == "" || event.Type == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock()
	d.pruneCompletedLocked(now)
	if event.Type == webhooks.OrderEventCompleted {
		d.completed[event.Reference] = retainedCompletion{event: event, recordedAt: now}
	}
	for _, subscriber := range d.subscribers[event.Reference] {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *OrderEventDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *OrderEventDispatcher) registerSubscriber(reference string, subscriber *orderEventSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[reference]; !ok {
		d.subscribers[reference] = make(map[int64]*orderEventSubscriber)
	}
	d.subscribers[reference][subscriber.id] = subscriber

	retained, ok := d.completed[reference]
	if ok && d.clock().Sub(retained.recordedAt) <= d.retention {
		subscriber.stream <- retained.event
	}
}

func (d *OrderEventDispatcher) pruneCompletedLocked(now time.Time) {
	for reference, retained := range d.completed {
		if now.Sub(retained.recordedAt) > d.retention {
			delete(d.completed, reference)
		}
	}
}

func (d *OrderEventDispatcher) unregisterSubscriber(reference string, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[reference]
	if subscribers == nil {
		return
	}
	delete(subscribers, subscriberID)
	if len(subscribers) == 0 {
		delete(d.subscribers, reference)
	}
}

// handleOrderEvents streams server-sent events for one payment reference until
// the order completes or the client disconnects.
func (h *httpHandler) handleOrderEvents(c *gin.Context) {
	reference := strings.TrimSpace(c.Param("reference"))
	if reference == "" {
		respondMessage(c, http.StatusBadRequest, "Payment reference is required")
		return
	}

	stream, cleanup := h.orderEvents.Subscribe(c.Request.Context(), reference)
	defer cleanup()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-heartbeat.C:
			c.SSEvent(orderEventHeartbeat, gin.H{"reference": reference})
			return true
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(string(event.Type), event)
			return event.Type != webhooks.OrderEventCompleted
		}
	})
}
