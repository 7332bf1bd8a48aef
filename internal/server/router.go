package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/storefront/internal/auth"
	"github.com/MarcoPoloResearchLab/storefront/internal/cart"
	"github.com/MarcoPoloResearchLab/storefront/internal/checkout"
	"github.com/MarcoPoloResearchLab/storefront/internal/fulfillment"
	"github.com/MarcoPoloResearchLab/storefront/internal/orders"
	"github.com/MarcoPoloResearchLab/storefront/internal/payments"
	"github.com/MarcoPoloResearchLab/storefront/internal/webhooks"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	sessionClaimsContextKey = "storefront_session_claims"
	stripeSignatureHeader   = "Stripe-Signature"
	maxWebhookPayloadBytes  = 1 << 16
)

var (
	errMissingCheckoutService = errors.New("checkout service dependency required")
	errMissingWebhookHandler  = errors.New("webhook handler dependency required")
	errMissingLeadService     = errors.New("lead service dependency required")
	errMissingCartStorage     = errors.New("cart storage dependency required")
	errMissingSessionGuard    = errors.New("session validator dependency required")
	errMissingMembership      = errors.New("membership dependencies required")
)

// CheckoutService runs the checkout flows.
type CheckoutService interface {
	Checkout(ctx context.Context, request checkout.Request) (checkout.Result, error)
	BuyNow(ctx context.Context, request checkout.BuyNowRequest) (checkout.BuyNowResult, error)
	ClaimFreeOrder(ctx context.Context, request checkout.Request) (checkout.FreeOrderResult, error)
}

// WebhookHandler reconciles raw provider deliveries.
type WebhookHandler interface {
	Handle(ctx context.Context, payload []byte, signatureHeader string) (webhooks.Outcome, error)
}

// LeadService captures emails and delivers lead magnets.
type LeadService interface {
	JoinWaitlist(ctx context.Context, email, name, source string) (orders.Lead, error)
	ClaimLeadMagnet(ctx context.Context, request fulfillment.ClaimRequest) (fulfillment.ClaimResult, error)
}

// SessionValidator authenticates member requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// MembershipCheckout opens hosted subscription checkouts.
type MembershipCheckout interface {
	CreateCheckoutSession(ctx context.Context, request payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
}

// MembershipStore reads Studio memberships.
type MembershipStore interface {
	EducationSubscriptionForUser(ctx context.Context, userID string) (orders.EducationSubscription, error)
}

// OrderEventSource lets clients wait for their payment to be reconciled.
type OrderEventSource interface {
	Subscribe(ctx context.Context, reference string) (<-chan webhooks.OrderEvent, func())
}

// StudioConfig names the recurring prices and redirect base for Studio checkout.
type StudioConfig struct {
	MonthlyPriceID string
	YearlyPriceID  string
	SiteURL        string
}

// Dependencies wires the HTTP surface to its services.
type Dependencies struct {
	Checkout        CheckoutService
	Webhooks        WebhookHandler
	Leads           LeadService
	CartStorage     cart.StorageProvider
	OrderEvents     OrderEventSource
	Sessions        SessionValidator
	Memberships     MembershipStore
	MembershipPlans MembershipCheckout
	Studio          StudioConfig
	CartCookie      CartCookieConfig
	AllowedOrigins  []string
	Logger          *zap.Logger
}

// NewHTTPHandler validates dependencies and builds the gin engine.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Checkout == nil {
		return nil, errMissingCheckoutService
	}
	if deps.Webhooks == nil {
		return nil, errMissingWebhookHandler
	}
	if deps.Leads == nil {
		return nil, errMissingLeadService
	}
	if deps.CartStorage == nil {
		return nil, errMissingCartStorage
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionGuard
	}
	if deps.Memberships == nil || deps.MembershipPlans == nil {
		return nil, errMissingMembership
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	orderEvents := deps.OrderEvents
	if orderEvents == nil {
		orderEvents = NewOrderEventDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		checkout:          deps.Checkout,
		webhooks:          deps.Webhooks,
		leads:             deps.Leads,
		carts:             deps.CartStorage,
		orderEvents:       orderEvents,
		heartbeatInterval: orderEventsHeartbeatTick,
		sessions:          deps.Sessions,
		memberships:       deps.Memberships,
		membershipPlans:   deps.MembershipPlans,
		studio:            deps.Studio,
		cartCookie:        deps.CartCookie.withDefaults(),
		logger:            logger,
	}

	router.GET("/healthz", handler.handleHealth)

	api := router.Group("/api")
	api.POST("/checkout", handler.handleCheckout)
	api.POST("/checkout/buy-now", handler.handleBuyNow)
	api.POST("/checkout/free", handler.handleFreeOrder)
	api.GET("/checkout/events/:reference", handler.handleOrderEvents)
	api.POST("/webhooks/stripe", handler.handleStripeWebhook)
	api.POST("/leads/waitlist", handler.handleWaitlist)
	api.POST("/leads/claim", handler.handleLeadClaim)

	cartRoutes := api.Group("/cart")
	cartRoutes.GET("", handler.handleCartGet)
	cartRoutes.POST("/items", handler.handleCartAdd)
	cartRoutes.PATCH("/items/:key", handler.handleCartUpdate)
	cartRoutes.DELETE("/items/:key", handler.handleCartRemove)
	cartRoutes.DELETE("", handler.handleCartClear)

	studio := api.Group("/studio")
	studio.Use(handler.authorizeRequest)
	studio.POST("/subscribe", handler.handleStudioSubscribe)
	studio.GET("/subscription", handler.handleStudioSubscription)

	return router, nil
}

type httpHandler struct {
	checkout          CheckoutService
	webhooks          WebhookHandler
	leads             LeadService
	carts             cart.StorageProvider
	orderEvents       OrderEventSource
	heartbeatInterval time.Duration
	sessions          SessionValidator
	memberships       MembershipStore
	membershipPlans   MembershipCheckout
	studio            StudioConfig
	cartCookie        CartCookieConfig
	logger            *zap.Logger
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimRight(strings.TrimSpace(origin), "/"); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", stripeSignatureHeader},
		MaxAge:       12 * time.Hour,
	}
	// Cookies cross origins only for an explicit allow list.
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(started)))
	}
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrMissingSessionToken) || errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Sign in required"})
		return
	}
	c.Set(sessionClaimsContextKey, claims)
	c.Next()
}

func sessionClaims(c *gin.Context) (auth.SessionClaims, bool) {
	value, ok := c.Get(sessionClaimsContextKey)
	if !ok {
		return auth.SessionClaims{}, false
	}
	claims, ok := value.(auth.SessionClaims)
	return claims, ok
}

func respondMessage(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"message": message})
}
