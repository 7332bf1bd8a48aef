package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/storefront/internal/orders"
	"github.com/MarcoPoloResearchLab/storefront/internal/payments"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type studioSubscribeRequestPayload struct {
	Tier string `json:"tier"`
}

type studioSubscriptionPayload struct {
	Active            bool       `json:"active"`
	Tier              string     `json:"tier,omitempty"`
	Status            string     `json:"status,omitempty"`
	CurrentPeriodEnd  *time.Time `json:"currentPeriodEnd,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancelAtPeriodEnd"`
}

func (h *httpHandler) handleStudioSubscribe(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		respondMessage(c, http.StatusUnauthorized, "Sign in required")
		return
	}
	var request studioSubscribeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondMessage(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	tier := orders.SubscriptionTier(strings.ToLower(strings.TrimSpace(request.Tier)))
	var priceID string
	switch tier {
	case orders.TierMonthly:
		priceID = h.studio.MonthlyPriceID
	case orders.TierYearly:
		priceID = h.studio.YearlyPriceID
	default:
		respondMessage(c, http.StatusBadRequest, "Tier must be monthly or yearly")
		return
	}
	if strings.TrimSpace(priceID) == "" {
		respondMessage(c, http.StatusServiceUnavailable, "Studio subscriptions are not available")
		return
	}

	existing, err := h.memberships.EducationSubscriptionForUser(c.Request.Context(), claims.UserID)
	switch {
	case err == nil && existing.Active():
		respondMessage(c, http.StatusConflict, "You already have an active Studio membership")
		return
	case err != nil && !errors.Is(err, orders.ErrNotFound):
		h.logger.Error("studio membership lookup failed", zap.String("user_id", claims.UserID), zap.Error(err))
		respondMessage(c, http.StatusInternalServerError, genericFailureMessage)
		return
	}

	session, err := h.membershipPlans.CreateCheckoutSession(c.Request.Context(), payments.CheckoutSessionRequest{
		PriceID:    priceID,
		Email:      claims.UserEmail,
		UserID:     claims.UserID,
		SuccessURL: h.studio.SiteURL + "/studio?checkout=success",
		CancelURL:  h.studio.SiteURL + "/studio?checkout=cancelled",
		Metadata: map[string]string{
			payments.MetadataKeyProduct: payments.MetadataProductStudio,
			payments.MetadataKeyUserID:  claims.UserID,
			payments.MetadataKeyTier:    string(tier),
		},
	})
	if err != nil {
		h.logger.Error("studio checkout session failed", zap.String("user_id", claims.UserID), zap.Error(err))
		respondMessage(c, http.StatusInternalServerError, "Failed to start checkout")
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": session.ID, "url": session.URL})
}

func (h *httpHandler) handleStudioSubscription(c *gin.Context) {
	claims, ok := sessionClaims(c)
	if !ok {
		respondMessage(c, http.StatusUnauthorized, "Sign in required")
		return
	}
	membership, err := h.memberships.EducationSubscriptionForUser(c.Request.Context(), claims.UserID)
	if errors.Is(err, orders.ErrNotFound) {
		c.JSON(http.StatusOK, studioSubscriptionPayload{})
		return
	}
	if err != nil {
		h.logger.Error("studio membership lookup failed", zap.String("user_id", claims.UserID), zap.Error(err))
		respondMessage(c, http.StatusInternalServerError, genericFailureMessage)
		return
	}

	response := studioSubscriptionPayload{
		Active:            membership.Active(),
		Tier:              string(membership.Tier),
		Status:            membership.Status,
		CancelAtPeriodEnd: membership.CancelAtPeriodEnd,
	}
	if !membership.CurrentPeriodEnd.IsZero() {
		periodEnd := membership.CurrentPeriodEnd.UTC()
		response.CurrentPeriodEnd = &periodEnd
	}
	c.JSON(http.StatusOK, response)
}
