package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/MarcoPoloResearchLab/storefront/internal/payments"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *httpHandler) handleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookPayloadBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if len(payload) > maxWebhookPayloadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
		return
	}

	outcome, err := h.webhooks.Handle(c.Request.Context(), payload, c.GetHeader(stripeSignatureHeader))
	if err != nil {
		if errors.Is(err, payments.ErrInvalidSignature) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Webhook signature verification failed"})
			return
		}
		h.logger.Error("webhook processing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Webhook processing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "outcome": string(outcome)})
}
