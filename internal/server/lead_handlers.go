package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/storefront/internal/fulfillment"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type waitlistRequestPayload struct {
	Email  string `json:"email"`
	Name   string `json:"name"`
	Source string `json:"source"`
}

type claimRequestPayload struct {
	Email       string `json:"email"`
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	ProductName string `json:"productName"`
}

type claimResponsePayload struct {
	Success   bool `json:"success"`
	Delivered bool `json:"delivered"`
}

func (h *httpHandler) handleWaitlist(c *gin.Context) {
	var request waitlistRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondMessage(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if _, err := h.leads.JoinWaitlist(c.Request.Context(), request.Email, request.Name, request.Source); err != nil {
		h.respondLeadError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *httpHandler) handleLeadClaim(c *gin.Context) {
	var request claimRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondMessage(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	result, err := h.leads.ClaimLeadMagnet(c.Request.Context(), fulfillment.ClaimRequest{
		Email:       request.Email,
		Name:        request.Name,
		Slug:        request.Slug,
		ProductName: request.ProductName,
	})
	if err != nil {
		h.respondLeadError(c, err)
		return
	}
	c.JSON(http.StatusOK, claimResponsePayload{Success: true, Delivered: result.Delivered})
}

func (h *httpHandler) respondLeadError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, fulfillment.ErrInvalidRequest):
		respondMessage(c, http.StatusBadRequest, "A valid email address is required")
	case errors.Is(err, fulfillment.ErrNotConfigured):
		respondMessage(c, http.StatusNotFound, "This product is not available")
	case errors.Is(err, fulfillment.ErrNotFree):
		respondMessage(c, http.StatusBadRequest, "This product must be purchased")
	default:
		h.logger.Error("lead capture failed", zap.Error(err))
		respondMessage(c, http.StatusInternalServerError, genericFailureMessage)
	}
}
