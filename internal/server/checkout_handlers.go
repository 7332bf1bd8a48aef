package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/storefront/internal/checkout"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const genericFailureMessage = "Something went wrong, please try again"

type checkoutResponsePayload struct {
	IsFreeOrder     bool                     `json:"isFreeOrder"`
	ClientSecret    *string                  `json:"clientSecret"`
	PaymentIntentID *string                  `json:"paymentIntentId"`
	TotalCents      int64                    `json:"totalCents"`
	Items           []checkout.ValidatedItem `json:"items"`
}

type buyNowResponsePayload struct {
	ProductType     string `json:"productType"`
	ClientSecret    string `json:"clientSecret"`
	PaymentIntentID string `json:"paymentIntentId,omitempty"`
	SubscriptionID  string `json:"subscriptionId,omitempty"`
	AmountCents     int64  `json:"amountCents"`
	ProductName     string `json:"productName"`
}

type freeOrderResponsePayload struct {
	Items     []checkout.ValidatedItem `json:"items"`
	Delivered []string                 `json:"delivered"`
	Failed    []string                 `json:"failed"`
}

func (h *httpHandler) handleCheckout(c *gin.Context) {
	var request checkout.Request
	if err := c.ShouldBindJSON(&request); err != nil {
		respondMessage(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.checkout.Checkout(c.Request.Context(), request)
	if err != nil {
		h.respondCheckoutError(c, "checkout", err)
		return
	}

	response := checkoutResponsePayload{
		IsFreeOrder: result.IsFreeOrder,
		TotalCents:  result.TotalCents,
		Items:       nonNilItems(result.Items),
	}
	if !result.IsFreeOrder {
		response.ClientSecret = &result.ClientSecret
		response.PaymentIntentID = &result.PaymentIntentID
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleBuyNow(c *gin.Context) {
	var request checkout.BuyNowRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondMessage(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.checkout.BuyNow(c.Request.Context(), request)
	if err != nil {
		h.respondCheckoutError(c, "buy_now", err)
		return
	}

	c.JSON(http.StatusOK, buyNowResponsePayload{
		ProductType:     string(result.ProductType),
		ClientSecret:    result.ClientSecret,
		PaymentIntentID: result.PaymentIntentID,
		SubscriptionID:  result.SubscriptionID,
		AmountCents:     result.AmountCents,
		ProductName:     result.ProductName,
	})
}

func (h *httpHandler) handleFreeOrder(c *gin.Context) {
	var request checkout.Request
	if err := c.ShouldBindJSON(&request); err != nil {
		respondMessage(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.checkout.ClaimFreeOrder(c.Request.Context(), request)
	if err != nil {
		h.respondCheckoutError(c, "free_order", err)
		return
	}

	c.JSON(http.StatusOK, freeOrderResponsePayload{
		Items:     nonNilItems(result.Items),
		Delivered: nonNilStrings(result.DeliveredSlugs),
		Failed:    nonNilStrings(result.FailedSlugs),
	})
}

func (h *httpHandler) respondCheckoutError(c *gin.Context, flow string, err error) {
	var checkoutErr *checkout.Error
	if !errors.As(err, &checkoutErr) {
		h.logger.Error("checkout flow failed", zap.String("flow", flow), zap.Error(err))
		respondMessage(c, http.StatusInternalServerError, genericFailureMessage)
		return
	}
	switch checkoutErr.Kind {
	case checkout.KindValidation:
		respondMessage(c, http.StatusBadRequest, checkoutErr.Message)
	case checkout.KindNotFound:
		respondMessage(c, http.StatusNotFound, checkoutErr.Message)
	default:
		h.logger.Error("checkout flow failed",
			zap.String("flow", flow),
			zap.String("kind", checkoutErr.Kind.String()),
			zap.Error(err))
		respondMessage(c, http.StatusInternalServerError, checkoutErr.Message)
	}
}

func nonNilItems(items []checkout.ValidatedItem) []checkout.ValidatedItem {
	if items == nil {
		return []checkout.ValidatedItem{}
	}
	return items
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
