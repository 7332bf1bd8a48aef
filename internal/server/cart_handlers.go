package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/storefront/internal/cart"
	"github.com/MarcoPoloResearchLab/storefront/internal/catalog"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultCartCookieName   = "cart_session"
	defaultCartCookieMaxAge = 7 * 24 * time.Hour
)

// CartCookieConfig controls the anonymous cart session cookie.
type CartCookieConfig struct {
	Name   string
	MaxAge time.Duration
	Secure bool
}

func (c CartCookieConfig) withDefaults() CartCookieConfig {
	if strings.TrimSpace(c.Name) == "" {
		c.Name = defaultCartCookieName
	}
	if c.MaxAge <= 0 {
		c.MaxAge = defaultCartCookieMaxAge
	}
	return c
}

type cartResponsePayload struct {
	Items           []cart.Item `json:"items"`
	DrawerOpen      bool        `json:"drawerOpen"`
	TotalItems      int         `json:"totalItems"`
	TotalPriceCents int64       `json:"totalPriceCents"`
}

type cartQuantityPayload struct {
	Quantity *int `json:"quantity"`
}

func newCartResponse(state cart.State) cartResponsePayload {
	return cartResponsePayload{
		Items:           state.Items,
		DrawerOpen:      state.DrawerOpen,
		TotalItems:      state.TotalItems(),
		TotalPriceCents: state.TotalPriceCents(),
	}
}

func (h *httpHandler) handleCartGet(c *gin.Context) {
	if _, ok := h.cartSession(c); !ok {
		c.JSON(http.StatusOK, newCartResponse(cart.State{Items: []cart.Item{}}))
		return
	}
	store := h.cartStore(c)
	c.JSON(http.StatusOK, newCartResponse(store.State()))
}

func (h *httpHandler) handleCartAdd(c *gin.Context) {
	var item cart.Item
	if err := c.ShouldBindJSON(&item); err != nil {
		respondMessage(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	source, err := catalog.ParseSource(string(item.Source))
	if err != nil || strings.TrimSpace(item.ProductID) == "" || item.UnitPriceCents < 0 {
		respondMessage(c, http.StatusBadRequest, "Invalid cart item")
		return
	}
	item.Source = source
	item.ProductID = strings.TrimSpace(item.ProductID)

	store := h.cartStore(c)
	c.JSON(http.StatusOK, newCartResponse(store.AddItem(c.Request.Context(), item)))
}

func (h *httpHandler) handleCartUpdate(c *gin.Context) {
	key, err := cart.ParseItemKey(c.Param("key"))
	if err != nil {
		respondMessage(c, http.StatusBadRequest, "Invalid cart item key")
		return
	}
	var request cartQuantityPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Quantity == nil {
		respondMessage(c, http.StatusBadRequest, "Quantity is required")
		return
	}
	store := h.cartStore(c)
	c.JSON(http.StatusOK, newCartResponse(store.UpdateQuantity(c.Request.Context(), key, *request.Quantity)))
}

func (h *httpHandler) handleCartRemove(c *gin.Context) {
	key, err := cart.ParseItemKey(c.Param("key"))
	if err != nil {
		respondMessage(c, http.StatusBadRequest, "Invalid cart item key")
		return
	}
	store := h.cartStore(c)
	c.JSON(http.StatusOK, newCartResponse(store.RemoveItem(c.Request.Context(), key)))
}

func (h *httpHandler) handleCartClear(c *gin.Context) {
	store := h.cartStore(c)
	c.JSON(http.StatusOK, newCartResponse(store.ClearCart(c.Request.Context())))
}

// cartSession returns the session id carried by a well-formed cart cookie.
func (h *httpHandler) cartSession(c *gin.Context) (string, bool) {
	cookie, err := c.Request.Cookie(h.cartCookie.Name)
	if err != nil {
		return "", false
	}
	parsed, err := uuid.Parse(cookie.Value)
	if err != nil {
		return "", false
	}
	return parsed.String(), true
}

// cartStore hydrates the cart for the caller's session, issuing a session cookie
// on first contact.
func (h *httpHandler) cartStore(c *gin.Context) *cart.Store {
	sessionID, ok := h.cartSession(c)
	if !ok {
		sessionID = uuid.NewString()
		http.SetCookie(c.Writer, &http.Cookie{
			Name:     h.cartCookie.Name,
			Value:    sessionID,
			Path:     "/",
			MaxAge:   int(h.cartCookie.MaxAge.Seconds()),
			HttpOnly: true,
			Secure:   h.cartCookie.Secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
	return cart.NewStore(c.Request.Context(), cart.StoreConfig{
		Storage: h.carts.StorageFor(sessionID),
		Logger:  h.logger,
	})
}
