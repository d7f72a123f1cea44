package tenant

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tenantfleet/internal/idgen"
	"github.com/mbd888/tenantfleet/internal/limits"
	"github.com/mbd888/tenantfleet/internal/validation"
)

// Handler provides HTTP endpoints for accounts and subscriptions.
type Handler struct {
	svc *Service
}

// NewHandler creates a new tenant handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterAdminRoutes sets up operator-only tenant routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/accounts", h.CreateAccount)

	account := r.Group("/accounts/:id", validation.PrefixedParam("id", idgen.PrefixAccount))
	account.GET("", h.GetAccount)
	account.DELETE("", h.DeleteAccount)
	account.POST("/subscriptions", h.CreateSubscription)

	sub := r.Group("/subscriptions/:id", validation.PrefixedParam("id", idgen.PrefixSubscription))
	sub.GET("", h.GetSubscription)
	sub.PATCH("/tier", h.ChangeTier)
	sub.PATCH("/status", h.SetStatus)
}

var subscriptionStatuses = []SubscriptionStatus{
	SubscriptionTrialing,
	SubscriptionActive,
	SubscriptionPastDue,
	SubscriptionCancelled,
	SubscriptionPaused,
}

// CreateAccount handles POST /v1/accounts
func (h *Handler) CreateAccount(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
		Slug string `json:"slug"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid request body"})
		return
	}
	if validation.Abort(c, validation.Check(
		validation.Required("name", req.Name),
		validation.MaxLength("name", req.Name, 200),
		validation.MaxLength("slug", req.Slug, 63),
	)) {
		return
	}

	a, err := h.svc.CreateAccount(c.Request.Context(),
		validation.Clean(req.Name, 200), validation.Clean(req.Slug, 63))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"account": a})
}

// GetAccount handles GET /v1/accounts/:id
func (h *Handler) GetAccount(c *gin.Context) {
	ctx := c.Request.Context()
	a, err := h.svc.GetAccount(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	resp := gin.H{"account": a}
	if sub, err := h.svc.Store().CurrentSubscription(ctx, a.ID); err == nil {
		resp["subscription"] = sub
	}
	c.JSON(http.StatusOK, resp)
}

// DeleteAccount handles DELETE /v1/accounts/:id
func (h *Handler) DeleteAccount(c *gin.Context) {
	a, err := h.svc.DeleteAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"account": a})
}

// CreateSubscription handles POST /v1/accounts/:id/subscriptions
func (h *Handler) CreateSubscription(c *gin.Context) {
	var req struct {
		Tier       limits.Tier        `json:"tier" binding:"required"`
		Status     SubscriptionStatus `json:"status"`
		BillingRef string             `json:"billingRef"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "tier is required"})
		return
	}
	if validation.Abort(c, validation.Check(
		validation.OneOf("status", req.Status, subscriptionStatuses...),
		validation.MaxLength("billingRef", req.BillingRef, 255),
	)) {
		return
	}

	sub, err := h.svc.Subscribe(c.Request.Context(), c.Param("id"), req.Tier, req.Status,
		validation.Clean(req.BillingRef, 255))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"subscription": sub})
}

// GetSubscription handles GET /v1/subscriptions/:id
func (h *Handler) GetSubscription(c *gin.Context) {
	sub, err := h.svc.GetSubscription(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

// ChangeTier handles PATCH /v1/subscriptions/:id/tier
func (h *Handler) ChangeTier(c *gin.Context) {
	var req struct {
		Tier limits.Tier `json:"tier" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "tier is required"})
		return
	}

	sub, err := h.svc.ChangeTier(c.Request.Context(), c.Param("id"), req.Tier)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

// SetStatus handles PATCH /v1/subscriptions/:id/status
func (h *Handler) SetStatus(c *gin.Context) {
	var req struct {
		Status SubscriptionStatus `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "status is required"})
		return
	}
	if validation.Abort(c, validation.Check(validation.OneOf("status", req.Status, subscriptionStatuses...))) {
		return
	}

	sub, err := h.svc.SetStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found", "message": "account not found"})
	case errors.Is(err, ErrSubscriptionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription_not_found", "message": "subscription not found"})
	case errors.Is(err, ErrSlugTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "slug_taken", "message": "slug already taken"})
	case errors.Is(err, ErrActiveSubscriptionExists):
		c.JSON(http.StatusConflict, gin.H{"error": "active_subscription_exists", "message": "account already has an open subscription"})
	case errors.Is(err, ErrInvalidStatusTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	case errors.Is(err, ErrAccountNotActive):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "account_inactive", "message": "account is not active"})
	case errors.Is(err, limits.ErrConfiguration):
		c.JSON(http.StatusBadRequest, gin.H{"error": "configuration_error", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
	}
}
