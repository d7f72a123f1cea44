// Package billing keeps subscriptions in step with the billing provider.
//
// Stripe posts subscription lifecycle events to the webhook endpoint; each
// verified event is mapped onto a tier change and a subscription status
// change. Cancellation flows through tenant.Service, whose cancel hook
// deprovisions the instance.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/tenantfleet/internal/limits"
	"github.com/mbd888/tenantfleet/internal/metrics"
	"github.com/mbd888/tenantfleet/internal/tenant"
)

// maxBodyBytes bounds the webhook payload read.
const maxBodyBytes = 64 * 1024

// SignatureHeader carries the Stripe signature of a webhook payload.
const SignatureHeader = "Stripe-Signature"

// Event types handled by the webhook.
const (
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventSubscriptionPaused  = "customer.subscription.paused"
	EventSubscriptionResumed = "customer.subscription.resumed"
)

// Results reported per event.
const (
	ResultApplied   = "applied"
	ResultIgnored   = "ignored"
	ResultUnknown   = "unknown_subscription"
	ResultRejected  = "rejected_transition"
	ResultError     = "error"
	ResultInvalid   = "invalid_signature"
	ResultMalformed = "malformed"
)

// Subscriptions is the slice of tenant.Service the webhook drives.
type Subscriptions interface {
	GetSubscriptionByBillingRef(ctx context.Context, ref string) (*tenant.Subscription, error)
	ChangeTier(ctx context.Context, id string, tier limits.Tier) (*tenant.Subscription, error)
	SetStatus(ctx context.Context, id string, status tenant.SubscriptionStatus) (*tenant.Subscription, error)
}

var _ Subscriptions = (*tenant.Service)(nil)

// Handler receives billing provider webhooks.
type Handler struct {
	subs   Subscriptions
	secret string
	logger *slog.Logger
}

// NewHandler creates a webhook handler verifying payloads against secret.
func NewHandler(subs Subscriptions, secret string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{subs: subs, secret: secret, logger: logger}
}

// RegisterRoutes sets up the public webhook route. Requests are
// authenticated by signature, not by API key.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/billing/webhook", h.Webhook)
}

// Webhook handles POST /v1/billing/webhook
func (h *Handler) Webhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil || len(payload) > maxBodyBytes {
		metrics.BillingEventsTotal.WithLabelValues("", ResultMalformed).Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unreadable or oversized payload"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, c.GetHeader(SignatureHeader), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		metrics.BillingEventsTotal.WithLabelValues("", ResultInvalid).Inc()
		h.logger.Warn("billing webhook rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "signature verification failed"})
		return
	}

	result, err := h.Apply(c.Request.Context(), event)
	metrics.BillingEventsTotal.WithLabelValues(string(event.Type), result).Inc()
	if err != nil {
		h.logger.Error("billing event failed", "event_id", event.ID, "type", event.Type, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "event not applied"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "result": result})
}

// Apply maps one verified event onto the subscription it references. Events
// that cannot ever apply are acknowledged with a non-applied result so the
// provider stops redelivering them; only store failures return an error.
func (h *Handler) Apply(ctx context.Context, event stripe.Event) (string, error) {
	switch event.Type {
	case EventSubscriptionUpdated, EventSubscriptionDeleted,
		EventSubscriptionPaused, EventSubscriptionResumed:
	default:
		return ResultIgnored, nil
	}
	if event.Data == nil {
		return ResultMalformed, nil
	}

	var obj stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &obj); err != nil || obj.ID == "" {
		h.logger.Warn("billing event has no subscription object", "event_id", event.ID)
		return ResultMalformed, nil
	}

	status, ok := targetStatus(string(event.Type), obj.Status)
	if !ok {
		return ResultIgnored, nil
	}

	sub, err := h.subs.GetSubscriptionByBillingRef(ctx, obj.ID)
	if errors.Is(err, tenant.ErrSubscriptionNotFound) {
		h.logger.Warn("billing event for unknown subscription", "billing_ref", obj.ID, "type", event.Type)
		return ResultUnknown, nil
	}
	if err != nil {
		return ResultError, fmt.Errorf("billing: lookup %s: %w", obj.ID, err)
	}

	if tier, ok := priceTier(&obj); ok && tier != sub.Tier && status != tenant.SubscriptionCancelled {
		if _, err := h.subs.ChangeTier(ctx, sub.ID, tier); err != nil {
			if errors.Is(err, tenant.ErrInvalidStatusTransition) {
				return ResultRejected, nil
			}
			return ResultError, fmt.Errorf("billing: change tier of %s: %w", sub.ID, err)
		}
		h.logger.Info("subscription tier changed", "subscription_id", sub.ID, "tier", tier)
	}

	if _, err := h.subs.SetStatus(ctx, sub.ID, status); err != nil {
		if errors.Is(err, tenant.ErrInvalidStatusTransition) {
			h.logger.Warn("billing status change rejected", "subscription_id", sub.ID, "status", status, "error", err)
			return ResultRejected, nil
		}
		return ResultError, fmt.Errorf("billing: set status of %s: %w", sub.ID, err)
	}
	return ResultApplied, nil
}

// targetStatus decides the subscription status an event implies. Deletion
// always cancels; otherwise the provider status is mapped.
func targetStatus(eventType string, s stripe.SubscriptionStatus) (tenant.SubscriptionStatus, bool) {
	switch eventType {
	case EventSubscriptionDeleted:
		return tenant.SubscriptionCancelled, true
	case EventSubscriptionPaused:
		return tenant.SubscriptionPaused, true
	}
	return MapStatus(s)
}

// MapStatus converts a Stripe subscription status. Incomplete subscriptions
// have not been paid for yet and map to nothing.
func MapStatus(s stripe.SubscriptionStatus) (tenant.SubscriptionStatus, bool) {
	switch s {
	case stripe.SubscriptionStatusActive:
		return tenant.SubscriptionActive, true
	case stripe.SubscriptionStatusTrialing:
		return tenant.SubscriptionTrialing, true
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return tenant.SubscriptionPastDue, true
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return tenant.SubscriptionCancelled, true
	case stripe.SubscriptionStatusPaused:
		return tenant.SubscriptionPaused, true
	}
	return "", false
}

// priceTier reads the tier from the first item's price lookup key.
func priceTier(s *stripe.Subscription) (limits.Tier, bool) {
	if s.Items == nil || len(s.Items.Data) == 0 {
		return "", false
	}
	item := s.Items.Data[0]
	if item == nil || item.Price == nil {
		return "", false
	}
	tier := limits.Tier(item.Price.LookupKey)
	return tier, tier.Valid()
}
