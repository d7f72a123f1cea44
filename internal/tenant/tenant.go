// Package tenant manages tenant accounts and their subscriptions.
//
// A subscription carries the tier and the resource limits resolved for it.
// Instances are provisioned against a subscription, never directly against an
// account.
package tenant

import (
	"errors"
	"time"

	"github.com/mbd888/tenantfleet/internal/limits"
)

// Errors
var (
	ErrAccountNotFound          = errors.New("tenant: account not found")
	ErrSlugTaken                = errors.New("tenant: slug already taken")
	ErrAccountNotActive         = errors.New("tenant: account not active")
	ErrSubscriptionNotFound     = errors.New("tenant: subscription not found")
	ErrActiveSubscriptionExists = errors.New("tenant: account already has an active subscription")
	ErrInvalidStatusTransition  = errors.New("tenant: invalid subscription status transition")
)

// AccountStatus represents an account's lifecycle state.
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
	AccountDeleted   AccountStatus = "deleted"
)

// Account represents an organisation using the platform.
type Account struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Slug        string        `json:"slug"`
	Status      AccountStatus `json:"status"`
	DeleteAfter *time.Time    `json:"deleteAfter,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// SubscriptionStatus mirrors the billing state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionTrialing  SubscriptionStatus = "trialing"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionPastDue   SubscriptionStatus = "past_due"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionPaused    SubscriptionStatus = "paused"
)

// Valid reports whether s is a known status.
func (s SubscriptionStatus) Valid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// Terminal reports whether no further transitions are allowed.
func (s SubscriptionStatus) Terminal() bool {
	return s == SubscriptionCancelled
}

// Provisionable reports whether instances may be provisioned under s.
func (s SubscriptionStatus) Provisionable() bool {
	return s == SubscriptionTrialing || s == SubscriptionActive
}

var statusTransitions = map[SubscriptionStatus][]SubscriptionStatus{
	SubscriptionTrialing:  {SubscriptionActive, SubscriptionPastDue, SubscriptionCancelled, SubscriptionPaused},
	SubscriptionActive:    {SubscriptionPastDue, SubscriptionCancelled, SubscriptionPaused},
	SubscriptionPastDue:   {SubscriptionActive, SubscriptionCancelled, SubscriptionPaused},
	SubscriptionPaused:    {SubscriptionActive, SubscriptionCancelled},
	SubscriptionCancelled: nil,
}

// CanTransition reports whether a subscription may move from one status to
// another. Staying in the same status is always allowed.
func CanTransition(from, to SubscriptionStatus) bool {
	if from == to {
		return from.Valid()
	}
	for _, s := range statusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Subscription binds an account to a tier.
type Subscription struct {
	ID          string                `json:"id"`
	AccountID   string                `json:"accountId"`
	Tier        limits.Tier           `json:"tier"`
	Status      SubscriptionStatus    `json:"status"`
	Limits      limits.ResourceLimits `json:"limits"`
	BillingRef  string                `json:"billingRef,omitempty"`
	CreatedAt   time.Time             `json:"createdAt"`
	UpdatedAt   time.Time             `json:"updatedAt"`
	CancelledAt *time.Time            `json:"cancelledAt,omitempty"`
}
