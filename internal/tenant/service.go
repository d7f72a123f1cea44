package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/tenantfleet/internal/idgen"
	"github.com/mbd888/tenantfleet/internal/limits"
	"github.com/mbd888/tenantfleet/internal/naming"
)

// DefaultDeleteGrace is how long a deleted account is retained.
const DefaultDeleteGrace = 30 * 24 * time.Hour

// CancelHook is invoked after a subscription reaches the cancelled status.
type CancelHook func(ctx context.Context, sub *Subscription)

// Service implements account and subscription operations on top of a Store.
type Service struct {
	store       Store
	policy      *limits.Policy
	deleteGrace time.Duration
	onCancel    CancelHook
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithDeleteGrace overrides DefaultDeleteGrace.
func WithDeleteGrace(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.deleteGrace = d
		}
	}
}

// WithCancelHook registers fn to run after a subscription is cancelled.
func WithCancelHook(fn CancelHook) Option {
	return func(s *Service) { s.onCancel = fn }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a tenant service. A nil policy uses limits.DefaultPolicy.
func NewService(store Store, policy *limits.Policy, opts ...Option) *Service {
	if policy == nil {
		policy = limits.DefaultPolicy()
	}
	s := &Service{
		store:       store,
		policy:      policy,
		deleteGrace: DefaultDeleteGrace,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// CreateAccount registers a new active account. An empty slug is derived
// from the name.
func (s *Service) CreateAccount(ctx context.Context, name, slug string) (*Account, error) {
	if slug == "" {
		slug = naming.Slug(name)
	}
	if name == "" || slug == "" || slug != naming.Slug(slug) {
		return nil, &limits.ConfigurationError{Field: "slug", Reason: fmt.Sprintf("%q is not a valid slug", slug)}
	}
	now := s.now().UTC()
	a := &Account{
		ID:        idgen.WithPrefix(idgen.PrefixAccount),
		Name:      name,
		Slug:      slug,
		Status:    AccountActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateAccount(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// GetAccount returns an account by id.
func (s *Service) GetAccount(ctx context.Context, id string) (*Account, error) {
	return s.store.GetAccount(ctx, id)
}

// DeleteAccount soft-deletes an account: it is marked deleted, retained until
// the grace period ends, and its open subscription is cancelled.
func (s *Service) DeleteAccount(ctx context.Context, id string) (*Account, error) {
	a, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status == AccountDeleted {
		return a, nil
	}

	now := s.now().UTC()
	deleteAfter := now.Add(s.deleteGrace)
	a.Status = AccountDeleted
	a.DeleteAfter = &deleteAfter
	a.UpdatedAt = now
	if err := s.store.UpdateAccount(ctx, a); err != nil {
		return nil, err
	}

	sub, err := s.store.CurrentSubscription(ctx, id)
	if err == ErrSubscriptionNotFound {
		return a, nil
	}
	if err != nil {
		return nil, err
	}
	if _, err := s.SetStatus(ctx, sub.ID, SubscriptionCancelled); err != nil {
		return nil, fmt.Errorf("tenant: cancel subscription %s: %w", sub.ID, err)
	}
	return a, nil
}

// Subscribe opens a subscription for an account at the given tier. The
// tier's limits are resolved and stored with the subscription.
func (s *Service) Subscribe(ctx context.Context, accountID string, tier limits.Tier, status SubscriptionStatus, billingRef string) (*Subscription, error) {
	if status == "" {
		status = SubscriptionActive
	}
	if !status.Provisionable() {
		return nil, fmt.Errorf("%w: cannot open a subscription as %s", ErrInvalidStatusTransition, status)
	}
	resolved, err := s.policy.Resolve(tier)
	if err != nil {
		return nil, err
	}
	a, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if a.Status != AccountActive {
		return nil, ErrAccountNotActive
	}

	now := s.now().UTC()
	sub := &Subscription{
		ID:         idgen.WithPrefix(idgen.PrefixSubscription),
		AccountID:  accountID,
		Tier:       tier,
		Status:     status,
		Limits:     resolved,
		BillingRef: billingRef,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// GetSubscription returns a subscription by id.
func (s *Service) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	return s.store.GetSubscription(ctx, id)
}

// GetSubscriptionByBillingRef looks a subscription up by its billing
// provider reference.
func (s *Service) GetSubscriptionByBillingRef(ctx context.Context, ref string) (*Subscription, error) {
	if ref == "" {
		return nil, ErrSubscriptionNotFound
	}
	return s.store.GetSubscriptionByBillingRef(ctx, ref)
}

// ChangeTier moves a subscription to another tier and re-resolves its
// limits. Running instances keep the limits they were provisioned with.
func (s *Service) ChangeTier(ctx context.Context, id string, tier limits.Tier) (*Subscription, error) {
	resolved, err := s.policy.Resolve(tier)
	if err != nil {
		return nil, err
	}
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status.Terminal() {
		return nil, fmt.Errorf("%w: subscription is %s", ErrInvalidStatusTransition, sub.Status)
	}
	sub.Tier = tier
	sub.Limits = resolved
	sub.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// SetStatus applies a billing status change. Transitions outside the
// allow-list fail with ErrInvalidStatusTransition.
func (s *Service) SetStatus(ctx context.Context, id string, status SubscriptionStatus) (*Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status == status {
		return sub, nil
	}
	if !CanTransition(sub.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, sub.Status, status)
	}

	now := s.now().UTC()
	sub.Status = status
	sub.UpdatedAt = now
	if status == SubscriptionCancelled {
		sub.CancelledAt = &now
	}
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	s.logger.Info("subscription status changed", "subscription_id", sub.ID, "status", status)

	if status == SubscriptionCancelled && s.onCancel != nil {
		s.onCancel(ctx, sub)
	}
	return sub, nil
}
