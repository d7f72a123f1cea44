package tenant

import "context"

// Store persists accounts and subscriptions.
type Store interface {
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	GetAccountBySlug(ctx context.Context, slug string) (*Account, error)
	UpdateAccount(ctx context.Context, a *Account) error

	// CreateSubscription fails with ErrActiveSubscriptionExists when the
	// account already holds a subscription that is not cancelled.
	CreateSubscription(ctx context.Context, s *Subscription) error
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	GetSubscriptionByBillingRef(ctx context.Context, ref string) (*Subscription, error)
	// CurrentSubscription returns the account's non-cancelled subscription.
	CurrentSubscription(ctx context.Context, accountID string) (*Subscription, error)
	UpdateSubscription(ctx context.Context, s *Subscription) error
}
