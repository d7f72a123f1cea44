package tenant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/mbd888/tenantfleet/internal/limits"
)

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"

	oneOpenSubscriptionIndex = "idx_subscriptions_one_open"
)

// PostgresStore persists accounts and subscriptions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed tenant store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `id, name, slug, status, delete_after, created_at, updated_at`

func (p *PostgresStore) CreateAccount(ctx context.Context, a *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (id, name, slug, status, delete_after, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.Name, a.Slug, string(a.Status), a.DeleteAfter, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return ErrSlugTaken
		}
		return err
	}
	return nil
}

func (p *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	return scanAccount(p.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (p *PostgresStore) GetAccountBySlug(ctx context.Context, slug string) (*Account, error) {
	return scanAccount(p.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE slug = $1`, slug))
}

func (p *PostgresStore) UpdateAccount(ctx context.Context, a *Account) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE accounts SET name = $1, status = $2, delete_after = $3, updated_at = $4
		WHERE id = $5`,
		a.Name, string(a.Status), a.DeleteAfter, a.UpdatedAt, a.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

const subscriptionColumns = `id, account_id, tier, status, limits, billing_ref, created_at, updated_at, cancelled_at`

func (p *PostgresStore) CreateSubscription(ctx context.Context, s *Subscription) error {
	limitsJSON, err := json.Marshal(s.Limits)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID, s.AccountID, string(s.Tier), string(s.Status), limitsJSON,
		nullString(s.BillingRef), s.CreatedAt, s.UpdatedAt, s.CancelledAt,
	)
	return mapSubscriptionErr(err)
}

func (p *PostgresStore) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	return scanSubscription(p.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
}

func (p *PostgresStore) GetSubscriptionByBillingRef(ctx context.Context, ref string) (*Subscription, error) {
	if ref == "" {
		return nil, ErrSubscriptionNotFound
	}
	return scanSubscription(p.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE billing_ref = $1`, ref))
}

func (p *PostgresStore) CurrentSubscription(ctx context.Context, accountID string) (*Subscription, error) {
	return scanSubscription(p.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE account_id = $1 AND status <> 'cancelled'`, accountID))
}

func (p *PostgresStore) UpdateSubscription(ctx context.Context, s *Subscription) error {
	limitsJSON, err := json.Marshal(s.Limits)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions SET tier = $1, status = $2, limits = $3, billing_ref = $4,
			updated_at = $5, cancelled_at = $6
		WHERE id = $7`,
		string(s.Tier), string(s.Status), limitsJSON, nullString(s.BillingRef),
		s.UpdatedAt, s.CancelledAt, s.ID,
	)
	if err != nil {
		return mapSubscriptionErr(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func mapSubscriptionErr(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == pqUniqueViolation && pqErr.Constraint == oneOpenSubscriptionIndex:
			return ErrActiveSubscriptionExists
		case pqErr.Code == pqForeignKeyViolation:
			return ErrAccountNotFound
		}
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	a := &Account{}
	var (
		status      string
		deleteAfter sql.NullTime
	)
	err := row.Scan(&a.ID, &a.Name, &a.Slug, &status, &deleteAfter, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Status = AccountStatus(status)
	if deleteAfter.Valid {
		t := deleteAfter.Time
		a.DeleteAfter = &t
	}
	return a, nil
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	s := &Subscription{}
	var (
		tier, status string
		limitsJSON   []byte
		billingRef   sql.NullString
		cancelledAt  sql.NullTime
	)
	err := row.Scan(&s.ID, &s.AccountID, &tier, &status, &limitsJSON, &billingRef,
		&s.CreatedAt, &s.UpdatedAt, &cancelledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Tier = limits.Tier(tier)
	s.Status = SubscriptionStatus(status)
	if len(limitsJSON) > 0 {
		if err := json.Unmarshal(limitsJSON, &s.Limits); err != nil {
			return nil, fmt.Errorf("tenant: decode limits for %s: %w", s.ID, err)
		}
	}
	if billingRef.Valid {
		s.BillingRef = billingRef.String
	}
	if cancelledAt.Valid {
		t := cancelledAt.Time
		s.CancelledAt = &t
	}
	return s, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
