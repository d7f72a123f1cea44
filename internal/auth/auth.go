// Package auth authenticates fleet operators.
//
// Health, metrics and the billing webhook take no API key (the webhook is
// signature-verified). Instance and tenant operations need an operator key.
// Issuing keys and the tenant admin routes need the admin secret.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/tenantfleet/internal/idgen"
)

var (
	ErrNoAPIKey      = errors.New("auth: API key required")
	ErrInvalidAPIKey = errors.New("auth: invalid or expired API key")
	ErrKeyNotFound   = errors.New("auth: API key not found")
	ErrNoOperator    = errors.New("auth: operator name required")
)

// KeyPrefix marks raw operator keys.
const KeyPrefix = "sk_"

// touchInterval bounds how often a busy key's last-used time is written.
const touchInterval = time.Minute

// APIKey is the stored form of an operator key. The raw key is only ever
// returned once, from GenerateKey.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`
	Operator  string     `json:"operator"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

func (k *APIKey) usable(now time.Time) bool {
	return !k.Revoked && (k.ExpiresAt == nil || now.Before(*k.ExpiresAt))
}

// Store persists API keys. Revocation is one-way.
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByOperator(ctx context.Context, operator string) ([]*APIKey, error)
	// Touch moves last_used forward to at. It never moves it back.
	Touch(ctx context.Context, id string, at time.Time) error
	Revoke(ctx context.Context, id string) error
}

// Manager issues and checks operator keys.
type Manager struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now, logger: slog.Default()}
}

// GenerateKey creates a key for operator. A positive ttl sets an expiry.
func (m *Manager) GenerateKey(ctx context.Context, operator, name string, ttl time.Duration) (string, *APIKey, error) {
	operator = normalizeOperator(operator)
	if operator == "" {
		return "", nil, ErrNoOperator
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, err
	}
	raw := KeyPrefix + hex.EncodeToString(secret)

	now := m.now()
	key := &APIKey{
		ID:        idgen.WithPrefix(idgen.PrefixAPIKey),
		Hash:      hashKey(raw),
		Operator:  operator,
		Name:      name,
		CreatedAt: now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		key.ExpiresAt = &exp
	}
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return raw, key, nil
}

// ValidateKey resolves an Authorization value ("Bearer sk_..." or a bare
// key) to its stored key.
func (m *Manager) ValidateKey(ctx context.Context, header string) (*APIKey, error) {
	raw, _ := strings.CutPrefix(strings.TrimSpace(header), "Bearer ")
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(raw, KeyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(raw))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	now := m.now()
	if !key.usable(now) {
		return nil, ErrInvalidAPIKey
	}

	if now.Sub(key.LastUsed) >= touchInterval {
		go m.touch(key.ID, now)
	}
	return key, nil
}

// touch runs off the request path so a slow store never delays auth.
func (m *Manager) touch(id string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.Touch(ctx, id, at); err != nil {
		m.logger.Debug("api key touch failed", "key_id", id, "error", err)
	}
}

// ListKeys returns operator's keys, newest first.
func (m *Manager) ListKeys(ctx context.Context, operator string) ([]*APIKey, error) {
	return m.store.GetByOperator(ctx, normalizeOperator(operator))
}

// RevokeKey revokes one of operator's live keys. Another operator's key,
// or one already revoked, reports ErrKeyNotFound.
func (m *Manager) RevokeKey(ctx context.Context, keyID, operator string) error {
	keys, err := m.store.GetByOperator(ctx, normalizeOperator(operator))
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID && !k.Revoked {
			return m.store.Revoke(ctx, k.ID)
		}
	}
	return ErrKeyNotFound
}

func normalizeOperator(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func hashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
