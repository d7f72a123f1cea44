package naming

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/mbd888/tenantfleet/internal/limits"
)

func newAllocator(t *testing.T) *Allocator {
	t.Helper()
	a, err := NewAllocator("tenants.example.com")
	require.NoError(t, err)
	return a
}

func TestAllocate_Deterministic(t *testing.T) {
	a := newAllocator(t)

	first, err := a.Allocate("acct_7f3a9c", "inst-1")
	require.NoError(t, err)
	again, err := a.Allocate("acct_7f3a9c", "inst-1")
	require.NoError(t, err)

	assert.Equal(t, first, again)
	assert.True(t, strings.HasPrefix(first.AppName, "acct-7f3a9c-"))
	assert.Equal(t, first.AppName+".tenants.example.com", first.Subdomain)
	assert.Equal(t, first.AppName+"-db", first.DBServiceName)
	assert.Equal(t, first.AppName+"-cache", first.CacheServiceName)
	assert.Equal(t, "inst-1", first.Seed)
}

func TestAllocate_SeedAndTenantChangeNames(t *testing.T) {
	a := newAllocator(t)

	base, err := a.Allocate("acct_1", "seed-a")
	require.NoError(t, err)
	otherSeed, err := a.Allocate("acct_1", "seed-b")
	require.NoError(t, err)
	otherTenant, err := a.Allocate("acct_2", "seed-a")
	require.NoError(t, err)

	assert.NotEqual(t, base.AppName, otherSeed.AppName)
	assert.NotEqual(t, base.AppName, otherTenant.AppName)
}

func TestAllocate_SlugCollisionStillUnique(t *testing.T) {
	a := newAllocator(t)

	// Both normalise to "acme-corp" but are different tenants.
	x, err := a.Allocate("Acme Corp", "s")
	require.NoError(t, err)
	y, err := a.Allocate("acme_corp", "s")
	require.NoError(t, err)

	assert.NotEqual(t, x.AppName, y.AppName)
}

func TestAllocate_PlatformLegalNames(t *testing.T) {
	a := newAllocator(t)
	inputs := []string{
		"acct_123",
		"UPPER_case-Tenant",
		"123-starts-with-digit",
		"dots.and spaces/and~symbols",
		strings.Repeat("very-long-tenant-name-", 10),
		"ünïcødé-tenant",
	}

	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			id, err := a.Allocate(in, "seed")
			require.NoError(t, err)

			for _, name := range []string{id.AppName, id.DBServiceName, id.CacheServiceName, "chat-" + id.AppName} {
				assert.Empty(t, validation.IsDNS1035Label(name), name)
				assert.LessOrEqual(t, len(name), 63)
			}
			assert.Empty(t, validation.IsDNS1123Subdomain(id.Subdomain))
		})
	}
}

func TestAllocate_MalformedTenant(t *testing.T) {
	a := newAllocator(t)
	for _, in := range []string{"", "   ", "___", "!!!"} {
		_, err := a.Allocate(in, "seed")
		assert.ErrorIs(t, err, limits.ErrConfiguration, "input %q", in)
	}
}

func TestNewAllocator_RejectsBadDomain(t *testing.T) {
	_, err := NewAllocator("not a domain")
	assert.ErrorIs(t, err, limits.ErrConfiguration)

	a, err := NewAllocator("Tenants.Example.com.")
	require.NoError(t, err)
	assert.Equal(t, "tenants.example.com", a.BaseDomain())
}

func TestIdentityURLs(t *testing.T) {
	id := Identity{AppName: "acme-1234abcd", Subdomain: "acme-1234abcd.example.com"}

	u := id.URLs(false)
	assert.Equal(t, "https://acme-1234abcd.example.com", u.Frontend)
	assert.Equal(t, "https://api-acme-1234abcd.example.com", u.Backend)
	assert.Empty(t, u.Chat)

	u = id.URLs(true)
	assert.Equal(t, "https://chat-acme-1234abcd.example.com", u.Chat)

	assert.Equal(t, []string{
		"acme-1234abcd.example.com",
		"api-acme-1234abcd.example.com",
		"chat-acme-1234abcd.example.com",
	}, id.Hosts(true))
}

func TestSlug(t *testing.T) {
	tests := []struct{ in, want string }{
		{"acct_abc", "acct-abc"},
		{"--Trim--Me--", "trim-me"},
		{"9lives", "t-9lives"},
		{"a..b", "a-b"},
		{"%%%", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slug(tt.in), tt.in)
	}
	assert.LessOrEqual(t, len(Slug(strings.Repeat("x", 100))), maxSlug)
}
