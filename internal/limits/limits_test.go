package limits

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_Table(t *testing.T) {
	tests := []struct {
		tier Tier
		want ResourceLimits
	}{
		{TierFree, ResourceLimits{MaxAgents: 1, MaxMessagesPerDay: 100, MaxStorageGB: 1, MemoryMB: 512, CPUCores: 0.25}},
		{TierStarter, ResourceLimits{MaxAgents: 3, MaxMessagesPerDay: 1000, MaxStorageGB: 5, MemoryMB: 1024, CPUCores: 0.5}},
		{TierProfessional, ResourceLimits{MaxAgents: 10, MaxMessagesPerDay: 10000, MaxStorageGB: 25, MemoryMB: 2048, CPUCores: 1, ChatFederation: true}},
		{TierEnterprise, ResourceLimits{MaxAgents: Unlimited, MaxMessagesPerDay: Unlimited, MaxStorageGB: 100, MemoryMB: 8192, CPUCores: 4, ChatFederation: true}},
	}

	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			got, err := Resolve(tt.tier)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve_UnknownTierFailsFast(t *testing.T) {
	for _, tier := range []Tier{"", "growth", "FREE", "platinum"} {
		_, err := Resolve(tier)
		require.Error(t, err, "tier %q", tier)
		assert.True(t, errors.Is(err, ErrConfiguration))

		var ce *ConfigurationError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, "tier", ce.Field)
	}
}

func TestEnterpriseUsesSentinelNotZero(t *testing.T) {
	l, err := Resolve(TierEnterprise)
	require.NoError(t, err)
	assert.True(t, IsUnlimited(l.MaxAgents))
	assert.True(t, IsUnlimited(l.MaxMessagesPerDay))
	assert.False(t, IsUnlimited(l.MaxStorageGB))
}

func TestNewPolicy_RejectsIncompleteTable(t *testing.T) {
	table := map[Tier]ResourceLimits{
		TierFree: defaultTable[TierFree],
	}
	_, err := NewPolicy(table)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestNewPolicy_RejectsZeroBound(t *testing.T) {
	table := map[Tier]ResourceLimits{}
	for k, v := range defaultTable {
		table[k] = v
	}
	bad := table[TierStarter]
	bad.MaxAgents = 0
	table[TierStarter] = bad

	_, err := NewPolicy(table)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "max_agents")
}

func TestNewPolicy_CopiesTable(t *testing.T) {
	table := map[Tier]ResourceLimits{}
	for k, v := range defaultTable {
		table[k] = v
	}
	p, err := NewPolicy(table)
	require.NoError(t, err)

	table[TierStarter] = ResourceLimits{MaxAgents: 99, MaxMessagesPerDay: 1, MaxStorageGB: 1, MemoryMB: 1, CPUCores: 1}

	got, err := p.Resolve(TierStarter)
	require.NoError(t, err)
	assert.Equal(t, 3, got.MaxAgents)
}

const policyYAML = `
free:
  max_agents: 1
  max_messages_per_day: 50
  max_storage_gb: 1
  memory_mb: 256
  cpu_cores: 0.1
starter:
  max_agents: 3
  max_messages_per_day: 1000
  max_storage_gb: 5
  memory_mb: 1024
  cpu_cores: 0.5
professional:
  max_agents: 20
  max_messages_per_day: 20000
  max_storage_gb: 50
  memory_mb: 4096
  cpu_cores: 2
enterprise:
  max_agents: -1
  max_messages_per_day: -1
  max_storage_gb: 500
  memory_mb: 16384
  cpu_cores: 8
`

func TestLoadPolicy_FromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.yaml")
	require.NoError(t, os.WriteFile(path, []byte(policyYAML), 0o600))

	p, err := LoadPolicy(path)
	require.NoError(t, err)

	free, err := p.Resolve(TierFree)
	require.NoError(t, err)
	assert.Equal(t, 50, free.MaxMessagesPerDay)
	assert.Equal(t, 0.1, free.CPUCores)

	ent, err := p.Resolve(TierEnterprise)
	require.NoError(t, err)
	assert.Equal(t, Unlimited, ent.MaxAgents)

	table := p.Table()
	require.Len(t, table, 4)
	assert.Equal(t, TierFree, table[0].Tier)
	assert.Equal(t, TierEnterprise, table[3].Tier)
}

func TestParsePolicy_RejectsUnknownFieldsAndTiers(t *testing.T) {
	_, err := ParsePolicy([]byte("free:\n  max_agentz: 1\n"))
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = ParsePolicy([]byte(policyYAML + "growth:\n  max_agents: 5\n  max_messages_per_day: 5\n  max_storage_gb: 5\n  memory_mb: 5\n  cpu_cores: 1\n"))
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestLoadPolicy_MissingFile(t *testing.T) {
	_, err := LoadPolicy(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestTierValid(t *testing.T) {
	for _, tier := range Tiers {
		assert.True(t, tier.Valid())
	}
	assert.False(t, Tier("growth").Valid())
}
