// Package limits maps subscription tiers to the resource envelope an
// instance is provisioned with.
package limits

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Unlimited marks a bound that is not enforced.
const Unlimited = -1

// ErrConfiguration is matched by every *ConfigurationError.
var ErrConfiguration = errors.New("configuration error")

// ConfigurationError reports bad static configuration or malformed input
// that must not be retried and must not create any partial state.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// Tier identifies the subscription pricing tier.
type Tier string

const (
	TierFree         Tier = "free"
	TierStarter      Tier = "starter"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// Tiers lists every known tier in ascending order.
var Tiers = []Tier{TierFree, TierStarter, TierProfessional, TierEnterprise}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	for _, known := range Tiers {
		if t == known {
			return true
		}
	}
	return false
}

// ResourceLimits is the resource envelope of an instance. Integer bounds
// use Unlimited (-1) rather than zero for "no bound".
type ResourceLimits struct {
	MaxAgents         int     `json:"maxAgents" yaml:"max_agents"`
	MaxMessagesPerDay int     `json:"maxMessagesPerDay" yaml:"max_messages_per_day"`
	MaxStorageGB      int     `json:"maxStorageGb" yaml:"max_storage_gb"`
	MemoryMB          int     `json:"memoryMb" yaml:"memory_mb"`
	CPUCores          float64 `json:"cpuCores" yaml:"cpu_cores"`
	// ChatFederation enables the optional chat-federation server.
	ChatFederation    bool    `json:"chatFederation" yaml:"chat_federation"`
}

// IsUnlimited reports whether the bound v is the Unlimited sentinel.
func IsUnlimited(v int) bool { return v == Unlimited }

// Validate checks every bound is Unlimited or positive.
func (l ResourceLimits) Validate() error {
	bounds := []struct {
		name string
		v    int
	}{
		{"max_agents", l.MaxAgents},
		{"max_messages_per_day", l.MaxMessagesPerDay},
		{"max_storage_gb", l.MaxStorageGB},
		{"memory_mb", l.MemoryMB},
	}
	for _, b := range bounds {
		if b.v != Unlimited && b.v <= 0 {
			return &ConfigurationError{Field: b.name, Reason: fmt.Sprintf("must be -1 or positive, got %d", b.v)}
		}
	}
	// Storage and memory are always bounded.
	if l.MaxStorageGB == Unlimited {
		return &ConfigurationError{Field: "max_storage_gb", Reason: "must be bounded"}
	}
	if l.MemoryMB == Unlimited {
		return &ConfigurationError{Field: "memory_mb", Reason: "must be bounded"}
	}
	if l.CPUCores <= 0 {
		return &ConfigurationError{Field: "cpu_cores", Reason: "must be positive"}
	}
	return nil
}

// Policy is a loaded tier table.
type Policy struct {
	table map[Tier]ResourceLimits
}

var defaultTable = map[Tier]ResourceLimits{
	TierFree: {
		MaxAgents:         1,
		MaxMessagesPerDay: 100,
		MaxStorageGB:      1,
		MemoryMB:          512,
		CPUCores:          0.25,
	},
	TierStarter: {
		MaxAgents:         3,
		MaxMessagesPerDay: 1000,
		MaxStorageGB:      5,
		MemoryMB:          1024,
		CPUCores:          0.5,
	},
	TierProfessional: {
		MaxAgents:         10,
		MaxMessagesPerDay: 10000,
		MaxStorageGB:      25,
		MemoryMB:          2048,
		CPUCores:          1,
		ChatFederation:    true,
	},
	TierEnterprise: {
		MaxAgents:         Unlimited,
		MaxMessagesPerDay: Unlimited,
		MaxStorageGB:      100,
		MemoryMB:          8192,
		CPUCores:          4,
		ChatFederation:    true,
	},
}

// DefaultPolicy returns the built-in tier table.
func DefaultPolicy() *Policy {
	p, err := NewPolicy(defaultTable)
	if err != nil {
		panic("limits: invalid built-in table: " + err.Error())
	}
	return p
}

// NewPolicy validates table and returns a Policy over a copy of it.
// Every known tier must be present and no unknown tier may appear.
func NewPolicy(table map[Tier]ResourceLimits) (*Policy, error) {
	cp := make(map[Tier]ResourceLimits, len(table))
	for tier, l := range table {
		if !tier.Valid() {
			return nil, &ConfigurationError{Field: "tier", Reason: fmt.Sprintf("unknown tier %q", tier)}
		}
		if err := l.Validate(); err != nil {
			return nil, fmt.Errorf("tier %s: %w", tier, err)
		}
		cp[tier] = l
	}
	for _, tier := range Tiers {
		if _, ok := cp[tier]; !ok {
			return nil, &ConfigurationError{Field: "tier", Reason: fmt.Sprintf("missing limits for tier %q", tier)}
		}
	}
	return &Policy{table: cp}, nil
}

// LoadPolicy reads a YAML tier table of the form
//
//	starter:
//	  max_agents: 3
//	  max_messages_per_day: 1000
//	  ...
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("limits: read %s: %w", path, err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a YAML tier table. Unknown fields are rejected.
func ParsePolicy(data []byte) (*Policy, error) {
	var raw map[Tier]ResourceLimits
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return nil, &ConfigurationError{Field: "limits", Reason: err.Error()}
	}
	return NewPolicy(raw)
}

// Resolve returns the limits for tier. Unknown tiers fail with a
// *ConfigurationError; there is no fallback tier.
func (p *Policy) Resolve(tier Tier) (ResourceLimits, error) {
	l, ok := p.table[tier]
	if !ok {
		return ResourceLimits{}, &ConfigurationError{Field: "tier", Reason: fmt.Sprintf("unknown tier %q", tier)}
	}
	return l, nil
}

// Table returns a copy of the tier table, ordered by tier.
func (p *Policy) Table() []TierLimits {
	out := make([]TierLimits, 0, len(p.table))
	for tier, l := range p.table {
		out = append(out, TierLimits{Tier: tier, Limits: l})
	}
	sort.Slice(out, func(i, j int) bool { return rank(out[i].Tier) < rank(out[j].Tier) })
	return out
}

// TierLimits pairs a tier with its limits.
type TierLimits struct {
	Tier   Tier           `json:"tier"`
	Limits ResourceLimits `json:"limits"`
}

func rank(t Tier) int {
	for i, known := range Tiers {
		if t == known {
			return i
		}
	}
	return len(Tiers)
}

// Resolve resolves tier against the built-in table.
func Resolve(tier Tier) (ResourceLimits, error) {
	return DefaultPolicy().Resolve(tier)
}
