// Package naming derives platform-legal, deterministic resource names for
// tenant instances.
package naming

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/mbd888/tenantfleet/internal/limits"
)

const (
	hashLen = 8
	// maxSlug keeps "chat-<slug>-<hash>-cache" inside one 63-char DNS label.
	maxSlug = 40
)

// Identity is the set of platform names owned by one instance.
type Identity struct {
	AppName          string `json:"appName"`
	Subdomain        string `json:"subdomain"`
	DBServiceName    string `json:"dbServiceName"`
	CacheServiceName string `json:"cacheServiceName"`
	Seed             string `json:"seed"`
}

// URLs are the public endpoints derived from an Identity.
type URLs struct {
	Frontend string `json:"frontendUrl"`
	Backend  string `json:"backendUrl"`
	Chat     string `json:"chatUrl,omitempty"`
}

// Hosts returns every hostname the instance answers on, frontend first.
func (id Identity) Hosts(withChat bool) []string {
	hosts := []string{id.Subdomain, "api-" + id.Subdomain}
	if withChat {
		hosts = append(hosts, "chat-"+id.Subdomain)
	}
	return hosts
}

// URLs returns the public URLs for the identity.
func (id Identity) URLs(withChat bool) URLs {
	u := URLs{
		Frontend: "https://" + id.Subdomain,
		Backend:  "https://api-" + id.Subdomain,
	}
	if withChat {
		u.Chat = "https://chat-" + id.Subdomain
	}
	return u
}

// Allocator derives identities under a base domain.
type Allocator struct {
	baseDomain string
}

// NewAllocator returns an Allocator for baseDomain, which must be a valid
// DNS subdomain.
func NewAllocator(baseDomain string) (*Allocator, error) {
	baseDomain = strings.ToLower(strings.TrimSuffix(baseDomain, "."))
	if errs := validation.IsDNS1123Subdomain(baseDomain); len(errs) > 0 {
		return nil, &limits.ConfigurationError{Field: "base_domain", Reason: strings.Join(errs, "; ")}
	}
	return &Allocator{baseDomain: baseDomain}, nil
}

// BaseDomain returns the domain subdomains are allocated under.
func (a *Allocator) BaseDomain() string { return a.baseDomain }

// Allocate derives the identity for (tenantID, seed). The same pair always
// yields the same names, so a retried provision reuses what an earlier
// attempt may already have created.
func (a *Allocator) Allocate(tenantID, seed string) (Identity, error) {
	if strings.TrimSpace(tenantID) == "" {
		return Identity{}, &limits.ConfigurationError{Field: "tenant_id", Reason: "must not be empty"}
	}
	slug := Slug(tenantID)
	if slug == "" {
		return Identity{}, &limits.ConfigurationError{Field: "tenant_id", Reason: fmt.Sprintf("%q has no usable characters", tenantID)}
	}

	sum := sha256.Sum256([]byte(tenantID + "/" + seed))
	app := slug + "-" + hex.EncodeToString(sum[:])[:hashLen]

	id := Identity{
		AppName:          app,
		Subdomain:        app + "." + a.baseDomain,
		DBServiceName:    app + "-db",
		CacheServiceName: app + "-cache",
		Seed:             seed,
	}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// Validate checks that every name is legal on the platform.
func (id Identity) Validate() error {
	for field, name := range map[string]string{
		"app_name":           id.AppName,
		"db_service_name":    id.DBServiceName,
		"cache_service_name": id.CacheServiceName,
		"chat_label":         "chat-" + id.AppName,
	} {
		if errs := validation.IsDNS1035Label(name); len(errs) > 0 {
			return &limits.ConfigurationError{Field: field, Reason: strings.Join(errs, "; ")}
		}
	}
	if errs := validation.IsDNS1123Subdomain(id.Subdomain); len(errs) > 0 {
		return &limits.ConfigurationError{Field: "subdomain", Reason: strings.Join(errs, "; ")}
	}
	return nil
}

// Slug normalises s to lowercase [a-z0-9-], collapsing runs of other
// characters into a single hyphen. The result starts with a letter and is at
// most 40 characters; it is empty when s has no alphanumerics.
func Slug(s string) string {
	var b strings.Builder
	pendingHyphen := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
		default:
			pendingHyphen = true
		}
	}
	slug := b.String()
	if slug == "" {
		return ""
	}
	if slug[0] >= '0' && slug[0] <= '9' {
		slug = "t-" + slug
	}
	if len(slug) > maxSlug {
		slug = strings.TrimRight(slug[:maxSlug], "-")
	}
	return slug
}
