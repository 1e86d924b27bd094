// Package realm resolves tokens to their backend service and authoritative
// zone, and validates realm values claimed under managed domain roots.
package realm

import (
	"regexp"
	"strings"

	"github.com/zonegate/zonegate/internal/apperr"
	"github.com/zonegate/zonegate/internal/db/models"
)

// labelPattern is the allowed shape of a single DNS label.
var labelPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

const maxFQDNLength = 253

// Resolution is the outcome of resolving a token's realm: the backend
// service to call, the DNS zone the backend serves, and the authoritative
// zone the token's permissions are scoped to.
type Resolution struct {
	Realm             *models.Realm
	Backend           *models.BackendService
	Root              *models.ManagedDomainRoot // nil for user-backend realms
	DNSZone           string                    // zone name passed to the provider
	AuthoritativeZone string                    // FQDN the token may address
}

// Resolve maps a token to its backend and authoritative zone. The token
// must carry its realm with the domain-root and backend-service relations
// preloaded. Resolution is total: every failure carries a taxonomy kind.
func Resolve(tok *models.Token) (*Resolution, error) {
	r := tok.Realm
	if r == nil {
		return nil, apperr.Newf(apperr.KindRealmNotFound, "token %s: realm not loaded", tok.TokenPrefix)
	}
	if !r.IsActive {
		return nil, apperr.Newf(apperr.KindRealmNotFound, "realm %d is disabled", r.ID)
	}

	if r.UserBackendID != nil {
		return resolveUserBackend(r)
	}
	return resolvePlatformRoot(r)
}

func resolveUserBackend(r *models.Realm) (*Resolution, error) {
	svc := r.UserBackend
	if svc == nil || !svc.IsActive {
		return nil, apperr.Newf(apperr.KindBackendUnavailable, "realm %d: user backend inactive or missing", r.ID)
	}
	zone := r.UserDomain
	auth := zone
	if r.RealmValue != "" {
		auth = r.RealmValue + "." + zone
	}
	return &Resolution{
		Realm:             r,
		Backend:           svc,
		DNSZone:           zone,
		AuthoritativeZone: auth,
	}, nil
}

func resolvePlatformRoot(r *models.Realm) (*Resolution, error) {
	root := r.DomainRoot
	if root == nil || !root.IsActive {
		return nil, apperr.Newf(apperr.KindBackendUnavailable, "realm %d: domain root inactive or missing", r.ID)
	}
	svc := root.BackendService
	if svc == nil || !svc.IsActive {
		return nil, apperr.Newf(apperr.KindBackendUnavailable, "domain root %d: backend service inactive or missing", root.ID)
	}

	auth := root.RootDomain
	if r.RealmValue != "" {
		auth = r.RealmValue + "." + root.RootDomain
	} else if !root.AllowApexAccess {
		return nil, apperr.Newf(apperr.KindBackendUnavailable, "domain root %d: apex access disabled", root.ID)
	}
	return &Resolution{
		Realm:             r,
		Backend:           svc,
		Root:              root,
		DNSZone:           root.DNSZone,
		AuthoritativeZone: auth,
	}, nil
}

// ZoneContains reports whether fqdn equals zone or is a strict subdomain
// of it by label boundary. Comparison is case-insensitive; trailing dots
// are ignored.
func ZoneContains(zone, fqdn string) bool {
	zone = Normalize(zone)
	fqdn = Normalize(fqdn)
	if zone == "" || fqdn == "" {
		return false
	}
	return fqdn == zone || strings.HasSuffix(fqdn, "."+zone)
}

// Normalize lowercases a domain name and strips any trailing dot.
func Normalize(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
}

// ValidateRealmValue checks the legality of a realm value claimed under a
// managed domain root: label grammar, subdomain depth within the root's
// bounds (apex counts as depth 0), and total FQDN length. Performed at
// realm creation, not per request.
func ValidateRealmValue(value string, root *models.ManagedDomainRoot) error {
	value = Normalize(value)

	depth := 0
	if value != "" {
		labels := strings.Split(value, ".")
		depth = len(labels)
		for _, label := range labels {
			if !labelPattern.MatchString(label) {
				return apperr.Newf(apperr.KindMalformed, "invalid label %q in realm value", label)
			}
		}
	}

	if depth == 0 && !root.AllowApexAccess {
		return apperr.Newf(apperr.KindMalformed, "apex realms are not allowed under %s", root.RootDomain)
	}
	if depth > 0 && (depth < root.MinSubdomainDepth || depth > root.MaxSubdomainDepth) {
		return apperr.Newf(apperr.KindMalformed,
			"subdomain depth %d outside allowed range [%d, %d]", depth, root.MinSubdomainDepth, root.MaxSubdomainDepth)
	}

	fqdn := root.RootDomain
	if value != "" {
		fqdn = value + "." + root.RootDomain
	}
	if len(fqdn) > maxFQDNLength {
		return apperr.Newf(apperr.KindMalformed, "fqdn %s exceeds %d characters", fqdn, maxFQDNLength)
	}
	return nil
}

// ValidateUserRealmValue checks a realm value claimed on a user-owned
// backend zone: same label grammar and FQDN bound, no depth policy.
func ValidateUserRealmValue(value, userDomain string) error {
	value = Normalize(value)
	if value != "" {
		for _, label := range strings.Split(value, ".") {
			if !labelPattern.MatchString(label) {
				return apperr.Newf(apperr.KindMalformed, "invalid label %q in realm value", label)
			}
		}
	}
	fqdn := Normalize(userDomain)
	if value != "" {
		fqdn = value + "." + fqdn
	}
	if len(fqdn) > maxFQDNLength {
		return apperr.Newf(apperr.KindMalformed, "fqdn %s exceeds %d characters", fqdn, maxFQDNLength)
	}
	return nil
}
