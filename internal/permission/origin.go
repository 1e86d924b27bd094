package permission

import (
	"context"
	"net"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/zonegate/zonegate/internal/db/models"
)

const (
	originCacheSize = 256
	originCacheTTL  = 5 * time.Minute
)

// Resolver is the DNS lookup surface the origin checker needs. Satisfied
// by *net.Resolver; tests inject a stub.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

type resolvedHost struct {
	ips       []net.IP
	expiresAt time.Time
}

// OriginChecker matches a request's source IP against a token's origin
// allowlist. Hostname entries are forward-resolved and cached; wildcard
// entries match by suffix on the reverse DNS of the source IP.
type OriginChecker struct {
	resolver Resolver
	cache    *lru.Cache[string, resolvedHost]
	now      func() time.Time
}

// NewOriginChecker creates a checker backed by the given resolver.
func NewOriginChecker(resolver Resolver) *OriginChecker {
	cache, _ := lru.New[string, resolvedHost](originCacheSize)
	return &OriginChecker{
		resolver: resolver,
		cache:    cache,
		now:      time.Now,
	}
}

// Allowed reports whether sourceIP matches at least one allowlist entry.
// An empty allowlist means no origin restriction.
func (c *OriginChecker) Allowed(ctx context.Context, sourceIP string, origins models.StringSet) bool {
	if len(origins) == 0 {
		return true
	}
	ip := net.ParseIP(sourceIP)
	if ip == nil {
		return false
	}
	for _, entry := range origins {
		if c.matches(ctx, ip, entry) {
			return true
		}
	}
	return false
}

func (c *OriginChecker) matches(ctx context.Context, ip net.IP, entry string) bool {
	entry = strings.ToLower(strings.TrimSpace(entry))
	switch {
	case strings.Contains(entry, "/"):
		_, network, err := net.ParseCIDR(entry)
		return err == nil && network.Contains(ip)
	case net.ParseIP(entry) != nil:
		return net.ParseIP(entry).Equal(ip)
	case strings.HasPrefix(entry, "*."):
		return c.matchesReverse(ctx, ip, strings.TrimPrefix(entry, "*."))
	default:
		return c.matchesForward(ctx, ip, entry)
	}
}

// matchesForward resolves a hostname entry to its address set, at most
// once per TTL window, and checks for an exact address match.
func (c *OriginChecker) matchesForward(ctx context.Context, ip net.IP, host string) bool {
	now := c.now()
	cached, ok := c.cache.Get(host)
	if !ok || now.After(cached.expiresAt) {
		ips, err := c.resolver.LookupIP(ctx, "ip", host)
		if err != nil {
			ips = nil
		}
		cached = resolvedHost{ips: ips, expiresAt: now.Add(originCacheTTL)}
		c.cache.Add(host, cached)
	}
	for _, resolved := range cached.ips {
		if resolved.Equal(ip) {
			return true
		}
	}
	return false
}

// matchesReverse matches a wildcard entry against the reverse DNS names
// of the source IP. Forward resolution is deliberately not used here.
func (c *OriginChecker) matchesReverse(ctx context.Context, ip net.IP, suffix string) bool {
	names, err := c.resolver.LookupAddr(ctx, ip.String())
	if err != nil {
		return false
	}
	for _, name := range names {
		name = strings.ToLower(strings.TrimSuffix(name, "."))
		if name == suffix || strings.HasSuffix(name, "."+suffix) {
			return true
		}
	}
	return false
}
