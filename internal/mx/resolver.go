// Package mx resolves the mail-exchange hosts of a domain.
//
// Resolution failures are not errors here: NXDOMAIN, timeouts, malformed
// answers and an empty answer all produce an empty host list, which callers
// treat as undeliverable.
package mx

import (
	"context"
	"net"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/idna"

	"github.com/ignite/email-verifier/internal/pkg/logger"
)

// DefaultTimeout bounds a single MX lookup.
const DefaultTimeout = 5 * time.Second

// Lookuper is the DNS capability the resolver depends on.
// *net.Resolver satisfies it.
type Lookuper interface {
	LookupMX(ctx context.Context, domain string) ([]*net.MX, error)
}

// Resolver returns the MX hostnames of a domain. No caching, no retries.
type Resolver struct {
	dns     Lookuper
	timeout time.Duration
	log     *logger.Logger
}

// NewResolver creates a resolver. A nil Lookuper uses net.DefaultResolver;
// a non-positive timeout uses DefaultTimeout.
func NewResolver(dns Lookuper, timeout time.Duration) *Resolver {
	if dns == nil {
		dns = net.DefaultResolver
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Resolver{
		dns:     dns,
		timeout: timeout,
		log:     logger.With("component", "mx"),
	}
}

// Resolve returns the domain's exchange hostnames, without the trailing
// dot, deduplicated and sorted lexicographically.
func (r *Resolver) Resolve(ctx context.Context, domain string) []string {
	name := normalize(domain)
	if name == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	records, err := r.dns.LookupMX(ctx, name)
	if err != nil {
		r.log.Debug("mx lookup failed", "domain", name, "error", err)
		return nil
	}

	seen := make(map[string]struct{}, len(records))
	hosts := make([]string, 0, len(records))
	for _, rec := range records {
		if rec == nil {
			continue
		}
		host := strings.ToLower(strings.TrimSuffix(rec.Host, "."))
		// "." is the null MX (RFC 7505): the domain accepts no mail.
		if host == "" {
			continue
		}
		if _, dup := seen[host]; dup {
			continue
		}
		seen[host] = struct{}{}
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

// normalize lowercases the domain and converts IDNs to their ASCII form.
// Names idna cannot convert are passed through for the resolver to reject.
func normalize(domain string) string {
	domain = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
	if domain == "" {
		return ""
	}
	if ascii, err := idna.Lookup.ToASCII(domain); err == nil {
		return ascii
	}
	return domain
}
