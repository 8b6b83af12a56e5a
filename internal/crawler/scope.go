package crawler

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"
)

// ErrOutOfScope is returned for URLs outside a vendor's crawl scope.
var ErrOutOfScope = errors.New("url out of crawl scope")

// TrustPaths are conventional locations of vendor trust documentation.
var TrustPaths = []string{
	"/security", "/trust", "/privacy", "/legal", "/compliance", "/terms",
	"/gdpr", "/soc2", "/hipaa", "/certifications", "/policies", "/status",
}

var skipPattern = regexp.MustCompile(
	`(?i)(/cdn-cgi/|/wp-admin/|/wp-content/|/cart|/checkout|/login|/signup|/register|` +
		`\.(jpg|jpeg|png|gif|svg|webp|ico|pdf|zip|gz|tar|exe|dmg|mp4|mp3|css|js|woff2?)$)`)

// NormalizeDomain reduces user input such as "https://www.Acme.com/" to "acme.com".
func NormalizeDomain(raw string) (string, error) {
	s := strings.TrimSpace(strings.ToLower(raw))
	if s == "" {
		return "", fmt.Errorf("domain is empty")
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid domain %q: %w", raw, err)
	}
	host := strings.TrimPrefix(u.Hostname(), "www.")
	host = strings.TrimSuffix(host, ".")
	if host == "" || strings.ContainsAny(host, " /") {
		return "", fmt.Errorf("invalid domain %q", raw)
	}
	if !strings.Contains(host, ".") && net.ParseIP(host) == nil && host != "localhost" {
		return "", fmt.Errorf("invalid domain %q: missing top-level domain", raw)
	}
	return host, nil
}

// NormalizeURL resolves ref against base (which may be empty) and returns the
// canonical form used for deduplication: http(s) only, lowercase scheme and
// host, default port and fragment removed, no trailing slash except the root,
// utm_* parameters dropped and the remaining query sorted.
func NormalizeURL(base, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parsing url %q: %w", ref, err)
	}
	if base != "" {
		b, err := url.Parse(base)
		if err != nil {
			return "", fmt.Errorf("parsing base url %q: %w", base, err)
		}
		u = b.ResolveReference(u)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("url %q has no host", ref)
	}
	if port := u.Port(); port != "" && !(u.Scheme == "http" && port == "80") && !(u.Scheme == "https" && port == "443") {
		host = net.JoinHostPort(host, port)
	}
	u.Host = host
	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""

	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if p != "/" {
		p = path.Clean(p)
		p = strings.TrimSuffix(p, "/")
		if p == "" || p == "." {
			p = "/"
		}
	}

	q := u.Query()
	for k := range q {
		if strings.HasPrefix(strings.ToLower(k), "utm_") {
			q.Del(k)
		}
	}
	query := encodeSorted(q)

	out := u.Scheme + "://" + u.Host + p
	if query != "" {
		out += "?" + query
	}
	return out, nil
}

func encodeSorted(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// Scope decides which URLs belong to a vendor crawl.
type Scope struct {
	domain      string
	allowedSeed map[string]bool
}

// NewScope builds the scope for a vendor domain. allowedSeedHosts lists
// foreign hosts whose URLs may be used as seeds but are never followed into.
func NewScope(domain string, allowedSeedHosts []string) *Scope {
	s := &Scope{
		domain:      strings.ToLower(domain),
		allowedSeed: make(map[string]bool, len(allowedSeedHosts)),
	}
	for _, h := range allowedSeedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			s.allowedSeed[h] = true
		}
	}
	return s
}

// Domain returns the vendor domain.
func (s *Scope) Domain() string { return s.domain }

// Contains reports whether u is on the vendor domain or one of its subdomains.
func (s *Scope) Contains(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	return host == s.domain || strings.HasSuffix(host, "."+s.domain)
}

// AllowsSeed reports whether u may start a crawl: in-domain or allow-listed.
func (s *Scope) AllowsSeed(u string) bool {
	if s.Contains(u) {
		return true
	}
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	return s.allowedSeed[strings.ToLower(parsed.Hostname())]
}

// Follows reports whether a discovered link may be enqueued.
func (s *Scope) Follows(u string) bool {
	return s.Contains(u) && !skipPattern.MatchString(u)
}

// CheckSeeds normalizes seeds and rejects any that fall outside the scope.
func (s *Scope) CheckSeeds(seeds []string) ([]string, error) {
	out := make([]string, 0, len(seeds))
	for _, raw := range seeds {
		n, err := NormalizeURL("", raw)
		if err != nil {
			return nil, fmt.Errorf("seed %q: %w", raw, err)
		}
		if !s.AllowsSeed(n) {
			return nil, fmt.Errorf("seed %q: %w", raw, ErrOutOfScope)
		}
		out = append(out, n)
	}
	return out, nil
}
