// Package canonical normalizes URLs into the single form used as a page's
// identity key, and filters candidates against per-site include/exclude
// rules. Two URLs that canonicalize identically are the same page
// everywhere downstream.
package canonical

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Policy decides which canonical URLs are discovery candidates for a site.
type Policy struct {
	host          string
	allowExternal bool
	include       []*regexp.Regexp
	exclude       []*regexp.Regexp
	dropParams    map[string]struct{}
}

// Option customizes a Policy.
type Option func(*Policy)

// WithPatterns installs include and exclude regular expressions. A URL
// matching any exclude pattern is rejected; when include patterns exist a
// URL must match at least one of them.
func WithPatterns(include, exclude []*regexp.Regexp) Option {
	return func(p *Policy) {
		p.include = include
		p.exclude = exclude
	}
}

// WithExternalHosts permits URLs whose host differs from the base URL's.
func WithExternalHosts() Option {
	return func(p *Policy) { p.allowExternal = true }
}

// WithDroppedParams sets query parameter names removed during
// canonicalization (tracking noise such as utm_* values).
func WithDroppedParams(names []string) Option {
	return func(p *Policy) {
		p.dropParams = make(map[string]struct{}, len(names))
		for _, n := range names {
			p.dropParams[strings.ToLower(n)] = struct{}{}
		}
	}
}

// NewPolicy builds a Policy scoped to the given base URL's host.
func NewPolicy(baseURL string, opts ...Option) (*Policy, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("base url %q has no host", baseURL)
	}
	p := &Policy{host: strings.ToLower(base.Hostname())}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// CompilePatterns compiles a list of pattern strings, failing on the first
// invalid expression.
func CompilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, raw := range patterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %q: %w", raw, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Canonicalize resolves raw against base (for relative references) and
// normalizes the result: lowercased scheme and host, default ports and
// fragments stripped, dropped query parameters removed, remaining query
// re-encoded in sorted order, and the trailing slash trimmed from non-root
// paths. The operation is idempotent.
func (p *Policy) Canonicalize(raw, base string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	u := ref
	if base != "" {
		b, err := url.Parse(base)
		if err != nil {
			return "", fmt.Errorf("parse base %q: %w", base, err)
		}
		u = b.ResolveReference(ref)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q in %q", u.Scheme, raw)
	}
	u.Host = strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(u.Host, ":80"):
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(u.Host, ":443"):
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawFragment = ""
	if len(u.Path) > 1 {
		u.Path = strings.TrimSuffix(u.Path, "/")
		u.RawPath = ""
	}
	if u.RawQuery != "" {
		q := u.Query()
		for name := range q {
			if _, drop := p.dropParams[strings.ToLower(name)]; drop {
				q.Del(name)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Accept reports whether a canonical URL is a discovery candidate under
// this policy: on-host (unless external hosts are allowed), not excluded,
// and matching an include pattern when include patterns are configured.
func (p *Policy) Accept(canon string) bool {
	u, err := url.Parse(canon)
	if err != nil {
		return false
	}
	if !p.allowExternal && !strings.EqualFold(u.Hostname(), p.host) {
		return false
	}
	for _, re := range p.exclude {
		if re.MatchString(canon) {
			return false
		}
	}
	if len(p.include) == 0 {
		return true
	}
	for _, re := range p.include {
		if re.MatchString(canon) {
			return true
		}
	}
	return false
}

// Candidate canonicalizes raw against base and applies Accept. The bool
// result is false when the URL is not a candidate for any reason.
func (p *Policy) Candidate(raw, base string) (string, bool) {
	canon, err := p.Canonicalize(raw, base)
	if err != nil {
		return "", false
	}
	if !p.Accept(canon) {
		return "", false
	}
	return canon, true
}
