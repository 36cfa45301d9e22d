// Package robots enforces a host's published crawl rules for the duration
// of one crawl session.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

// maxCrawlDelay caps a host-published crawl delay so a misconfigured
// robots.txt cannot starve the session budget.
const maxCrawlDelay = 30 * time.Second

const maxRobotsBody = 1 << 20

// Gate answers allow/deny and crawl-delay questions per host. Rules are
// fetched on first reference to a host and cached for the run's lifetime.
// Fetch or parse failures are fail-open unless the gate is mandatory, in
// which case Allowed returns the error and the session must fail.
type Gate struct {
	client    *http.Client
	userAgent string
	mandatory bool
	logger    *zap.Logger
	cache     sync.Map // lowercased host -> *hostRules
}

type hostRules struct {
	once  sync.Once
	group *robotstxt.Group
	delay time.Duration
	err   error
}

// NewGate builds a Gate. When mandatory is true, a robots.txt fetch or
// parse failure fails the whole session instead of allowing everything.
func NewGate(userAgent string, mandatory bool, logger *zap.Logger) *Gate {
	return &Gate{
		client:    &http.Client{Timeout: 10 * time.Second},
		userAgent: userAgent,
		mandatory: mandatory,
		logger:    logger,
	}
}

// Allowed reports whether the URL may be fetched under the host's rules.
func (g *Gate) Allowed(ctx context.Context, rawURL string) (bool, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false, fmt.Errorf("parse url: %w", err)
	}
	rules := g.rulesFor(ctx, parsed)
	if rules.err != nil {
		if g.mandatory {
			return false, fmt.Errorf("robots.txt for %s: %w", parsed.Host, rules.err)
		}
		g.logger.Warn("robots fetch failed; allowing access",
			zap.String("host", parsed.Host), zap.Error(rules.err))
		return true, nil
	}
	if rules.group == nil {
		return true, nil
	}
	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}
	return rules.group.Test(path), nil
}

// CrawlDelay returns the host's published crawl delay, zero when none is
// known. The caller combines it with the configured politeness interval.
func (g *Gate) CrawlDelay(host string) time.Duration {
	v, ok := g.cache.Load(strings.ToLower(host))
	if !ok {
		return 0
	}
	rules, ok := v.(*hostRules)
	if !ok || rules.err != nil {
		return 0
	}
	return rules.delay
}

func (g *Gate) rulesFor(ctx context.Context, parsed *url.URL) *hostRules {
	key := strings.ToLower(parsed.Host)
	v, _ := g.cache.LoadOrStore(key, &hostRules{})
	rules := v.(*hostRules)
	rules.once.Do(func() {
		rules.group, rules.delay, rules.err = g.fetch(ctx, parsed)
	})
	return rules
}

func (g *Gate) fetch(ctx context.Context, parsed *url.URL) (*robotstxt.Group, time.Duration, error) {
	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", g.userAgent)
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			g.logger.Debug("close robots body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode >= 500 {
		return nil, 0, fmt.Errorf("fetch robots: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBody))
	if err != nil {
		return nil, 0, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, 0, fmt.Errorf("parse robots: %w", err)
	}
	group := data.FindGroup(g.userAgent)
	var delay time.Duration
	if group != nil {
		delay = group.CrawlDelay
		if delay > maxCrawlDelay {
			delay = maxCrawlDelay
		}
	}
	return group, delay, nil
}

// AllowAll is a Policy that admits every URL; used when a site opts out of
// robots compliance.
type AllowAll struct{}

// Allowed implements Policy.
func (AllowAll) Allowed(context.Context, string) (bool, error) { return true, nil }

// CrawlDelay implements Policy.
func (AllowAll) CrawlDelay(string) time.Duration { return 0 }

// Policy is the gate surface strategies depend on.
type Policy interface {
	Allowed(ctx context.Context, rawURL string) (bool, error)
	CrawlDelay(host string) time.Duration
}
