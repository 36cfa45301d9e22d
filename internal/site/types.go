// Package site defines the monitored-site configuration model shared by
// the store, the discovery strategies, and the session orchestrator.
package site

import (
	"fmt"
	"time"
)

// MonitoringType selects the discovery strategy for a site.
type MonitoringType string

// The three supported strategies. The string values are persisted in the
// monitored-sites table.
const (
	TypeSitemap MonitoringType = "sitemap"
	TypePartial MonitoringType = "partial_crawl"
	TypeFull    MonitoringType = "full_crawl"
)

// SitemapOptions configures sitemap-driven discovery.
type SitemapOptions struct {
	SitemapURL string `json:"sitemap_url"`
	FetchTitle bool   `json:"fetch_title"`
}

// PartialOptions configures single-page link extraction. The selectors are
// CSS selectors evaluated against each seed page.
type PartialOptions struct {
	SeedURLs           []string `json:"seed_urls"`
	LinkSelector       string   `json:"link_selector"`
	TitleSelector      string   `json:"title_selector,omitempty"`
	PaginationSelector string   `json:"pagination_selector,omitempty"`
	MaxPaginationPages int      `json:"max_pagination_pages,omitempty"`
}

// FullOptions configures recursive breadth-first crawling. Patterns are
// regular expressions matched against canonical URLs.
type FullOptions struct {
	IncludePatterns []string `json:"include_patterns,omitempty"`
	ExcludePatterns []string `json:"exclude_patterns,omitempty"`
	DepthLimit      int      `json:"depth_limit"`
	MaxPages        int      `json:"max_pages"`
	RespectRobots   bool     `json:"respect_robots"`
}

// Config is one monitored site as stored in the database. Exactly one of
// Sitemap, Partial, or Full is set, matching Type.
type Config struct {
	ID            int64
	Name          string
	BaseURL       string
	Type          MonitoringType
	Sitemap       *SitemapOptions
	Partial       *PartialOptions
	Full          *FullOptions
	UserAgent     string
	ProxyURL      string
	Enabled       bool
	NotifyEnabled bool
	LastCrawledAt *time.Time
}

// Validate checks the configuration is complete enough to run a session.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("site %d: name is required", c.ID)
	}
	if c.BaseURL == "" {
		return fmt.Errorf("site %d: base_url is required", c.ID)
	}
	switch c.Type {
	case TypeSitemap:
		if c.Sitemap == nil || c.Sitemap.SitemapURL == "" {
			return fmt.Errorf("site %d: sitemap monitoring requires a sitemap url", c.ID)
		}
	case TypePartial:
		if c.Partial == nil || len(c.Partial.SeedURLs) == 0 {
			return fmt.Errorf("site %d: partial crawl requires at least one seed url", c.ID)
		}
		if c.Partial.LinkSelector == "" {
			return fmt.Errorf("site %d: partial crawl requires a link selector", c.ID)
		}
	case TypeFull:
		if c.Full == nil {
			return fmt.Errorf("site %d: full crawl requires crawl options", c.ID)
		}
		if c.Full.MaxPages <= 0 {
			return fmt.Errorf("site %d: full crawl requires max_pages > 0", c.ID)
		}
		if c.Full.DepthLimit < 0 {
			return fmt.Errorf("site %d: depth_limit must not be negative", c.ID)
		}
	default:
		return fmt.Errorf("site %d: unknown monitoring type %q", c.ID, c.Type)
	}
	return nil
}

// DiscoveredURL is one page found by a strategy in the current session.
// URL is always canonical. Title and LastMod are best-effort.
type DiscoveredURL struct {
	URL     string
	Title   string
	LastMod *time.Time
}

// KnownPageRecord is one persisted discovered page.
type KnownPageRecord struct {
	SiteID            int64
	URL               string
	Title             string
	FirstDiscoveredAt time.Time
	LastSeenAt        time.Time
}

// CrawlLog is the audit row written at the end of every session.
type CrawlLog struct {
	SiteID     int64
	RunID      string
	Start      time.Time
	End        time.Time
	Status     string
	PagesFound int
	Message    string
}
