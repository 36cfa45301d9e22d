package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/EthanZane/insightpioneer-backend/internal/reconcile"
	"github.com/EthanZane/insightpioneer-backend/internal/site"
)

// Memory is an in-memory Store used in tests and local development.
type Memory struct {
	mu    sync.Mutex
	sites map[int64]site.Config
	pages map[int64]map[string]site.KnownPageRecord
	logs  []site.CrawlLog
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sites: make(map[int64]site.Config),
		pages: make(map[int64]map[string]site.KnownPageRecord),
	}
}

// AddSite seeds a site configuration.
func (m *Memory) AddSite(cfg site.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sites[cfg.ID] = cfg
}

// ListEnabledSites implements Store.
func (m *Memory) ListEnabledSites(_ context.Context) ([]site.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []site.Config
	for _, cfg := range m.sites {
		if cfg.Enabled {
			out = append(out, cfg)
		}
	}
	return out, nil
}

// GetSite implements Store.
func (m *Memory) GetSite(_ context.Context, id int64) (site.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.sites[id]
	if !ok {
		return site.Config{}, fmt.Errorf("site %d not found", id)
	}
	return cfg, nil
}

// LoadKnownURLs implements Store.
func (m *Memory) LoadKnownURLs(_ context.Context, siteID int64) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	known := make(map[string]struct{}, len(m.pages[siteID]))
	for u := range m.pages[siteID] {
		known[u] = struct{}{}
	}
	return known, nil
}

// ApplyReconciliation implements Store.
func (m *Memory) ApplyReconciliation(_ context.Context, res reconcile.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pages := m.pages[res.SiteID]
	if pages == nil {
		pages = make(map[string]site.KnownPageRecord)
		m.pages[res.SiteID] = pages
	}
	for _, p := range res.NewPages {
		if rec, ok := pages[p.URL]; ok {
			rec.LastSeenAt = res.RunTime
			pages[p.URL] = rec
			continue
		}
		pages[p.URL] = site.KnownPageRecord{
			SiteID:            res.SiteID,
			URL:               p.URL,
			Title:             p.Title,
			FirstDiscoveredAt: res.RunTime,
			LastSeenAt:        res.RunTime,
		}
	}
	for _, u := range res.SeenURLs {
		if rec, ok := pages[u]; ok {
			rec.LastSeenAt = res.RunTime
			pages[u] = rec
		}
	}
	return nil
}

// WriteCrawlLog implements Store.
func (m *Memory) WriteCrawlLog(_ context.Context, log site.CrawlLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, log)
	return nil
}

// UpdateLastCrawledAt implements Store.
func (m *Memory) UpdateLastCrawledAt(_ context.Context, siteID int64, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.sites[siteID]
	if !ok {
		return fmt.Errorf("site %d not found", siteID)
	}
	stamp := t
	cfg.LastCrawledAt = &stamp
	m.sites[siteID] = cfg
	return nil
}

// Close implements Store.
func (m *Memory) Close() {}

// Page returns the persisted record for a URL, for assertions in tests.
func (m *Memory) Page(siteID int64, url string) (site.KnownPageRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.pages[siteID][url]
	return rec, ok
}

// PageCount returns the number of persisted pages for a site.
func (m *Memory) PageCount(siteID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pages[siteID])
}

// Logs returns a copy of the crawl log rows written so far.
func (m *Memory) Logs() []site.CrawlLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]site.CrawlLog, len(m.logs))
	copy(out, m.logs)
	return out
}
