// Package store defines the narrow persistence contract the discovery
// engine consumes, with a Postgres implementation for production and an
// in-memory implementation for tests.
package store

import (
	"context"
	"time"

	"github.com/EthanZane/insightpioneer-backend/internal/reconcile"
	"github.com/EthanZane/insightpioneer-backend/internal/site"
)

// Store is everything the engine is allowed to ask of persistence. The
// engine never issues ad-hoc queries beyond this surface.
type Store interface {
	// ListEnabledSites returns every enabled site configuration.
	ListEnabledSites(ctx context.Context) ([]site.Config, error)

	// GetSite returns one site configuration by id, enabled or not.
	GetSite(ctx context.Context, id int64) (site.Config, error)

	// LoadKnownURLs returns the canonical URLs already persisted for a site.
	LoadKnownURLs(ctx context.Context, siteID int64) (map[string]struct{}, error)

	// ApplyReconciliation persists one session's update plan in a single
	// transaction: inserts for new pages, last_seen_at bumps for the rest.
	ApplyReconciliation(ctx context.Context, res reconcile.Result) error

	// WriteCrawlLog records the session's audit row.
	WriteCrawlLog(ctx context.Context, log site.CrawlLog) error

	// UpdateLastCrawledAt stamps the site after a completed session.
	UpdateLastCrawledAt(ctx context.Context, siteID int64, t time.Time) error

	// Close releases underlying resources.
	Close()
}
