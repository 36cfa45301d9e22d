package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/EthanZane/insightpioneer-backend/internal/reconcile"
	"github.com/EthanZane/insightpioneer-backend/internal/site"
)

// pgxPool is the subset of pgxpool.Pool the store uses; pgxmock satisfies
// it in tests.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool pgxPool
}

// PostgresConfig controls the connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// NewPostgres connects a pool and verifies it with a ping.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// NewPostgresWithPool constructs a store from an existing pool (primarily
// for testing).
func NewPostgresWithPool(pool pgxPool) *Postgres {
	return &Postgres{pool: pool}
}

// Close releases the pool.
func (s *Postgres) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

const siteColumns = `id, name, base_url, monitoring_type, sitemap_url,
	crawl_config_json, user_agent, proxy_config_json,
	fetch_title_for_sitemap_urls, is_enabled, is_notification_enabled,
	last_crawled_at`

// ListEnabledSites implements Store.
func (s *Postgres) ListEnabledSites(ctx context.Context) ([]site.Config, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM insight_monitored_sites WHERE is_enabled ORDER BY id`, siteColumns))
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	defer rows.Close()

	var sites []site.Config
	for rows.Next() {
		cfg, err := scanSite(rows)
		if err != nil {
			return nil, err
		}
		sites = append(sites, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	return sites, nil
}

// GetSite implements Store.
func (s *Postgres) GetSite(ctx context.Context, id int64) (site.Config, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM insight_monitored_sites WHERE id = $1`, siteColumns), id)
	cfg, err := scanSite(row)
	if err != nil {
		return site.Config{}, fmt.Errorf("get site %d: %w", id, err)
	}
	return cfg, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSite(row rowScanner) (site.Config, error) {
	var (
		cfg             site.Config
		monitoringType  string
		sitemapURL      *string
		crawlConfig     []byte
		userAgent       *string
		proxyConfig     []byte
		fetchTitle      bool
		lastCrawledAt   *time.Time
	)
	if err := row.Scan(
		&cfg.ID, &cfg.Name, &cfg.BaseURL, &monitoringType, &sitemapURL,
		&crawlConfig, &userAgent, &proxyConfig,
		&fetchTitle, &cfg.Enabled, &cfg.NotifyEnabled, &lastCrawledAt,
	); err != nil {
		return site.Config{}, fmt.Errorf("scan site: %w", err)
	}
	cfg.Type = site.MonitoringType(monitoringType)
	cfg.LastCrawledAt = lastCrawledAt
	if userAgent != nil {
		cfg.UserAgent = *userAgent
	}
	if len(proxyConfig) > 0 {
		var proxy struct {
			ProxyURL string `json:"proxy_url"`
		}
		if err := json.Unmarshal(proxyConfig, &proxy); err != nil {
			return site.Config{}, fmt.Errorf("site %d: parse proxy config: %w", cfg.ID, err)
		}
		cfg.ProxyURL = proxy.ProxyURL
	}

	switch cfg.Type {
	case site.TypeSitemap:
		opts := &site.SitemapOptions{FetchTitle: fetchTitle}
		if sitemapURL != nil {
			opts.SitemapURL = *sitemapURL
		}
		cfg.Sitemap = opts
	case site.TypePartial:
		opts := &site.PartialOptions{}
		if len(crawlConfig) > 0 {
			if err := json.Unmarshal(crawlConfig, opts); err != nil {
				return site.Config{}, fmt.Errorf("site %d: parse crawl config: %w", cfg.ID, err)
			}
		}
		cfg.Partial = opts
	case site.TypeFull:
		opts := &site.FullOptions{}
		if len(crawlConfig) > 0 {
			if err := json.Unmarshal(crawlConfig, opts); err != nil {
				return site.Config{}, fmt.Errorf("site %d: parse crawl config: %w", cfg.ID, err)
			}
		}
		cfg.Full = opts
	}
	return cfg, nil
}

// LoadKnownURLs implements Store.
func (s *Postgres) LoadKnownURLs(ctx context.Context, siteID int64) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT url FROM insight_discovered_pages WHERE monitored_site_id = $1`, siteID)
	if err != nil {
		return nil, fmt.Errorf("load known urls: %w", err)
	}
	defer rows.Close()

	known := make(map[string]struct{})
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan known url: %w", err)
		}
		known[u] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load known urls: %w", err)
	}
	return known, nil
}

const insertPageSQL = `
INSERT INTO insight_discovered_pages
	(monitored_site_id, url, page_title, first_discovered_at, last_seen_at, is_processed)
VALUES ($1, $2, $3, $4, $4, FALSE)
ON CONFLICT (monitored_site_id, url)
DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at`

const touchPageSQL = `
UPDATE insight_discovered_pages
SET last_seen_at = $3
WHERE monitored_site_id = $1 AND url = $2`

// ApplyReconciliation implements Store. All writes for one session happen
// in a single transaction so no partial state is visible mid-run.
func (s *Postgres) ApplyReconciliation(ctx context.Context, res reconcile.Result) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin reconciliation tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, page := range res.NewPages {
		var title *string
		if page.Title != "" {
			title = &page.Title
		}
		if _, err := tx.Exec(ctx, insertPageSQL, res.SiteID, page.URL, title, res.RunTime); err != nil {
			return fmt.Errorf("insert page %s: %w", page.URL, err)
		}
	}
	for _, u := range res.SeenURLs {
		if _, err := tx.Exec(ctx, touchPageSQL, res.SiteID, u, res.RunTime); err != nil {
			return fmt.Errorf("touch page %s: %w", u, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit reconciliation tx: %w", err)
	}
	return nil
}

// WriteCrawlLog implements Store.
func (s *Postgres) WriteCrawlLog(ctx context.Context, log site.CrawlLog) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO insight_crawl_logs
	(monitored_site_id, run_id, start_time, end_time, status, pages_found_count, message)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		log.SiteID, log.RunID, log.Start, log.End, log.Status, log.PagesFound, log.Message)
	if err != nil {
		return fmt.Errorf("write crawl log: %w", err)
	}
	return nil
}

// UpdateLastCrawledAt implements Store.
func (s *Postgres) UpdateLastCrawledAt(ctx context.Context, siteID int64, t time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE insight_monitored_sites SET last_crawled_at = $2 WHERE id = $1`, siteID, t)
	if err != nil {
		return fmt.Errorf("update last_crawled_at: %w", err)
	}
	return nil
}
