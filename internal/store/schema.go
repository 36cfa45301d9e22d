package store

import (
	"context"
	"fmt"
)

// schema creates the engine's tables. Mirrors the layout the monitoring
// system has always used: sites, discovered pages unique per (site, url),
// and one crawl log row per session.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS insight_monitored_sites (
		id BIGSERIAL PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		base_url VARCHAR(2048) NOT NULL,
		monitoring_type VARCHAR(50) NOT NULL,
		sitemap_url VARCHAR(2048),
		crawl_config_json JSONB,
		user_agent VARCHAR(255),
		proxy_config_json JSONB,
		fetch_title_for_sitemap_urls BOOLEAN NOT NULL DEFAULT TRUE,
		is_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		is_notification_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		last_crawled_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS insight_discovered_pages (
		id BIGSERIAL PRIMARY KEY,
		monitored_site_id BIGINT NOT NULL
			REFERENCES insight_monitored_sites(id) ON DELETE CASCADE,
		url TEXT NOT NULL,
		page_title TEXT,
		first_discovered_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		is_processed BOOLEAN NOT NULL DEFAULT FALSE,
		CONSTRAINT uix_site_url UNIQUE (monitored_site_id, url)
	)`,
	`CREATE TABLE IF NOT EXISTS insight_crawl_logs (
		id BIGSERIAL PRIMARY KEY,
		monitored_site_id BIGINT NOT NULL
			REFERENCES insight_monitored_sites(id) ON DELETE CASCADE,
		run_id VARCHAR(255),
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ,
		status VARCHAR(50) NOT NULL,
		pages_found_count INTEGER NOT NULL DEFAULT 0,
		message TEXT
	)`,
}

// Migrate creates the tables when they do not exist yet.
func (s *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
