package strategy

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/beevik/etree"
	"go.uber.org/zap"

	"github.com/EthanZane/insightpioneer-backend/internal/canonical"
	"github.com/EthanZane/insightpioneer-backend/internal/fetch"
	"github.com/EthanZane/insightpioneer-backend/internal/site"
)

var gzipMagic = []byte{0x1f, 0x8b}

// Sitemap resolves one or nested sitemap index documents into a flat URL
// set, optionally enriching each URL with a fetched page title.
type Sitemap struct {
	opts    site.SitemapOptions
	baseURL string
	fetcher fetch.Fetcher
	policy  *canonical.Policy
	logger  *zap.Logger
}

// NewSitemap builds the sitemap strategy for one session.
func NewSitemap(opts site.SitemapOptions, baseURL string, fetcher fetch.Fetcher, policy *canonical.Policy, logger *zap.Logger) *Sitemap {
	return &Sitemap{
		opts:    opts,
		baseURL: baseURL,
		fetcher: fetcher,
		policy:  policy,
		logger:  logger,
	}
}

// Discover flattens the configured sitemap into canonical URLs. A fetch or
// parse failure of the top-level sitemap is fatal; failures of nested
// sitemaps or of title fetches are tolerated per document.
func (s *Sitemap) Discover(ctx context.Context) (Result, error) {
	var res Result
	visited := &visitSet{}
	seen := &visitSet{}

	entries, err := s.walk(ctx, s.opts.SitemapURL, visited, &res)
	if err != nil {
		return Result{}, fmt.Errorf("sitemap %s: %w", s.opts.SitemapURL, err)
	}

	for _, e := range entries {
		canon, ok := s.policy.Candidate(e.loc, s.baseURL)
		if !ok || !seen.MarkIfNew(canon) {
			continue
		}
		res.Pages = append(res.Pages, site.DiscoveredURL{URL: canon, LastMod: e.lastMod})
	}

	if s.opts.FetchTitle {
		s.enrichTitles(ctx, &res)
	}
	return res, nil
}

type sitemapEntry struct {
	loc     string
	lastMod *time.Time
}

// walk fetches one sitemap document, recursing through index references.
// The visited set guards against cyclic index references. The returned
// error is non-nil only for the top-level document; nested failures are
// logged and counted.
func (s *Sitemap) walk(ctx context.Context, sitemapURL string, visited *visitSet, res *Result) ([]sitemapEntry, error) {
	if !visited.MarkIfNew(sitemapURL) {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		res.Truncated = true
		return nil, nil
	}

	resp, err := s.fetcher.Fetch(ctx, sitemapURL)
	if err != nil {
		return nil, err
	}
	body, err := maybeGunzip(sitemapURL, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fmt.Errorf("parse xml: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("empty sitemap document")
	}

	if root.Tag == "sitemapindex" {
		var entries []sitemapEntry
		for _, child := range root.SelectElements("sitemap") {
			loc := child.SelectElement("loc")
			if loc == nil {
				continue
			}
			childURL := strings.TrimSpace(loc.Text())
			if childURL == "" {
				continue
			}
			nested, err := s.walk(ctx, childURL, visited, res)
			if err != nil {
				res.PermanentFailures++
				s.logger.Warn("skipping nested sitemap",
					zap.String("sitemap", childURL), zap.Error(err))
				continue
			}
			entries = append(entries, nested...)
		}
		return entries, nil
	}

	var entries []sitemapEntry
	for _, urlEl := range root.SelectElements("url") {
		loc := urlEl.SelectElement("loc")
		if loc == nil {
			continue
		}
		locText := strings.TrimSpace(loc.Text())
		if locText == "" {
			continue
		}
		entry := sitemapEntry{loc: locText}
		if lastmod := urlEl.SelectElement("lastmod"); lastmod != nil {
			entry.lastMod = parseLastMod(lastmod.Text())
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *Sitemap) enrichTitles(ctx context.Context, res *Result) {
	for i := range res.Pages {
		if err := ctx.Err(); err != nil {
			res.Truncated = true
			return
		}
		resp, err := s.fetcher.Fetch(ctx, res.Pages[i].URL)
		if err != nil {
			if fetch.IsPermanent(err) {
				res.PermanentFailures++
			} else {
				res.TransientFailures++
			}
			s.logger.Debug("title fetch failed",
				zap.String("url", res.Pages[i].URL), zap.Error(err))
			continue
		}
		doc, err := parseDoc(resp.Body)
		if err != nil {
			res.PermanentFailures++
			continue
		}
		res.Pages[i].Title = pageTitle(doc)
	}
}

func maybeGunzip(sitemapURL string, body []byte) ([]byte, error) {
	if !strings.HasSuffix(sitemapURL, ".gz") && !bytes.HasPrefix(body, gzipMagic) {
		return body, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func parseLastMod(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05Z0700", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}
