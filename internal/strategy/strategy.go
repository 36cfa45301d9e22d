// Package strategy implements the three page-discovery strategies:
// sitemap-driven, single-page link extraction, and recursive breadth-first
// crawling. Each strategy turns a site configuration into a set of
// canonical URLs; per-URL failures stay inside the strategy and surface
// only as aggregate counts.
package strategy

import (
	"bytes"
	"context"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"github.com/EthanZane/insightpioneer-backend/internal/site"
)

// Result aggregates a strategy run. Truncated is set when the wall-clock
// budget or a page cap cut traversal short; whatever was discovered up to
// that point is still returned for reconciliation.
type Result struct {
	Pages             []site.DiscoveredURL
	Truncated         bool
	PermanentFailures int
	TransientFailures int
}

// Failures reports the total number of skipped URLs.
func (r Result) Failures() int {
	return r.PermanentFailures + r.TransientFailures
}

// Strategy produces the set of pages that exist now. A returned error is
// fatal: the strategy could not even begin.
type Strategy interface {
	Discover(ctx context.Context) (Result, error)
}

// visitSet is a thread-safe test-and-set over canonical URLs, guaranteeing
// no URL is fetched twice within one run even under link cycles.
type visitSet struct {
	seen sync.Map
}

// MarkIfNew stores url if unseen and reports whether it was new.
func (v *visitSet) MarkIfNew(url string) bool {
	if url == "" {
		return false
	}
	_, loaded := v.seen.LoadOrStore(url, struct{}{})
	return !loaded
}

func parseDoc(body []byte) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(bytes.NewReader(body))
}

func pageTitle(doc *goquery.Document) string {
	return strings.TrimSpace(doc.Find("title").First().Text())
}

// pageLinks returns every anchor href on the page.
func pageLinks(doc *goquery.Document) []string {
	var out []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok {
			href = strings.TrimSpace(href)
			if href != "" {
				out = append(out, href)
			}
		}
	})
	return out
}
