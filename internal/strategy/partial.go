package strategy

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/EthanZane/insightpioneer-backend/internal/canonical"
	"github.com/EthanZane/insightpioneer-backend/internal/fetch"
	"github.com/EthanZane/insightpioneer-backend/internal/site"
)

// Partial extracts links matching a configured CSS selector from one or
// more seed pages, optionally following a pagination chain per seed.
type Partial struct {
	opts    site.PartialOptions
	fetcher fetch.Fetcher
	policy  *canonical.Policy
	logger  *zap.Logger
}

// NewPartial builds the partial strategy for one session.
func NewPartial(opts site.PartialOptions, fetcher fetch.Fetcher, policy *canonical.Policy, logger *zap.Logger) *Partial {
	return &Partial{
		opts:    opts,
		fetcher: fetcher,
		policy:  policy,
		logger:  logger,
	}
}

// Discover visits every seed page (and its pagination chain), collecting
// links matched by the configured selector. Per-page failures are counted
// and skipped; the run proceeds with the remaining seeds.
func (p *Partial) Discover(ctx context.Context) (Result, error) {
	var res Result
	seenPages := &visitSet{} // fetched seed/pagination pages
	seenLinks := &visitSet{} // emitted canonical links

	maxPages := p.opts.MaxPaginationPages
	if maxPages <= 0 {
		maxPages = 1
	}

	for _, seed := range p.opts.SeedURLs {
		pageURL, ok := p.policy.Candidate(seed, "")
		if !ok {
			p.logger.Warn("seed rejected by URL policy", zap.String("seed", seed))
			res.PermanentFailures++
			continue
		}
		for page := 0; page < maxPages && pageURL != ""; page++ {
			if err := ctx.Err(); err != nil {
				res.Truncated = true
				return res, nil
			}
			if !seenPages.MarkIfNew(pageURL) {
				break // pagination cycle
			}
			next, err := p.collect(ctx, pageURL, seenLinks, &res)
			if err != nil {
				if fetch.IsPermanent(err) {
					res.PermanentFailures++
				} else {
					res.TransientFailures++
				}
				p.logger.Warn("skipping seed page",
					zap.String("url", pageURL), zap.Error(err))
				break
			}
			if p.opts.PaginationSelector == "" {
				break
			}
			pageURL = next
		}
	}
	return res, nil
}

// collect fetches one seed/pagination page, appends its matched links to
// res, and returns the next pagination URL (empty when the chain ends).
func (p *Partial) collect(ctx context.Context, pageURL string, seenLinks *visitSet, res *Result) (string, error) {
	resp, err := p.fetcher.Fetch(ctx, pageURL)
	if err != nil {
		return "", err
	}
	doc, err := parseDoc(resp.Body)
	if err != nil {
		return "", &fetch.Error{URL: pageURL, Class: fetch.ClassPermanent, Err: err}
	}

	base := resp.FinalURL
	if base == "" {
		base = pageURL
	}
	doc.Find(p.opts.LinkSelector).Each(func(_ int, s *goquery.Selection) {
		href, label := linkParts(s)
		if href == "" {
			return
		}
		canon, ok := p.policy.Candidate(href, base)
		if !ok || !seenLinks.MarkIfNew(canon) {
			return
		}
		// The title-selector override is applied inside the matched
		// element so labels come from the same page, avoiding a second
		// fetch per link.
		if p.opts.TitleSelector != "" {
			if t := strings.TrimSpace(s.Find(p.opts.TitleSelector).First().Text()); t != "" {
				label = t
			}
		}
		res.Pages = append(res.Pages, site.DiscoveredURL{URL: canon, Title: label})
	})

	if p.opts.PaginationSelector == "" {
		return "", nil
	}
	nextHref, _ := linkParts(doc.Find(p.opts.PaginationSelector).First())
	if nextHref == "" {
		return "", nil
	}
	next, ok := p.policy.Candidate(nextHref, base)
	if !ok {
		return "", nil
	}
	return next, nil
}

// linkParts returns the href and text label for a matched element,
// falling back to the first descendant anchor when the element itself
// carries no href.
func linkParts(s *goquery.Selection) (string, string) {
	href, ok := s.Attr("href")
	if !ok {
		anchor := s.Find("a[href]").First()
		href, ok = anchor.Attr("href")
		if !ok {
			return "", ""
		}
	}
	return strings.TrimSpace(href), strings.TrimSpace(s.Text())
}
