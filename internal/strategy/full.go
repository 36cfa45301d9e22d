package strategy

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/EthanZane/insightpioneer-backend/internal/canonical"
	"github.com/EthanZane/insightpioneer-backend/internal/fetch"
	"github.com/EthanZane/insightpioneer-backend/internal/robots"
	"github.com/EthanZane/insightpioneer-backend/internal/site"
)

// Full is a breadth-first recursive crawl bounded by depth, page count,
// and include/exclude patterns, gated by robots rules. Within one session
// pages on the same frontier level are fetched concurrently; the visited
// set's atomic test-and-set guarantees no URL is fetched twice even under
// arbitrary link cycles.
type Full struct {
	baseURL     string
	opts        site.FullOptions
	fetcher     fetch.Fetcher
	gate        robots.Policy
	limiter     *fetch.HostLimiter
	policy      *canonical.Policy
	concurrency int
	logger      *zap.Logger
}

// NewFull builds the full-crawl strategy for one session.
func NewFull(
	baseURL string,
	opts site.FullOptions,
	fetcher fetch.Fetcher,
	gate robots.Policy,
	limiter *fetch.HostLimiter,
	policy *canonical.Policy,
	concurrency int,
	logger *zap.Logger,
) *Full {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Full{
		baseURL:     baseURL,
		opts:        opts,
		fetcher:     fetcher,
		gate:        gate,
		limiter:     limiter,
		policy:      policy,
		concurrency: concurrency,
		logger:      logger,
	}
}

type frontierEntry struct {
	url   string
	depth int
}

// crawlState is the only mutable structure shared across fetch workers.
type crawlState struct {
	mu        sync.Mutex
	pages     []site.DiscoveredURL
	next      []frontierEntry
	reserved  int // pages fetched or in flight, never exceeds maxPages
	truncated bool
	permanent int
	transient int
}

func (st *crawlState) reserve(maxPages int) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.reserved >= maxPages {
		st.truncated = true
		return false
	}
	st.reserved++
	return true
}

func (st *crawlState) release() {
	st.mu.Lock()
	st.reserved--
	st.mu.Unlock()
}

// Discover runs the breadth-first traversal. A failure to fetch the base
// URL or a mandatory-robots denial of service is fatal; everything past
// the first page degrades to per-URL skips.
func (f *Full) Discover(ctx context.Context) (Result, error) {
	canonBase, err := f.policy.Canonicalize(f.baseURL, "")
	if err != nil {
		return Result{}, fmt.Errorf("base url: %w", err)
	}

	allowed, err := f.gate.Allowed(ctx, canonBase)
	if err != nil {
		return Result{}, err
	}
	if !allowed {
		return Result{}, fmt.Errorf("robots.txt forbids crawling %s", canonBase)
	}
	f.applyCrawlDelay(canonBase)

	visited := &visitSet{}
	visited.MarkIfNew(canonBase)

	st := &crawlState{}
	st.reserved = 1
	resp, err := f.fetcher.Fetch(ctx, canonBase)
	if err != nil {
		return Result{}, fmt.Errorf("base url unreachable: %w", err)
	}
	f.recordPage(st, visited, canonBase, 0, resp)

	frontier := st.takeNext()
	for len(frontier) > 0 {
		if ctx.Err() != nil {
			st.truncated = true
			break
		}
		g := new(errgroup.Group)
		g.SetLimit(f.concurrency)
		for _, entry := range frontier {
			g.Go(func() error {
				f.crawlOne(ctx, st, visited, entry)
				return nil
			})
		}
		_ = g.Wait()
		frontier = st.takeNext()
	}

	return Result{
		Pages:             st.pages,
		Truncated:         st.truncated,
		PermanentFailures: st.permanent,
		TransientFailures: st.transient,
	}, nil
}

// crawlOne processes a single frontier entry: budget and cap checks,
// robots gate, fetch, record, and enqueue of outbound links.
func (f *Full) crawlOne(ctx context.Context, st *crawlState, visited *visitSet, entry frontierEntry) {
	if ctx.Err() != nil {
		st.mu.Lock()
		st.truncated = true
		st.mu.Unlock()
		return
	}
	if !st.reserve(f.opts.MaxPages) {
		return
	}
	allowed, err := f.gate.Allowed(ctx, entry.url)
	if err != nil || !allowed {
		st.release()
		if err != nil {
			st.mu.Lock()
			st.transient++
			st.mu.Unlock()
			f.logger.Warn("robots check failed", zap.String("url", entry.url), zap.Error(err))
		}
		return
	}
	f.applyCrawlDelay(entry.url)

	resp, err := f.fetcher.Fetch(ctx, entry.url)
	if err != nil {
		st.release()
		st.mu.Lock()
		if fetch.IsPermanent(err) {
			st.permanent++
		} else {
			st.transient++
		}
		st.mu.Unlock()
		f.logger.Debug("skipping page", zap.String("url", entry.url), zap.Error(err))
		return
	}
	f.recordPage(st, visited, entry.url, entry.depth, resp)
}

// recordPage appends the fetched page to the discovered set and enqueues
// its acceptable outbound links at depth+1, unless that would exceed the
// depth limit.
func (f *Full) recordPage(st *crawlState, visited *visitSet, pageURL string, depth int, resp fetch.Response) {
	var title string
	var links []string
	if doc, err := parseDoc(resp.Body); err == nil {
		title = pageTitle(doc)
		links = pageLinks(doc)
	}

	base := resp.FinalURL
	if base == "" {
		base = pageURL
	}
	var enqueue []frontierEntry
	if depth+1 <= f.opts.DepthLimit {
		for _, href := range links {
			canon, ok := f.policy.Candidate(href, base)
			if !ok || !visited.MarkIfNew(canon) {
				continue
			}
			enqueue = append(enqueue, frontierEntry{url: canon, depth: depth + 1})
		}
	}

	st.mu.Lock()
	st.pages = append(st.pages, site.DiscoveredURL{URL: pageURL, Title: title})
	st.next = append(st.next, enqueue...)
	st.mu.Unlock()
}

func (st *crawlState) takeNext() []frontierEntry {
	st.mu.Lock()
	defer st.mu.Unlock()
	next := st.next
	st.next = nil
	return next
}

// applyCrawlDelay raises the host's politeness interval to the robots
// crawl-delay when the host publishes one.
func (f *Full) applyCrawlDelay(rawURL string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return
	}
	if delay := f.gate.CrawlDelay(u.Host); delay > 0 {
		f.limiter.SetMinDelay(u.Hostname(), delay)
	}
}
