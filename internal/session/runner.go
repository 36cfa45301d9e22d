// Package session orchestrates crawl sessions: strategy selection, the
// wall-clock budget, reconciliation, persistence, and notifications.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/EthanZane/insightpioneer-backend/internal/canonical"
	"github.com/EthanZane/insightpioneer-backend/internal/fetch"
	"github.com/EthanZane/insightpioneer-backend/internal/metrics"
	"github.com/EthanZane/insightpioneer-backend/internal/notify"
	"github.com/EthanZane/insightpioneer-backend/internal/reconcile"
	"github.com/EthanZane/insightpioneer-backend/internal/robots"
	"github.com/EthanZane/insightpioneer-backend/internal/site"
	"github.com/EthanZane/insightpioneer-backend/internal/store"
	"github.com/EthanZane/insightpioneer-backend/internal/strategy"
)

// Defaults are process-wide crawl settings; per-site configuration
// overrides the user agent and proxy.
type Defaults struct {
	UserAgent       string
	PolitenessDelay time.Duration
	RequestTimeout  time.Duration
	Retries         int
	Concurrency     int
	PoolSize        int
	Budget          time.Duration
	MaxBodyBytes    int
	MaxInFlight     int64
	DropParams      []string
}

// RunOptions tweak a single invocation without touching stored config.
type RunOptions struct {
	SkipTitle  bool
	SkipNotify bool
}

// Outcome summarizes one finished session.
type Outcome struct {
	SiteID   int64
	SiteName string
	Status   reconcile.Status
	NewPages int
	Err      error
}

// Runner executes crawl sessions against the store. The host limiter is
// shared across all sessions so concurrent crawls of one host stay polite.
type Runner struct {
	store    store.Store
	notifier notify.Notifier
	limiter  *fetch.HostLimiter
	metrics  *metrics.Metrics
	logger   *zap.Logger
	defaults Defaults
	now      func() time.Time
}

// NewRunner wires a Runner. notifier may be nil when notifications are
// disabled; metrics may be nil.
func NewRunner(st store.Store, notifier notify.Notifier, m *metrics.Metrics, defaults Defaults, logger *zap.Logger) *Runner {
	if defaults.PolitenessDelay <= 0 {
		defaults.PolitenessDelay = time.Second
	}
	if defaults.Budget <= 0 {
		defaults.Budget = 10 * time.Minute
	}
	if defaults.Concurrency <= 0 {
		defaults.Concurrency = 4
	}
	if defaults.PoolSize <= 0 {
		defaults.PoolSize = 1
	}
	return &Runner{
		store:    st,
		notifier: notifier,
		limiter:  fetch.NewHostLimiter(defaults.PolitenessDelay),
		metrics:  m,
		logger:   logger,
		defaults: defaults,
		now:      time.Now,
	}
}

// RunAll crawls every enabled site with at most PoolSize sessions in
// flight. One site failing never blocks the others; outcomes come back
// ordered by site id.
func (r *Runner) RunAll(ctx context.Context, opts RunOptions) ([]Outcome, error) {
	sites, err := r.store.ListEnabledSites(ctx)
	if err != nil {
		return nil, fmt.Errorf("list enabled sites: %w", err)
	}

	var (
		mu       sync.Mutex
		outcomes []Outcome
	)
	g := new(errgroup.Group)
	g.SetLimit(r.defaults.PoolSize)
	for _, cfg := range sites {
		g.Go(func() error {
			out := r.RunSite(ctx, cfg, opts)
			mu.Lock()
			outcomes = append(outcomes, out)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].SiteID < outcomes[j].SiteID })
	return outcomes, nil
}

// RunSite executes one full session for a site: discover, reconcile,
// persist, notify. It always writes a crawl log row, including on failure.
func (r *Runner) RunSite(ctx context.Context, cfg site.Config, opts RunOptions) Outcome {
	start := r.now()
	runID := uuid.NewString()
	logger := r.logger.With(
		zap.Int64("site_id", cfg.ID),
		zap.String("site", cfg.Name),
		zap.String("run_id", runID),
	)
	logger.Info("session starting", zap.String("type", string(cfg.Type)))

	if err := cfg.Validate(); err != nil {
		return r.fail(ctx, cfg, runID, start, opts, fmt.Errorf("invalid configuration: %w", err))
	}

	known, err := r.store.LoadKnownURLs(ctx, cfg.ID)
	if err != nil {
		return r.fail(ctx, cfg, runID, start, opts, fmt.Errorf("load known urls: %w", err))
	}

	strat, err := r.buildStrategy(cfg, opts, logger)
	if err != nil {
		return r.fail(ctx, cfg, runID, start, opts, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.defaults.Budget)
	defer cancel()

	discovered, err := strat.Discover(runCtx)
	if err != nil {
		return r.fail(ctx, cfg, runID, start, opts, fmt.Errorf("discovery: %w", err))
	}

	diff := reconcile.Diff(cfg.ID, discovered.Pages, known, r.now())
	diff.Status = reconcile.StatusSuccess
	if discovered.Truncated || discovered.PermanentFailures > 0 || discovered.TransientFailures > 0 {
		diff.Status = reconcile.StatusPartialSuccess
		diff.Message = fmt.Sprintf("truncated=%t permanent_failures=%d transient_failures=%d",
			discovered.Truncated, discovered.PermanentFailures, discovered.TransientFailures)
	}

	if err := r.store.ApplyReconciliation(ctx, diff); err != nil {
		return r.fail(ctx, cfg, runID, start, opts, fmt.Errorf("persist reconciliation: %w", err))
	}
	if err := r.store.UpdateLastCrawledAt(ctx, cfg.ID, r.now()); err != nil {
		logger.Warn("update last_crawled_at failed", zap.Error(err))
	}
	r.writeLog(ctx, cfg, runID, start, diff.Status, len(discovered.Pages), diff.Message, logger)

	r.metrics.ObserveDiscovery(cfg.Name, len(discovered.Pages), diff.NewCount())
	r.metrics.ObserveSession(string(diff.Status))

	if cfg.NotifyEnabled && !opts.SkipNotify && r.notifier != nil {
		r.notifyNewPages(ctx, cfg, diff, logger)
	}

	logger.Info("session finished",
		zap.String("status", string(diff.Status)),
		zap.Int("pages_found", len(discovered.Pages)),
		zap.Int("new_pages", diff.NewCount()))
	return Outcome{SiteID: cfg.ID, SiteName: cfg.Name, Status: diff.Status, NewPages: diff.NewCount()}
}

// buildStrategy assembles the per-session fetch client and the strategy
// the site's monitoring type calls for.
func (r *Runner) buildStrategy(cfg site.Config, opts RunOptions, logger *zap.Logger) (strategy.Strategy, error) {
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = r.defaults.UserAgent
	}

	policyOpts := []canonical.Option{canonical.WithDroppedParams(r.defaults.DropParams)}
	if cfg.Type == site.TypeFull {
		include, err := canonical.CompilePatterns(cfg.Full.IncludePatterns)
		if err != nil {
			return nil, fmt.Errorf("include patterns: %w", err)
		}
		exclude, err := canonical.CompilePatterns(cfg.Full.ExcludePatterns)
		if err != nil {
			return nil, fmt.Errorf("exclude patterns: %w", err)
		}
		policyOpts = append(policyOpts, canonical.WithPatterns(include, exclude))
	}
	policy, err := canonical.NewPolicy(cfg.BaseURL, policyOpts...)
	if err != nil {
		return nil, fmt.Errorf("url policy: %w", err)
	}

	retry := fetch.DefaultRetryPolicy()
	if r.defaults.Retries > 0 {
		retry.MaxAttempts = r.defaults.Retries
	}
	client, err := fetch.NewClient(fetch.Options{
		UserAgent:    userAgent,
		ProxyURL:     cfg.ProxyURL,
		Timeout:      r.defaults.RequestTimeout,
		MaxBodyBytes: r.defaults.MaxBodyBytes,
		MaxInFlight:  r.defaults.MaxInFlight,
		Retry:        retry,
	}, r.limiter, r.metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("fetch client: %w", err)
	}

	switch cfg.Type {
	case site.TypeSitemap:
		sOpts := *cfg.Sitemap
		if opts.SkipTitle {
			sOpts.FetchTitle = false
		}
		return strategy.NewSitemap(sOpts, cfg.BaseURL, client, policy, logger), nil
	case site.TypePartial:
		return strategy.NewPartial(*cfg.Partial, client, policy, logger), nil
	case site.TypeFull:
		var gate robots.Policy = robots.AllowAll{}
		if cfg.Full.RespectRobots {
			gate = robots.NewGate(userAgent, true, logger)
		}
		return strategy.NewFull(cfg.BaseURL, *cfg.Full, client, gate, r.limiter, policy, r.defaults.Concurrency, logger), nil
	default:
		return nil, fmt.Errorf("unknown monitoring type %q", cfg.Type)
	}
}

// fail records a failed session: crawl log row, failure notification,
// metrics. Nothing about the site's known pages changes.
func (r *Runner) fail(ctx context.Context, cfg site.Config, runID string, start time.Time, opts RunOptions, cause error) Outcome {
	logger := r.logger.With(zap.Int64("site_id", cfg.ID), zap.String("run_id", runID))
	logger.Error("session failed", zap.Error(cause))

	r.writeLog(ctx, cfg, runID, start, reconcile.StatusFailed, 0, cause.Error(), logger)
	r.metrics.ObserveSession(string(reconcile.StatusFailed))

	if cfg.NotifyEnabled && !opts.SkipNotify && r.notifier != nil {
		if err := r.notifier.NotifyRunFailure(ctx, cfg.ID, cfg.Name, cause.Error()); err != nil {
			logger.Warn("failure notification not delivered", zap.Error(err))
		}
	}
	return Outcome{SiteID: cfg.ID, SiteName: cfg.Name, Status: reconcile.StatusFailed, Err: cause}
}

func (r *Runner) writeLog(ctx context.Context, cfg site.Config, runID string, start time.Time, status reconcile.Status, pagesFound int, message string, logger *zap.Logger) {
	log := site.CrawlLog{
		SiteID:     cfg.ID,
		RunID:      runID,
		Start:      start,
		End:        r.now(),
		Status:     string(status),
		PagesFound: pagesFound,
		Message:    message,
	}
	if err := r.store.WriteCrawlLog(ctx, log); err != nil {
		logger.Warn("crawl log write failed", zap.Error(err))
	}
}

// notifyNewPages sends one event per newly discovered page. Delivery
// problems are logged and never change the session's status.
func (r *Runner) notifyNewPages(ctx context.Context, cfg site.Config, diff reconcile.Result, logger *zap.Logger) {
	for _, page := range diff.NewPages {
		evt := notify.NewPageEvent{
			SiteID:       cfg.ID,
			SiteName:     cfg.Name,
			URL:          page.URL,
			Title:        page.Title,
			DiscoveredAt: diff.RunTime,
		}
		if err := r.notifier.NotifyNewPage(ctx, evt); err != nil {
			logger.Warn("new page notification not delivered",
				zap.String("url", page.URL), zap.Error(err))
		}
	}
}
