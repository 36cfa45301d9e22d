package strategy

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/EthanZane/insightpioneer-backend/internal/fetch"
	"github.com/EthanZane/insightpioneer-backend/internal/robots"
	"github.com/EthanZane/insightpioneer-backend/internal/site"
)

// denyGate is a robots policy that rejects a fixed URL set.
type denyGate struct {
	denied map[string]struct{}
}

func (d denyGate) Allowed(_ context.Context, rawURL string) (bool, error) {
	_, deny := d.denied[rawURL]
	return !deny, nil
}

func (denyGate) CrawlDelay(string) time.Duration { return 0 }

func newFullStrategy(t *testing.T, opts site.FullOptions, fetcher fetch.Fetcher, gate robots.Policy) *Full {
	t.Helper()
	return NewFull("https://example.com/", opts, fetcher, gate,
		fetch.NewHostLimiter(0), testPolicy(t, "https://example.com"), 2, zaptest.NewLogger(t))
}

func sortedPageURLs(res Result) []string {
	urls := pageURLs(res)
	sort.Strings(urls)
	return urls
}

func TestFullDiscoverTraversesAndTerminatesOnCycles(t *testing.T) {
	t.Parallel()

	f := newStubFetcher()
	f.pages["https://example.com/"] = `<html><title>Home</title><body><a href="/a">A</a></body></html>`
	f.pages["https://example.com/a"] = `<html><title>A</title><body><a href="/b">B</a></body></html>`
	f.pages["https://example.com/b"] = `<html><title>B</title><body><a href="/a">back</a><a href="/">home</a></body></html>`

	full := newFullStrategy(t, site.FullOptions{DepthLimit: 5, MaxPages: 100}, f, robots.AllowAll{})
	res, err := full.Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/", "https://example.com/a", "https://example.com/b"}, sortedPageURLs(res))
	require.False(t, res.Truncated)
	require.Equal(t, 1, f.fetchCount("https://example.com/a"), "cycles never refetch")
	require.Equal(t, 1, f.fetchCount("https://example.com/"))
}

func TestFullDiscoverHonorsDepthLimit(t *testing.T) {
	t.Parallel()

	f := newStubFetcher()
	f.pages["https://example.com/"] = `<html><body><a href="/p1">p1</a></body></html>`
	f.pages["https://example.com/p1"] = `<html><body><a href="/p2">p2</a></body></html>`
	f.pages["https://example.com/p2"] = `<html><body></body></html>`

	full := newFullStrategy(t, site.FullOptions{DepthLimit: 1, MaxPages: 100}, f, robots.AllowAll{})
	res, err := full.Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/", "https://example.com/p1"}, sortedPageURLs(res))
	require.Zero(t, f.fetchCount("https://example.com/p2"), "beyond the depth limit nothing is fetched")
}

func TestFullDiscoverHonorsMaxPages(t *testing.T) {
	t.Parallel()

	f := newStubFetcher()
	f.pages["https://example.com/"] = `<html><body>
	  <a href="/1">1</a><a href="/2">2</a><a href="/3">3</a><a href="/4">4</a>
	</body></html>`
	for _, p := range []string{"/1", "/2", "/3", "/4"} {
		f.pages["https://example.com"+p] = `<html><body></body></html>`
	}

	full := newFullStrategy(t, site.FullOptions{DepthLimit: 3, MaxPages: 3}, f, robots.AllowAll{})
	res, err := full.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Pages, 3)
	require.True(t, res.Truncated)
}

func TestFullDiscoverRespectsPatterns(t *testing.T) {
	t.Parallel()

	f := newStubFetcher()
	f.pages["https://example.com/"] = `<html><body>
	  <a href="/news/1">news</a><a href="/admin/panel">admin</a>
	</body></html>`
	f.pages["https://example.com/news/1"] = `<html><body></body></html>`

	policy := testPolicy(t, "https://example.com",
		withCompiledPatterns(t, []string{`^https://example\.com/($|news/)`}, []string{`/admin/`}))
	full := NewFull("https://example.com/", site.FullOptions{DepthLimit: 2, MaxPages: 10},
		f, robots.AllowAll{}, fetch.NewHostLimiter(0), policy, 2, zaptest.NewLogger(t))

	res, err := full.Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/", "https://example.com/news/1"}, sortedPageURLs(res))
	require.Zero(t, f.fetchCount("https://example.com/admin/panel"))
}

func TestFullDiscoverRobotsDenialOfBaseIsFatal(t *testing.T) {
	t.Parallel()

	f := newStubFetcher()
	f.pages["https://example.com/"] = `<html></html>`

	gate := denyGate{denied: map[string]struct{}{"https://example.com/": {}}}
	full := newFullStrategy(t, site.FullOptions{DepthLimit: 1, MaxPages: 10}, f, gate)
	_, err := full.Discover(context.Background())
	require.Error(t, err)
	require.Zero(t, len(f.calls))
}

func TestFullDiscoverSkipsRobotsDeniedPages(t *testing.T) {
	t.Parallel()

	f := newStubFetcher()
	f.pages["https://example.com/"] = `<html><body><a href="/open">o</a><a href="/closed">c</a></body></html>`
	f.pages["https://example.com/open"] = `<html></html>`
	f.pages["https://example.com/closed"] = `<html></html>`

	gate := denyGate{denied: map[string]struct{}{"https://example.com/closed": {}}}
	full := newFullStrategy(t, site.FullOptions{DepthLimit: 2, MaxPages: 10}, f, gate)
	res, err := full.Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/", "https://example.com/open"}, sortedPageURLs(res))
	require.Zero(t, f.fetchCount("https://example.com/closed"))
}

func TestFullDiscoverBaseUnreachableIsFatal(t *testing.T) {
	t.Parallel()

	f := newStubFetcher()
	full := newFullStrategy(t, site.FullOptions{DepthLimit: 1, MaxPages: 10}, f, robots.AllowAll{})
	_, err := full.Discover(context.Background())
	require.Error(t, err)
}

func TestFullDiscoverCountsPageFailures(t *testing.T) {
	t.Parallel()

	f := newStubFetcher()
	f.pages["https://example.com/"] = `<html><body><a href="/down">d</a><a href="/gone">g</a></body></html>`
	f.errs["https://example.com/down"] = &fetch.Error{
		URL: "https://example.com/down", StatusCode: 503, Class: fetch.ClassTransient,
	}
	f.errs["https://example.com/gone"] = &fetch.Error{
		URL: "https://example.com/gone", StatusCode: 410, Class: fetch.ClassPermanent,
	}

	full := newFullStrategy(t, site.FullOptions{DepthLimit: 2, MaxPages: 10}, f, robots.AllowAll{})
	res, err := full.Discover(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/"}, sortedPageURLs(res))
	require.Equal(t, 1, res.TransientFailures)
	require.Equal(t, 1, res.PermanentFailures)
}
