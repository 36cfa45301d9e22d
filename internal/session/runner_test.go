package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/EthanZane/insightpioneer-backend/internal/notify"
	"github.com/EthanZane/insightpioneer-backend/internal/reconcile"
	"github.com/EthanZane/insightpioneer-backend/internal/site"
	"github.com/EthanZane/insightpioneer-backend/internal/store"
)

func testDefaults() Defaults {
	return Defaults{
		UserAgent:       "TestBot/1.0",
		PolitenessDelay: time.Millisecond,
		RequestTimeout:  5 * time.Second,
		Retries:         1,
		Concurrency:     2,
		PoolSize:        2,
		Budget:          30 * time.Second,
		MaxBodyBytes:    1 << 20,
		MaxInFlight:     4,
	}
}

func newTestRunner(t *testing.T, st store.Store, n notify.Notifier) *Runner {
	t.Helper()
	return NewRunner(st, n, nil, testDefaults(), zaptest.NewLogger(t))
}

// siteServer serves a small site whose sitemap lists /a and /b.
func siteServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<urlset>
  <url><loc>http://%s/a</loc></url>
  <url><loc>http://%s/b</loc></url>
</urlset>`, r.Host, r.Host)
	})
	mux.HandleFunc("/a", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><title>Page A</title></html>`))
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><title>Page B</title></html>`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func sitemapSite(srv *httptest.Server) site.Config {
	return site.Config{
		ID:      1,
		Name:    "Example",
		BaseURL: srv.URL,
		Type:    site.TypeSitemap,
		Sitemap: &site.SitemapOptions{
			SitemapURL: srv.URL + "/sitemap.xml",
			FetchTitle: true,
		},
		Enabled:       true,
		NotifyEnabled: true,
	}
}

func TestRunSiteSitemapSuccess(t *testing.T) {
	t.Parallel()

	srv := siteServer(t)
	st := store.NewMemory()
	n := notify.NewMemory()
	cfg := sitemapSite(srv)
	st.AddSite(cfg)

	out := newTestRunner(t, st, n).RunSite(context.Background(), cfg, RunOptions{})
	require.NoError(t, out.Err)
	require.Equal(t, reconcile.StatusSuccess, out.Status)
	require.Equal(t, 2, out.NewPages)

	require.Equal(t, 2, st.PageCount(1))
	rec, ok := st.Page(1, srv.URL+"/a")
	require.True(t, ok)
	require.Equal(t, "Page A", rec.Title)

	require.Len(t, n.Pages(), 2)
	require.Empty(t, n.Failures())

	logs := st.Logs()
	require.Len(t, logs, 1)
	require.Equal(t, "success", logs[0].Status)
	require.Equal(t, 2, logs[0].PagesFound)
	require.NotEmpty(t, logs[0].RunID)

	updated, err := st.GetSite(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, updated.LastCrawledAt)
}

func TestRunSiteSecondRunFindsNothingNew(t *testing.T) {
	t.Parallel()

	srv := siteServer(t)
	st := store.NewMemory()
	n := notify.NewMemory()
	cfg := sitemapSite(srv)
	st.AddSite(cfg)

	r := newTestRunner(t, st, n)
	first := r.RunSite(context.Background(), cfg, RunOptions{})
	require.Equal(t, 2, first.NewPages)

	second := r.RunSite(context.Background(), cfg, RunOptions{})
	require.Equal(t, reconcile.StatusSuccess, second.Status)
	require.Zero(t, second.NewPages)
	require.Len(t, n.Pages(), 2, "already-known pages are never re-announced")
	require.Equal(t, 2, st.PageCount(1))
}

func TestRunSitePartialSuccessOnNestedSitemapFailure(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<sitemapindex>
  <sitemap><loc>http://%s/sitemap-ok.xml</loc></sitemap>
  <sitemap><loc>http://%s/sitemap-broken.xml</loc></sitemap>
</sitemapindex>`, r.Host, r.Host)
	})
	mux.HandleFunc("/sitemap-ok.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<urlset><url><loc>http://%s/a</loc></url></urlset>`, r.Host)
	})
	mux.HandleFunc("/sitemap-broken.xml", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "broken", http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	st := store.NewMemory()
	cfg := site.Config{
		ID:      2,
		Name:    "Partial",
		BaseURL: srv.URL,
		Type:    site.TypeSitemap,
		Sitemap: &site.SitemapOptions{SitemapURL: srv.URL + "/sitemap.xml"},
		Enabled: true,
	}
	st.AddSite(cfg)

	out := newTestRunner(t, st, notify.NewMemory()).RunSite(context.Background(), cfg, RunOptions{})
	require.NoError(t, out.Err)
	require.Equal(t, reconcile.StatusPartialSuccess, out.Status)
	require.Equal(t, 1, out.NewPages, "whatever was discovered is still persisted")
	require.Equal(t, 1, st.PageCount(2))

	logs := st.Logs()
	require.Len(t, logs, 1)
	require.Equal(t, "partial_success", logs[0].Status)
	require.Contains(t, logs[0].Message, "permanent_failures=1")
}

func TestRunSitePartialSuccessOnExhaustedRetries(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<urlset>
  <url><loc>http://%s/a</loc></url>
  <url><loc>http://%s/b</loc></url>
</urlset>`, r.Host, r.Host)
	})
	mux.HandleFunc("/a", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusInternalServerError)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><title>Page B</title></html>`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	st := store.NewMemory()
	cfg := site.Config{
		ID:      7,
		Name:    "Flaky",
		BaseURL: srv.URL,
		Type:    site.TypeSitemap,
		Sitemap: &site.SitemapOptions{SitemapURL: srv.URL + "/sitemap.xml", FetchTitle: true},
		Enabled: true,
	}
	st.AddSite(cfg)

	out := newTestRunner(t, st, notify.NewMemory()).RunSite(context.Background(), cfg, RunOptions{})
	require.NoError(t, out.Err)
	require.Equal(t, reconcile.StatusPartialSuccess, out.Status,
		"a URL skipped after its retry budget still degrades the session")
	require.Equal(t, 2, out.NewPages, "skipped URLs are persisted without a title")
	require.Equal(t, 2, st.PageCount(7))

	logs := st.Logs()
	require.Len(t, logs, 1)
	require.Equal(t, "partial_success", logs[0].Status)
	require.Contains(t, logs[0].Message, "transient_failures=1")
}

func TestRunSiteFailureWritesLogAndNotifies(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	st := store.NewMemory()
	n := notify.NewMemory()
	cfg := site.Config{
		ID:            3,
		Name:          "Broken",
		BaseURL:       srv.URL,
		Type:          site.TypeSitemap,
		Sitemap:       &site.SitemapOptions{SitemapURL: srv.URL + "/sitemap.xml"},
		Enabled:       true,
		NotifyEnabled: true,
	}
	st.AddSite(cfg)

	out := newTestRunner(t, st, n).RunSite(context.Background(), cfg, RunOptions{})
	require.Error(t, out.Err)
	require.Equal(t, reconcile.StatusFailed, out.Status)
	require.Zero(t, st.PageCount(3), "a failed session persists nothing")

	logs := st.Logs()
	require.Len(t, logs, 1)
	require.Equal(t, "failed", logs[0].Status)
	require.Len(t, n.Failures(), 1)
	require.Empty(t, n.Pages())
}

func TestRunSiteMandatoryRobotsFailureFailsSession(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "robots down", http.StatusInternalServerError)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body><a href="/a">a</a></body></html>`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	st := store.NewMemory()
	cfg := site.Config{
		ID:      4,
		Name:    "Strict",
		BaseURL: srv.URL,
		Type:    site.TypeFull,
		Full: &site.FullOptions{
			DepthLimit:    1,
			MaxPages:      10,
			RespectRobots: true,
		},
		Enabled: true,
	}
	st.AddSite(cfg)

	out := newTestRunner(t, st, notify.NewMemory()).RunSite(context.Background(), cfg, RunOptions{})
	require.Error(t, out.Err)
	require.Equal(t, reconcile.StatusFailed, out.Status)
	require.Zero(t, st.PageCount(4))
}

func TestRunSiteFullCrawl(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`<html><title>Home</title><body><a href="/about">about</a></body></html>`))
	})
	mux.HandleFunc("/about", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><title>About</title><body><a href="/">home</a></body></html>`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	st := store.NewMemory()
	cfg := site.Config{
		ID:      5,
		Name:    "Full",
		BaseURL: srv.URL + "/",
		Type:    site.TypeFull,
		Full:    &site.FullOptions{DepthLimit: 2, MaxPages: 10},
		Enabled: true,
	}
	st.AddSite(cfg)

	out := newTestRunner(t, st, nil).RunSite(context.Background(), cfg, RunOptions{})
	require.NoError(t, out.Err)
	require.Equal(t, reconcile.StatusSuccess, out.Status)
	require.Equal(t, 2, out.NewPages)

	rec, ok := st.Page(5, srv.URL+"/about")
	require.True(t, ok)
	require.Equal(t, "About", rec.Title)
}

func TestRunSiteInvalidConfigFails(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	cfg := site.Config{ID: 6, Name: "Bad", BaseURL: "https://example.com", Type: "bogus"}
	st.AddSite(cfg)

	out := newTestRunner(t, st, nil).RunSite(context.Background(), cfg, RunOptions{})
	require.Error(t, out.Err)
	require.Equal(t, reconcile.StatusFailed, out.Status)
}

func TestRunSiteSkipOptions(t *testing.T) {
	t.Parallel()

	srv := siteServer(t)
	st := store.NewMemory()
	n := notify.NewMemory()
	cfg := sitemapSite(srv)
	st.AddSite(cfg)

	out := newTestRunner(t, st, n).RunSite(context.Background(), cfg, RunOptions{
		SkipTitle:  true,
		SkipNotify: true,
	})
	require.Equal(t, reconcile.StatusSuccess, out.Status)
	require.Empty(t, n.Pages(), "skip-notify suppresses announcements")

	rec, ok := st.Page(1, srv.URL+"/a")
	require.True(t, ok)
	require.Empty(t, rec.Title, "skip-title leaves titles blank")
}

func TestRunAllIsolatesFailures(t *testing.T) {
	t.Parallel()

	srv := siteServer(t)
	st := store.NewMemory()
	n := notify.NewMemory()

	good := sitemapSite(srv)
	st.AddSite(good)
	st.AddSite(site.Config{
		ID:      2,
		Name:    "Broken",
		BaseURL: srv.URL,
		Type:    site.TypeSitemap,
		Sitemap: &site.SitemapOptions{SitemapURL: srv.URL + "/missing.xml"},
		Enabled: true,
	})
	st.AddSite(site.Config{ID: 3, Name: "Disabled", BaseURL: srv.URL, Type: site.TypeSitemap,
		Sitemap: &site.SitemapOptions{SitemapURL: srv.URL + "/sitemap.xml"}})

	outcomes, err := newTestRunner(t, st, n).RunAll(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Len(t, outcomes, 2, "disabled sites are skipped")

	require.Equal(t, int64(1), outcomes[0].SiteID)
	require.Equal(t, reconcile.StatusSuccess, outcomes[0].Status)
	require.Equal(t, int64(2), outcomes[1].SiteID)
	require.Equal(t, reconcile.StatusFailed, outcomes[1].Status)

	require.Equal(t, 2, st.PageCount(1), "one failing site never blocks the others")
}
