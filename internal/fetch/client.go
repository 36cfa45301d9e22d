// Package fetch implements the bounded-concurrency HTTP client used by all
// discovery strategies: per-request timeout, retry with jittered backoff
// for transient failures, a global in-flight bound, and per-host
// politeness intervals.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/EthanZane/insightpioneer-backend/internal/metrics"
)

// ErrorClass partitions fetch failures by how callers should react.
type ErrorClass int

// Error classes. Transient failures are retried by the client and, once
// retries exhaust, skipped by the caller; permanent failures are skipped
// immediately.
const (
	ClassTransient ErrorClass = iota
	ClassPermanent
)

func (c ErrorClass) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// Error is the classified failure returned by Client.Fetch.
type Error struct {
	URL        string
	StatusCode int
	Class      ErrorClass
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d (%s)", e.URL, e.StatusCode, e.Class)
	}
	return fmt.Sprintf("fetch %s: %v (%s)", e.URL, e.Err, e.Class)
}

func (e *Error) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a classified permanent fetch failure.
func IsPermanent(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Class == ClassPermanent
}

// Response is a successfully fetched page.
type Response struct {
	URL        string
	FinalURL   string
	StatusCode int
	Body       []byte
}

// Fetcher is the client surface the strategies depend on.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (Response, error)
}

// Options configures a Client for one site session.
type Options struct {
	UserAgent    string
	ProxyURL     string
	Timeout      time.Duration
	MaxBodyBytes int
	MaxInFlight  int64
	Retry        RetryPolicy
}

// Client is a colly-backed Fetcher. A collector clone is used per request
// so handler state never leaks between fetches.
type Client struct {
	base    *colly.Collector
	retry   RetryPolicy
	limiter *HostLimiter
	sem     *semaphore.Weighted
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewClient constructs a Client. The HostLimiter is shared across sessions
// so concurrent crawls of the same host stay polite.
func NewClient(opts Options, limiter *HostLimiter, m *metrics.Metrics, logger *zap.Logger) (*Client, error) {
	base := colly.NewCollector(
		colly.UserAgent(opts.UserAgent),
		colly.MaxBodySize(opts.MaxBodyBytes),
		colly.IgnoreRobotsTxt(), // robots compliance lives in the robots gate
	)
	base.AllowURLRevisit = true // revisit control lives in the strategies
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: opts.Timeout,
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(opts.Timeout)
	if opts.ProxyURL != "" {
		if err := base.SetProxy(opts.ProxyURL); err != nil {
			return nil, fmt.Errorf("set proxy: %w", err)
		}
	}
	retry := opts.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	inFlight := opts.MaxInFlight
	if inFlight <= 0 {
		inFlight = 8
	}
	return &Client{
		base:    base,
		retry:   retry,
		limiter: limiter,
		sem:     semaphore.NewWeighted(inFlight),
		metrics: m,
		logger:  logger,
	}, nil
}

// Fetch retrieves rawURL, retrying transient failures per the retry
// policy. The returned error, if any, is always a *fetch.Error.
func (c *Client) Fetch(ctx context.Context, rawURL string) (Response, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Response{}, &Error{URL: rawURL, Class: ClassPermanent, Err: err}
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return Response{}, &Error{URL: rawURL, Class: ClassTransient, Err: err}
	}
	defer c.sem.Release(1)

	var last *Error
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx, parsed.Hostname()); err != nil {
			return Response{}, &Error{URL: rawURL, Class: ClassTransient, Err: err}
		}
		start := time.Now()
		resp, ferr := c.doFetch(rawURL)
		c.metrics.ObserveFetch(parsed.Hostname(), statusLabel(resp, ferr), time.Since(start))
		if ferr == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return Response{}, &Error{URL: rawURL, Class: ClassTransient, Err: ctx.Err()}
		}
		last = ferr
		if !c.retry.ShouldRetry(ferr.Class, attempt+1) {
			break
		}
		c.logger.Debug("retrying fetch",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt+1),
			zap.Error(ferr))
		if err := sleep(ctx, c.retry.Backoff(attempt)); err != nil {
			return Response{}, &Error{URL: rawURL, Class: ClassTransient, Err: err}
		}
	}
	c.metrics.ObserveFetchError(last.Class.String())
	return Response{}, last
}

func (c *Client) doFetch(rawURL string) (Response, *Error) {
	collector := c.base.Clone()
	resultCh := make(chan fetchResult, 1)
	var once sync.Once
	send := func(res fetchResult) {
		once.Do(func() { resultCh <- res })
	}

	collector.OnResponse(func(r *colly.Response) {
		send(fetchResult{resp: Response{
			URL:        rawURL,
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte{}, r.Body...),
		}})
	})
	collector.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		send(fetchResult{err: classify(rawURL, status, err)})
	})

	visitErr := collector.Visit(rawURL)
	collector.Wait()

	// Visit is synchronous, so a non-2xx surfaces both through OnError
	// and as Visit's return value. The callback result carries the real
	// status code and classification; only fall back to the bare Visit
	// error when no callback fired (bad scheme, revisit, and the like).
	select {
	case res := <-resultCh:
		return res.resp, res.err
	default:
	}
	if visitErr != nil {
		return Response{}, classify(rawURL, 0, visitErr)
	}
	return Response{}, &Error{URL: rawURL, Class: ClassTransient, Err: errors.New("no response produced")}
}

type fetchResult struct {
	resp Response
	err  *Error
}

func classify(rawURL string, status int, err error) *Error {
	fe := &Error{URL: rawURL, StatusCode: status, Err: err}
	switch {
	case status >= 500:
		fe.Class = ClassTransient
	case status >= 400:
		fe.Class = ClassPermanent
	default:
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			fe.Class = ClassTransient
		} else {
			// Scheme, parse, or protocol problems do not heal on retry.
			fe.Class = ClassPermanent
		}
	}
	return fe
}

func statusLabel(resp Response, err *Error) string {
	switch {
	case err == nil:
		return fmt.Sprintf("%d", resp.StatusCode)
	case err.StatusCode > 0:
		return fmt.Sprintf("%d", err.StatusCode)
	default:
		return "error"
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
