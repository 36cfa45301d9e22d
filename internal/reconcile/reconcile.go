// Package reconcile diffs a freshly discovered URL set against the known
// set persisted for a site, classifying every discovered URL as new or
// still present. The diff is a pure set operation keyed on canonical URL
// equality; it has no ordering dependency and is idempotent.
package reconcile

import (
	"time"

	"github.com/EthanZane/insightpioneer-backend/internal/site"
)

// Status is the terminal state of a crawl session. The string values are
// persisted in the crawl log table.
type Status string

// Session terminal states.
const (
	StatusSuccess        Status = "success"
	StatusPartialSuccess Status = "partial_success"
	StatusFailed         Status = "failed"
)

// Result is the update plan produced by one reconciliation: new pages to
// insert, existing pages whose last_seen_at is bumped, and the session's
// terminal status. URLs known but absent from the discovered set are left
// untouched; absence in one run is never treated as deletion.
type Result struct {
	SiteID   int64
	RunTime  time.Time
	NewPages []site.DiscoveredURL
	SeenURLs []string
	Status   Status
	Message  string
}

// NewCount returns the number of URLs classified as new.
func (r Result) NewCount() int { return len(r.NewPages) }

// SeenCount returns the number of still-present URLs.
func (r Result) SeenCount() int { return len(r.SeenURLs) }

// Diff classifies each discovered URL against the known set. Duplicate
// canonical URLs within discovered are collapsed; the first occurrence
// wins (it may carry a title the later ones lack).
func Diff(siteID int64, discovered []site.DiscoveredURL, known map[string]struct{}, now time.Time) Result {
	res := Result{SiteID: siteID, RunTime: now}
	seen := make(map[string]struct{}, len(discovered))
	for _, d := range discovered {
		if _, dup := seen[d.URL]; dup {
			continue
		}
		seen[d.URL] = struct{}{}
		if _, ok := known[d.URL]; ok {
			res.SeenURLs = append(res.SeenURLs, d.URL)
		} else {
			res.NewPages = append(res.NewPages, d)
		}
	}
	return res
}
