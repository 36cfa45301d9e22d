// Package notify delivers best-effort new-page and failure notifications.
// Delivery failures are logged by callers and never fail a crawl session.
package notify

import (
	"context"
	"sync"
	"time"
)

// NewPageEvent describes one newly discovered page.
type NewPageEvent struct {
	SiteID       int64     `json:"site_id"`
	SiteName     string    `json:"site_name"`
	URL          string    `json:"url"`
	Title        string    `json:"title,omitempty"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Notifier is the notification contract the orchestrator consumes.
type Notifier interface {
	NotifyNewPage(ctx context.Context, evt NewPageEvent) error
	NotifyRunFailure(ctx context.Context, siteID int64, siteName, message string) error
}

// Multi fans one event out to several notifiers, returning the first
// error after attempting all of them.
type Multi []Notifier

// NotifyNewPage implements Notifier.
func (m Multi) NotifyNewPage(ctx context.Context, evt NewPageEvent) error {
	var first error
	for _, n := range m {
		if err := n.NotifyNewPage(ctx, evt); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NotifyRunFailure implements Notifier.
func (m Multi) NotifyRunFailure(ctx context.Context, siteID int64, siteName, message string) error {
	var first error
	for _, n := range m {
		if err := n.NotifyRunFailure(ctx, siteID, siteName, message); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Memory records notifications for assertions in tests.
type Memory struct {
	mu       sync.Mutex
	pages    []NewPageEvent
	failures []string
}

// NewMemory builds an empty recording notifier.
func NewMemory() *Memory { return &Memory{} }

// NotifyNewPage implements Notifier.
func (m *Memory) NotifyNewPage(_ context.Context, evt NewPageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages = append(m.pages, evt)
	return nil
}

// NotifyRunFailure implements Notifier.
func (m *Memory) NotifyRunFailure(_ context.Context, _ int64, siteName, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, siteName+": "+message)
	return nil
}

// Pages returns the recorded new-page events.
func (m *Memory) Pages() []NewPageEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]NewPageEvent, len(m.pages))
	copy(out, m.pages)
	return out
}

// Failures returns the recorded failure notifications.
func (m *Memory) Failures() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.failures))
	copy(out, m.failures)
	return out
}
