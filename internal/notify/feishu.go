package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const feishuAttempts = 3

// Feishu posts signed messages to a Feishu bot webhook.
type Feishu struct {
	webhookURL string
	secret     string
	client     *http.Client
	logger     *zap.Logger
	now        func() time.Time
	retryDelay time.Duration
}

// NewFeishu builds a Feishu notifier. webhookURL and secret come from
// process configuration; with either empty the notifier refuses to send.
func NewFeishu(webhookURL, secret string, logger *zap.Logger) *Feishu {
	return &Feishu{
		webhookURL: webhookURL,
		secret:     secret,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		now:        time.Now,
		retryDelay: time.Second,
	}
}

// NotifyNewPage implements Notifier with a post card for one page.
func (f *Feishu) NotifyNewPage(ctx context.Context, evt NewPageEvent) error {
	title := evt.Title
	if title == "" {
		title = evt.URL
	}
	content := map[string]any{
		"post": map[string]any{
			"zh_cn": map[string]any{
				"title": fmt.Sprintf("New page on %s", evt.SiteName),
				"content": [][]map[string]any{
					{
						{"tag": "a", "text": title, "href": evt.URL},
					},
					{
						{"tag": "text", "text": "discovered " + evt.DiscoveredAt.UTC().Format(time.RFC3339)},
					},
				},
			},
		},
	}
	return f.send(ctx, "post", content)
}

// NotifyRunFailure implements Notifier.
func (f *Feishu) NotifyRunFailure(ctx context.Context, siteID int64, siteName, message string) error {
	content := map[string]any{
		"text": fmt.Sprintf("Crawl failed for %s (site %d): %s", siteName, siteID, message),
	}
	return f.send(ctx, "text", content)
}

func (f *Feishu) send(ctx context.Context, msgType string, content map[string]any) error {
	if f.webhookURL == "" || f.secret == "" {
		return fmt.Errorf("feishu webhook is not configured")
	}
	ts := f.now().Unix()
	payload, err := json.Marshal(map[string]any{
		"timestamp": fmt.Sprintf("%d", ts),
		"sign":      sign(ts, f.secret),
		"msg_type":  msgType,
		"content":   content,
	})
	if err != nil {
		return fmt.Errorf("marshal feishu payload: %w", err)
	}

	var last error
	for attempt := 0; attempt < feishuAttempts; attempt++ {
		if attempt > 0 {
			backoff := f.retryDelay << attempt
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if last = f.post(ctx, payload); last == nil {
			return nil
		}
		f.logger.Warn("feishu send failed", zap.Int("attempt", attempt+1), zap.Error(last))
	}
	return last
}

func (f *Feishu) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("new feishu request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("post feishu webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("feishu webhook status %d", resp.StatusCode)
	}
	var body struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode feishu response: %w", err)
	}
	if body.Code != 0 {
		return fmt.Errorf("feishu rejected message: code %d %s", body.Code, body.Msg)
	}
	return nil
}

// sign computes the bot signature: HMAC-SHA256 keyed by "{ts}\n{secret}"
// over an empty message, base64-encoded, per the Feishu bot contract.
func sign(ts int64, secret string) string {
	mac := hmac.New(sha256.New, []byte(fmt.Sprintf("%d\n%s", ts, secret)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
