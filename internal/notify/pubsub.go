package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
)

// PubSub publishes new-page events to a Google Cloud Pub/Sub topic for
// downstream consumers (content pipelines, alerting).
type PubSub struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *zap.Logger
}

// NewPubSub creates a Pub/Sub client and verifies the topic exists. It
// authenticates with Application Default Credentials.
func NewPubSub(ctx context.Context, projectID, topicID string, logger *zap.Logger) (*PubSub, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		if cerr := client.Close(); cerr != nil {
			logger.Warn("close pubsub client", zap.Error(cerr))
		}
		return nil, fmt.Errorf("check pubsub topic %q: %w", topicID, err)
	}
	if !exists {
		if cerr := client.Close(); cerr != nil {
			logger.Warn("close pubsub client", zap.Error(cerr))
		}
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}
	return &PubSub{client: client, topic: topic, logger: logger}, nil
}

// NotifyNewPage implements Notifier. The publish is awaited so the caller
// learns about delivery problems, but the caller treats any error as
// best-effort.
func (p *PubSub) NotifyNewPage(ctx context.Context, evt NewPageEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal new page event: %w", err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"event": "new_page"},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish new page event: %w", err)
	}
	return nil
}

// NotifyRunFailure implements Notifier.
func (p *PubSub) NotifyRunFailure(ctx context.Context, siteID int64, siteName, message string) error {
	data, err := json.Marshal(map[string]any{
		"site_id":   siteID,
		"site_name": siteName,
		"message":   message,
	})
	if err != nil {
		return fmt.Errorf("marshal failure event: %w", err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"event": "run_failure"},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish failure event: %w", err)
	}
	return nil
}

// Close flushes pending publishes and closes the client.
func (p *PubSub) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
