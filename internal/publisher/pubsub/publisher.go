// Package pubsub publishes item notifications to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
)

// attributed payloads contribute message attributes, e.g. the spider name,
// so subscribers can filter without decoding the body.
type attributed interface {
	Attributes() map[string]string
}

// Publisher publishes JSON payloads to one topic.
type Publisher struct {
	topic *pubsub.Topic
}

// New creates a Publisher for topic.
func New(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// Publish marshals payload to JSON and waits for the server to accept it.
// The topic argument is informational; messages always go to the configured
// topic.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	if p.topic == nil {
		return "", fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"content_type": "application/json"},
	}
	if a, ok := payload.(attributed); ok {
		for k, v := range a.Attributes() {
			msg.Attributes[k] = v
		}
	}

	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Stop flushes pending messages and releases the topic's goroutines.
func (p *Publisher) Stop() {
	if p.topic != nil {
		p.topic.Stop()
	}
}
