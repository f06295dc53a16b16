// Package memory records item notifications in memory; used when no Pub/Sub
// topic is configured and in tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

type attributed interface {
	Attributes() map[string]string
}

// Message is one recorded publish, encoded as it would be sent.
type Message struct {
	ID         string
	Topic      string
	Data       []byte
	Attributes map[string]string
}

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish encodes payload to JSON and records it.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	var attrs map[string]string
	if a, ok := payload.(attributed); ok {
		attrs = a.Attributes()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Data: data, Attributes: attrs})
	return id, nil
}

// Messages returns a copy of the recorded publishes.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}
