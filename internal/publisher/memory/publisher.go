// Package memory records published lifecycle events in process for tests and
// single-binary development runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/scrape-dispatch/internal/scrape"
)

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("publish canceled: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Events returns the recorded payloads that are job lifecycle events.
func (p *Publisher) Events() []scrape.Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []scrape.Event
	for _, msg := range p.messages {
		if evt, ok := msg.Payload.(scrape.Event); ok {
			out = append(out, evt)
		}
	}
	return out
}

// Close is a no-op so the memory publisher can stand in for the brokers.
func (p *Publisher) Close() error {
	return nil
}
