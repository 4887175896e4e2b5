// Package kafka publishes job lifecycle events to Kafka with segmentio/kafka-go.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/JakeFAU/scrape-dispatch/internal/scrape"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config describes the brokers to write to.
type Config struct {
	Brokers      []string
	WriteTimeout time.Duration
}

// Publisher writes one message per event. The topic is chosen per call.
type Publisher struct {
	writer messageWriter
	seq    atomic.Uint64
}

// New builds a Publisher backed by a kafka.Writer.
func New(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: true,
	}
	return newWithWriter(w), nil
}

func newWithWriter(w messageWriter) *Publisher {
	return &Publisher{writer: w}
}

// Publish writes the payload as JSON. Events are keyed by job id so every
// transition of one job lands on the same partition.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := kafka.Message{Topic: topic, Value: data}
	if evt, ok := payload.(scrape.Event); ok {
		msg.Key = []byte(evt.JobID)
		msg.Headers = []kafka.Header{{Key: "type", Value: []byte(evt.Type)}}
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("write kafka message: %w", err)
	}
	return topic + "-" + strconv.FormatUint(p.seq.Add(1), 10), nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
