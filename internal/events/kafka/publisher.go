// Package kafka carries ledger events and background jobs over Kafka.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/sheikh-saqib/karma-ledger/internal/models/events"
)

// Publisher writes event envelopes to Kafka topics. Messages are keyed by
// user so a consumer sees one user's events in order.
type Publisher struct {
	writer *kafka.Writer
}

func NewPublisher(brokers []string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *Publisher) Publish(ctx context.Context, topic string, env events.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", env.Type, err)
	}

	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(partitionKey(env)),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(env.Type)},
		},
	})
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

func partitionKey(env events.Envelope) string {
	switch d := env.Data.(type) {
	case events.EntryAppended:
		return d.UserID
	case events.DisputeChanged:
		return d.OpenedBy
	case events.EvidenceFlagged:
		return fmt.Sprintf("entry-%d", d.EntryID)
	}
	return env.ID
}
