package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/sheikh-saqib/karma-ledger/internal/interfaces"
)

// JobQueue moves background jobs through a Kafka topic. Offsets are
// committed after the handler returns, so delivery is at-least-once.
type JobQueue struct {
	brokers []string
	topic   string
	group   string
	writer  *kafka.Writer
	logger  *slog.Logger

	mu      sync.Mutex
	readers []*kafka.Reader
}

func NewJobQueue(brokers []string, topic, group string, logger *slog.Logger) *JobQueue {
	return &JobQueue{
		brokers: brokers,
		topic:   topic,
		group:   group,
		logger:  logger,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			MaxAttempts:  3,
		},
	}
}

func (q *JobQueue) Enqueue(ctx context.Context, job interfaces.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	key := job.UserID
	if key == "" {
		key = string(job.Kind)
	}
	return q.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: data})
}

// Consume joins the consumer group. Each call owns one reader, so running
// several consumers spreads partitions across them.
func (q *JobQueue) Consume(ctx context.Context, handle func(context.Context, interfaces.Job) error) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: q.brokers,
		Topic:   q.topic,
		GroupID: q.group,
	})
	q.mu.Lock()
	q.readers = append(q.readers, reader)
	q.mu.Unlock()
	defer reader.Close()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("fetch job: %w", err)
		}

		var job interfaces.Job
		if err := json.Unmarshal(msg.Value, &job); err != nil {
			q.logger.Error("dropping malformed job", "offset", msg.Offset, "error", err)
		} else if err := handle(ctx, job); err != nil {
			q.logger.Warn("job failed", "id", job.ID, "kind", job.Kind, "error", err)
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit job offset: %w", err)
		}
	}
}

func (q *JobQueue) Close() error {
	q.mu.Lock()
	readers := q.readers
	q.readers = nil
	q.mu.Unlock()

	err := q.writer.Close()
	for _, r := range readers {
		err = errors.Join(err, r.Close())
	}
	return err
}

var _ interfaces.JobQueue = (*JobQueue)(nil)
