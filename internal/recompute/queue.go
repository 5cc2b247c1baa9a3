package recompute

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/sheikh-saqib/karma-ledger/internal/interfaces"
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("job queue closed")

// ChanQueue is an in-process JobQueue. Jobs are lost on restart, which is
// acceptable because every job kind can be re-derived and re-run.
type ChanQueue struct {
	jobs   chan interfaces.Job
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func NewChanQueue(capacity int, logger *slog.Logger) *ChanQueue {
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChanQueue{
		jobs:   make(chan interfaces.Job, capacity),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Enqueue blocks while the queue is full, until ctx is done.
func (q *ChanQueue) Enqueue(ctx context.Context, job interfaces.Job) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.jobs <- job:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume may be called from several goroutines; each job goes to one.
func (q *ChanQueue) Consume(ctx context.Context, handle func(context.Context, interfaces.Job) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.done:
			return nil
		case job := <-q.jobs:
			if err := handle(ctx, job); err != nil {
				q.logger.Warn("job failed", "id", job.ID, "kind", job.Kind, "error", err)
			}
		}
	}
}

func (q *ChanQueue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}

var _ interfaces.JobQueue = (*ChanQueue)(nil)
