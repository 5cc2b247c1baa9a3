package interfaces

import (
	"context"
	"time"
)

// JobKind names a background job.
type JobKind string

const (
	JobRecomputeTrust JobKind = "recompute_trust"
	JobDecaySweep     JobKind = "decay_sweep"
)

// Job is a unit of background work. Delivery is at-least-once, so every kind
// must be safe to run more than once.
type Job struct {
	ID     string    `json:"id"`
	Kind   JobKind   `json:"kind"`
	UserID string    `json:"user_id,omitempty"`
	Domain *string   `json:"domain,omitempty"`
	At     time.Time `json:"at"`
}

// JobQueue transports jobs between producers and the scheduler.
type JobQueue interface {
	Enqueue(ctx context.Context, job Job) error

	// Consume delivers jobs to handle until ctx is done. A handler error is
	// logged by the implementation; the job is not redelivered in-process.
	Consume(ctx context.Context, handle func(context.Context, Job) error) error

	Close() error
}
