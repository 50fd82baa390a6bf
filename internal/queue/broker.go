package queue

import (
	"context"
	"time"
)

// HandlerFunc processes one delivered job. A nil return acknowledges it;
// an error asks the broker to redeliver it later.
type HandlerFunc func(ctx context.Context, job *Job) error

// Broker moves jobs between producers and consumers with at-least-once delivery.
type Broker interface {
	// Connect opens the broker connection. It must be called before any other method.
	Connect(ctx context.Context) error
	// Publish stores job on job.Queue, visible to consumers after delay.
	Publish(ctx context.Context, job *Job, delay time.Duration) error
	// Consume runs up to concurrency handlers for queue until ctx is cancelled.
	Consume(ctx context.Context, queue string, concurrency int, fn HandlerFunc) error
	Close() error
}
