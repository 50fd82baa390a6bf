package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"zappipe/pkg/logger"
)

// ExhaustedFunc is called once a job will not be retried, either because it
// used its retry budget or because the handler returned a permanent error.
// Returning an error leaves the job with the broker for redelivery.
type ExhaustedFunc func(ctx context.Context, job *Job, err error) error

// Client is the queue API used by producers and workers.
// It is constructed explicitly and its lifecycle is driven by Connect and Close.
type Client struct {
	broker  Broker
	tracker *Tracker
	log     zerolog.Logger
	now     func() time.Time
}

// NewClient wraps broker. tracker may be nil.
func NewClient(broker Broker, tracker *Tracker) *Client {
	if tracker == nil {
		tracker = NewTracker(0, 0)
	}
	return &Client{
		broker:  broker,
		tracker: tracker,
		log:     logger.Component("queue"),
		now:     time.Now,
	}
}

// Connect opens the underlying broker.
func (c *Client) Connect(ctx context.Context) error {
	return c.broker.Connect(ctx)
}

// Close releases the underlying broker.
func (c *Client) Close() error {
	return c.broker.Close()
}

// Tracker exposes job retention records.
func (c *Client) Tracker() *Tracker {
	return c.tracker
}

// drainPoll is how often Drain checks the tracker.
const drainPoll = 20 * time.Millisecond

// Drain waits until no job enqueued through this client on queue is pending,
// running or waiting for a retry. Workers must still be consuming while it waits.
func (c *Client) Drain(ctx context.Context, queue string) error {
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for {
		n := c.tracker.InFlight(queue)
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain %s: %d job(s) still in flight: %w", queue, n, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Enqueue publishes a new job named name on queue with payload marshalled to JSON.
func (c *Client) Enqueue(ctx context.Context, queue, name string, payload any, opts Options) (*Job, error) {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", name, err)
		}
		raw = data
	}

	job := &Job{
		ID:         uuid.NewString(),
		Queue:      queue,
		Name:       name,
		Payload:    raw,
		Options:    opts,
		EnqueuedAt: c.now(),
	}
	// tracked before publishing so a fast worker cannot be overwritten by the pending record
	c.tracker.Track(job, JobStatusPending, nil)
	if err := c.broker.Publish(ctx, job, opts.Delay); err != nil {
		c.tracker.Track(job, JobStatusFailed, err)
		return nil, fmt.Errorf("enqueue %s on %s: %w", name, queue, err)
	}
	c.log.Debug().Str("queue", queue).Str("jobID", job.ID).Str("name", name).Msg("Job enqueued")
	return job, nil
}

// Process consumes queue with concurrency workers until ctx is cancelled.
// Failed jobs are republished with backoff; permanent or exhausted failures go to onExhausted.
func (c *Client) Process(ctx context.Context, queue string, concurrency int, fn HandlerFunc, onExhausted ExhaustedFunc) error {
	return c.broker.Consume(ctx, queue, concurrency, func(ctx context.Context, job *Job) error {
		return c.run(ctx, job, fn, onExhausted)
	})
}

func (c *Client) run(ctx context.Context, job *Job, fn HandlerFunc, onExhausted ExhaustedFunc) error {
	c.tracker.Track(job, JobStatusActive, nil)
	start := c.now()

	err := fn(ctx, job)
	if err == nil {
		c.tracker.Track(job, JobStatusCompleted, nil)
		c.log.Debug().Str("queue", job.Queue).Str("jobID", job.ID).Dur("took", c.now().Sub(start)).Msg("Job completed")
		return nil
	}

	job.LastError = err.Error()
	if IsPermanent(err) || job.Exhausted() {
		c.log.Error().Err(err).
			Str("queue", job.Queue).
			Str("jobID", job.ID).
			Str("name", job.Name).
			Int("attempts", job.Attempt+1).
			Bool("permanent", IsPermanent(err)).
			Msg("Job failed permanently")
		if onExhausted != nil {
			if herr := onExhausted(ctx, job, err); herr != nil {
				c.log.Error().Err(herr).Str("jobID", job.ID).Msg("Exhausted handler failed, leaving job with broker")
				return herr
			}
		}
		c.tracker.Track(job, JobStatusFailed, err)
		return nil
	}

	job.Attempt++
	delay := job.Options.Backoff.Duration(job.Attempt)
	c.tracker.Track(job, JobStatusRetrying, err)
	if perr := c.broker.Publish(ctx, job, delay); perr != nil {
		job.Attempt--
		c.log.Error().Err(perr).Str("jobID", job.ID).Msg("Could not schedule retry, leaving job with broker")
		return perr
	}
	c.log.Warn().Err(err).
		Str("queue", job.Queue).
		Str("jobID", job.ID).
		Int("attempt", job.Attempt).
		Int("maxRetries", job.Options.MaxRetries).
		Dur("retryIn", delay).
		Msg("Job failed, will retry")
	return nil
}
