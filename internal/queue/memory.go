package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrBrokerClosed is returned by a broker used after Close.
var ErrBrokerClosed = errors.New("broker closed")

// redeliveryDelay spaces out redeliveries of jobs whose handler returned an error.
const redeliveryDelay = time.Second

// MemoryBroker is an in-process broker for single-node deployments and tests.
// Jobs are copied through JSON on publish so consumers never share memory with producers.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	timers map[*time.Timer]struct{}
	closed bool
	done   chan struct{}
}

type memQueue struct {
	mu    sync.Mutex
	items []*Job
	ready chan struct{}
}

// NewMemoryBroker returns an unconnected in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues: make(map[string]*memQueue),
		timers: make(map[*time.Timer]struct{}),
		done:   make(chan struct{}),
	}
}

func (b *MemoryBroker) Connect(ctx context.Context) error {
	log.Info().Msg("In-memory queue broker ready")
	return nil
}

func (b *MemoryBroker) queue(name string) *memQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = &memQueue{ready: make(chan struct{}, 1)}
		b.queues[name] = q
	}
	return q
}

func (b *MemoryBroker) Publish(ctx context.Context, job *Job, delay time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	var cp Job
	if err := json.Unmarshal(data, &cp); err != nil {
		return fmt.Errorf("unmarshal job: %w", err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBrokerClosed
	}
	if delay > 0 {
		var t *time.Timer
		t = time.AfterFunc(delay, func() {
			b.mu.Lock()
			delete(b.timers, t)
			closed := b.closed
			b.mu.Unlock()
			if !closed {
				b.queue(cp.Queue).push(&cp)
			}
		})
		b.timers[t] = struct{}{}
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	b.queue(cp.Queue).push(&cp)
	return nil
}

func (b *MemoryBroker) Consume(ctx context.Context, queue string, concurrency int, fn HandlerFunc) error {
	if concurrency < 1 {
		concurrency = 1
	}
	q := b.queue(queue)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job := q.pop(ctx, b.done)
				if job == nil {
					return
				}
				if err := fn(ctx, job); err != nil {
					log.Warn().Err(err).Str("queue", queue).Str("jobID", job.ID).Msg("Handler failed, requeueing job")
					if perr := b.Publish(context.Background(), job, redeliveryDelay); perr != nil {
						log.Error().Err(perr).Str("queue", queue).Str("jobID", job.ID).Msg("Could not requeue job")
					}
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Depth returns the number of jobs waiting in queue, excluding delayed ones.
func (b *MemoryBroker) Depth(queue string) int {
	q := b.queue(queue)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for t := range b.timers {
		t.Stop()
	}
	if len(b.timers) > 0 {
		log.Warn().Int("delayed", len(b.timers)).Msg("In-memory broker closed with delayed jobs, they are lost")
	}
	close(b.done)
	return nil
}

func (q *memQueue) push(job *Job) {
	q.mu.Lock()
	q.items = append(q.items, job)
	q.mu.Unlock()
	q.signal()
}

func (q *memQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *memQueue) pop(ctx context.Context, done <-chan struct{}) *Job {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			job := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return job
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return nil
		case <-q.ready:
		}
	}
}
