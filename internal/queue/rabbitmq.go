package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// RabbitBroker stores jobs in durable RabbitMQ queues named "<prefix>_<queue>".
// Delayed jobs wait in a per-delay holding queue whose TTL dead-letters them back to the work queue.
// Deliveries the client could neither finish nor reschedule are rejected into "<queue>.parked".
type RabbitBroker struct {
	url    string
	prefix string

	mu       sync.Mutex // guards pubCh, amqp channels are not safe for concurrent publishing
	conn     *amqp091.Connection
	pubCh    *amqp091.Channel
	declared map[string]bool
}

// NewRabbitBroker returns a broker for url. Connect must be called before use.
func NewRabbitBroker(url, prefix string) *RabbitBroker {
	if prefix == "" {
		prefix = "zappipe"
	}
	return &RabbitBroker{
		url:      url,
		prefix:   prefix,
		declared: make(map[string]bool),
	}
}

// QueueName returns the physical queue name for a logical queue.
func (b *RabbitBroker) QueueName(queue string) string {
	return b.prefix + "_" + strings.ToLower(queue)
}

func delayQueueName(target string, delay time.Duration) string {
	return fmt.Sprintf("%s.delay.%d", target, delay.Milliseconds())
}

func parkedQueueName(target string) string {
	return target + ".parked"
}

func workQueueArgs(target string) amqp091.Table {
	return amqp091.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": parkedQueueName(target),
	}
}

func (b *RabbitBroker) Connect(ctx context.Context) error {
	if b.url == "" {
		return fmt.Errorf("RABBITMQ_URL is not set")
	}
	conn, err := amqp091.Dial(b.url)
	if err != nil {
		return fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("could not open RabbitMQ channel: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.pubCh = ch
	b.mu.Unlock()

	log.Info().Str("prefix", b.prefix).Msg("RabbitMQ connection established")
	return nil
}

// declareLocked declares a durable queue once per broker. b.mu must be held.
func (b *RabbitBroker) declareLocked(name string, args amqp091.Table) error {
	if b.declared[name] {
		return nil
	}
	if _, err := b.pubCh.QueueDeclare(
		name,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		args,
	); err != nil {
		log.Error().Err(err).Str("queue", name).Msg("Could not declare RabbitMQ queue")
		return err
	}
	b.declared[name] = true
	return nil
}

// declareWorkLocked declares a work queue and the parking queue its rejects go to. b.mu must be held.
func (b *RabbitBroker) declareWorkLocked(name string) error {
	if err := b.declareLocked(parkedQueueName(name), nil); err != nil {
		return err
	}
	return b.declareLocked(name, workQueueArgs(name))
}

func (b *RabbitBroker) Publish(ctx context.Context, job *Job, delay time.Duration) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	target := b.QueueName(job.Queue)
	routingKey := target

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubCh == nil {
		return ErrBrokerClosed
	}
	if err := b.declareWorkLocked(target); err != nil {
		return err
	}
	if delay > 0 {
		routingKey = delayQueueName(target, delay)
		ms := delay.Milliseconds()
		if err := b.declareLocked(routingKey, amqp091.Table{
			"x-message-ttl":             ms,
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": target,
			// holding queues for one-off delays disappear once idle
			"x-expires": ms + int64(time.Minute/time.Millisecond),
		}); err != nil {
			return err
		}
	}

	err = b.pubCh.PublishWithContext(ctx,
		"",         // exchange (default)
		routingKey, // routing key = queue
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    job.ID,
			Timestamp:    time.Now(),
			Type:         job.Name,
			Body:         body,
		},
	)
	if err != nil {
		log.Error().Err(err).Str("queue", routingKey).Str("jobID", job.ID).Msg("Could not publish to RabbitMQ")
		return err
	}
	log.Debug().Str("queue", routingKey).Str("jobID", job.ID).Dur("delay", delay).Msg("Published job to RabbitMQ")
	return nil
}

// PublishRaw publishes an arbitrary JSON document to "<prefix>_<queue>".
func (b *RabbitBroker) PublishRaw(ctx context.Context, queue string, body []byte) error {
	name := b.QueueName(queue)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubCh == nil {
		return ErrBrokerClosed
	}
	if err := b.declareLocked(name, nil); err != nil {
		return err
	}
	return b.pubCh.PublishWithContext(ctx, "", name, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func (b *RabbitBroker) Consume(ctx context.Context, queue string, concurrency int, fn HandlerFunc) error {
	if concurrency < 1 {
		concurrency = 1
	}
	name := b.QueueName(queue)

	b.mu.Lock()
	conn := b.conn
	if conn == nil {
		b.mu.Unlock()
		return ErrBrokerClosed
	}
	err := b.declareWorkLocked(name)
	b.mu.Unlock()
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("could not open consumer channel: %w", err)
	}
	defer ch.Close()

	// prefetch bounds in-flight jobs to the worker count
	if err := ch.Qos(concurrency, 0, false); err != nil {
		return fmt.Errorf("could not set prefetch: %w", err)
	}
	deliveries, err := ch.Consume(name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("could not consume %s: %w", name, err)
	}
	log.Info().Str("queue", name).Int("concurrency", concurrency).Msg("Consuming RabbitMQ queue")

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					b.handleDelivery(ctx, name, d, fn)
				}
			}
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("delivery channel for %s closed", name)
}

func (b *RabbitBroker) handleDelivery(ctx context.Context, queue string, d amqp091.Delivery, fn HandlerFunc) {
	var job Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		log.Error().Err(err).Str("queue", queue).Str("body", string(d.Body)).Msg("Parking undecodable job")
		_ = d.Nack(false, false)
		return
	}
	// fn already retries through Publish; an error here means that path failed,
	// and requeueing would redeliver the job in a tight loop
	if err := fn(ctx, &job); err != nil {
		log.Error().Err(err).Str("queue", queue).Str("jobID", job.ID).Str("parkedIn", parkedQueueName(queue)).Msg("Handler failed, parking job")
		_ = d.Nack(false, false)
		return
	}
	if err := d.Ack(false); err != nil {
		log.Error().Err(err).Str("queue", queue).Str("jobID", job.ID).Msg("Could not ack job")
	}
}

func (b *RabbitBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	if b.pubCh != nil {
		if err := b.pubCh.Close(); err != nil {
			firstErr = err
		}
		b.pubCh = nil
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		b.conn = nil
	}
	log.Info().Msg("RabbitMQ connection closed")
	return firstErr
}
