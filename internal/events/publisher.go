// Package events notifies downstream consumers about pipeline progress.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"zappipe/pkg/logger"
)

const (
	MessageReady            = "message.ready"
	TranscriptionCompleted  = "transcription.completed"
	TranscriptionDeadLetter = "transcription.dead_letter"
)

// Envelope wraps every published event.
type Envelope struct {
	Type         string          `json:"type"`
	ConnectionID string          `json:"connectionId,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Event        json.RawMessage `json:"event"`
}

// Publisher emits events. Failures are reported but must never block the pipeline.
type Publisher interface {
	Publish(ctx context.Context, eventType, connectionID string, payload any) error
}

// RawPublisher sends a JSON body to a logical queue.
type RawPublisher interface {
	PublishRaw(ctx context.Context, queue string, body []byte) error
}

// QueuePublisher publishes envelopes to the broker. Event types listed as
// specific get their own queue, everything else shares the default queue.
type QueuePublisher struct {
	raw          RawPublisher
	defaultQueue string
	specific     map[string]bool
	now          func() time.Time
	log          zerolog.Logger
}

// NewQueuePublisher routes events to defaultQueue unless they are in specific.
func NewQueuePublisher(raw RawPublisher, defaultQueue string, specific []string) *QueuePublisher {
	if defaultQueue == "" {
		defaultQueue = "events"
	}
	p := &QueuePublisher{
		raw:          raw,
		defaultQueue: defaultQueue,
		specific:     make(map[string]bool),
		now:          time.Now,
		log:          logger.Component("events"),
	}
	for _, ev := range specific {
		if ev = strings.TrimSpace(ev); ev != "" {
			p.specific[ev] = true
		}
	}
	if len(p.specific) > 0 {
		p.log.Info().Strs("specificEvents", specific).Msg("Specific event queues configured")
	}
	return p
}

// QueueFor returns the logical queue of an event type.
func (p *QueuePublisher) QueueFor(eventType string) string {
	if p.specific[eventType] {
		return strings.ToLower(eventType)
	}
	return p.defaultQueue
}

func (p *QueuePublisher) Publish(ctx context.Context, eventType, connectionID string, payload any) error {
	body, err := encode(eventType, connectionID, payload, p.now())
	if err != nil {
		return err
	}
	queue := p.QueueFor(eventType)
	if err := p.raw.PublishRaw(ctx, queue, body); err != nil {
		p.log.Error().Err(err).Str("eventType", eventType).Str("queue", queue).Msg("Failed to publish event")
		return err
	}
	p.log.Debug().Str("eventType", eventType).Str("queue", queue).Msg("Event published")
	return nil
}

// LogPublisher writes events to the log when no broker is configured.
type LogPublisher struct {
	log zerolog.Logger
}

// NewLogPublisher returns a Publisher that only logs.
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{log: logger.Component("events")}
}

func (p *LogPublisher) Publish(ctx context.Context, eventType, connectionID string, payload any) error {
	body, err := encode(eventType, connectionID, payload, time.Now())
	if err != nil {
		return err
	}
	p.log.Info().Str("eventType", eventType).RawJSON("envelope", body).Msg("Event")
	return nil
}

func encode(eventType, connectionID string, payload any, at time.Time) ([]byte, error) {
	event, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	return json.Marshal(Envelope{
		Type:         eventType,
		ConnectionID: connectionID,
		Timestamp:    at.UTC(),
		Event:        event,
	})
}
