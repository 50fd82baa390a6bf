package concat

import (
	"context"
	"strings"
	"time"

	"zappipe/internal/models"
)

// FlushReason records why a buffer was emitted.
type FlushReason string

const (
	ReasonTimer       FlushReason = "timer"
	ReasonMaxLifetime FlushReason = "max_lifetime"
	ReasonSize        FlushReason = "size"
	ReasonTypeChange  FlushReason = "type_change"
	ReasonManual      FlushReason = "manual"
	ReasonSession     FlushReason = "session"
	ReasonShutdown    FlushReason = "shutdown"
	ReasonSingle      FlushReason = "single"
)

// Key identifies one concatenation buffer.
type Key struct {
	SessionID string
	ContactID string
	Direction models.Direction
	Coarse    models.CoarseType
}

// Batch is the ordered content of one flushed buffer.
type Batch struct {
	ID           string                       `json:"id"`
	SessionID    string                       `json:"session_id"`
	ContactID    string                       `json:"contact_id"`
	ConnectionID string                       `json:"connection_id"`
	Direction    models.Direction             `json:"direction"`
	Coarse       models.CoarseType            `json:"coarse"`
	Events       []models.InboundMessageEvent `json:"events"`
	Reason       FlushReason                  `json:"reason"`
	OpenedAt     time.Time                    `json:"opened_at"`
	FlushedAt    time.Time                    `json:"flushed_at"`
}

// Body joins the fragment bodies in arrival order, exactly as received.
func (b *Batch) Body(sep string) string {
	parts := make([]string, len(b.Events))
	for i, ev := range b.Events {
		parts[i] = ev.Body
	}
	return strings.Join(parts, sep)
}

// First returns the earliest event of the batch.
func (b *Batch) First() models.InboundMessageEvent {
	return b.Events[0]
}

// Sink receives flushed batches. Implementations must be safe for concurrent use.
type Sink interface {
	Flush(ctx context.Context, batch *Batch) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, batch *Batch) error

func (f SinkFunc) Flush(ctx context.Context, batch *Batch) error { return f(ctx, batch) }
