// Package services runs the queue workers that persist flushed batches,
// transcribe media and relay the results to downstream consumers.
package services

import (
	"context"
	"time"

	"zappipe/internal/media"
	"zappipe/internal/models"
	"zappipe/internal/queue"
)

// Job names carried on the queues.
const (
	JobPersistBatch = "persist"
	JobTranscribe   = "transcribe"
)

// Store is the persistence used by the workers.
type Store interface {
	CreateMessage(ctx context.Context, m *models.Message) (bool, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	GetMessageByWAID(ctx context.Context, waID string) (*models.Message, error)
	SetTranscriptionStatus(ctx context.Context, id string, status models.TranscriptionStatus, reason string) error
	SaveTranscription(ctx context.Context, id, text, language, storageKey string) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	GetContact(ctx context.Context, id string) (*models.Contact, error)
	AddDeadLetter(ctx context.Context, dl *models.DeadLetter) error
	GetDeadLetter(ctx context.Context, id string) (*models.DeadLetter, error)
	ListDeadLetters(ctx context.Context, queue string, limit int) ([]models.DeadLetter, error)
	ClaimDeadLetter(ctx context.Context, id string, at time.Time) (bool, error)
	ReleaseDeadLetter(ctx context.Context, id string) error
}

// Enqueuer publishes jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue, name string, payload any, opts queue.Options) (*queue.Job, error)
}

// MediaProcessor turns downloaded media into text.
type MediaProcessor interface {
	Process(ctx context.Context, job *models.TranscriptionJob) (*media.Result, error)
}

// Relay mirrors persisted messages into an external inbox.
type Relay interface {
	RelayMessage(ctx context.Context, msg *models.Message) error
	RelayTranscription(ctx context.Context, msg *models.Message) error
}

// TranscriptionOptions is the retry policy of a fresh transcription job.
func TranscriptionOptions(maxRetries int, backoff time.Duration) queue.Options {
	return queue.Options{
		MaxRetries: maxRetries,
		Backoff:    queue.Backoff{Kind: queue.BackoffExponential, Delay: backoff},
	}
}
