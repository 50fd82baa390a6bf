package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"zappipe/internal/models"
	"zappipe/internal/queue"
	"zappipe/pkg/logger"
)

// AlreadyReprocessedError is returned when a dead letter was retried before.
type AlreadyReprocessedError struct {
	ID string
	At time.Time
}

func (e *AlreadyReprocessedError) Error() string {
	return fmt.Sprintf("dead letter %s was already reprocessed at %s", e.ID, e.At.Format(time.RFC3339))
}

// DeadLetterService lists dead letters and re-enqueues them on request.
type DeadLetterService struct {
	store Store
	queue Enqueuer
	opts  queue.Options
	now   func() time.Time
	log   zerolog.Logger
}

// NewDeadLetterService retries with a fresh opts budget.
func NewDeadLetterService(st Store, q Enqueuer, opts queue.Options) *DeadLetterService {
	return &DeadLetterService{
		store: st,
		queue: q,
		opts:  opts,
		now:   func() time.Time { return time.Now().UTC() },
		log:   logger.Component("deadletters"),
	}
}

// List returns the newest transcription dead letters.
func (s *DeadLetterService) List(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	return s.store.ListDeadLetters(ctx, queue.QueueTranscriptionDeadLetter, limit)
}

// Retry re-enqueues the dead letter's payload unchanged. The dead letter is
// claimed before the enqueue so concurrent retries produce a single job.
func (s *DeadLetterService) Retry(ctx context.Context, id string) (*queue.Job, error) {
	dl, err := s.store.GetDeadLetter(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load dead letter %s: %w", id, err)
	}
	if dl.ReprocessedAt != nil {
		return nil, &AlreadyReprocessedError{ID: dl.ID, At: *dl.ReprocessedAt}
	}

	var tj models.TranscriptionJob
	if err := json.Unmarshal([]byte(dl.Payload), &tj); err != nil {
		return nil, fmt.Errorf("decode dead letter %s: %w", id, err)
	}

	claimed, err := s.store.ClaimDeadLetter(ctx, dl.ID, s.now())
	if err != nil {
		return nil, fmt.Errorf("claim dead letter %s: %w", id, err)
	}
	if !claimed {
		at := s.now()
		if cur, err := s.store.GetDeadLetter(ctx, dl.ID); err == nil && cur.ReprocessedAt != nil {
			at = *cur.ReprocessedAt
		}
		return nil, &AlreadyReprocessedError{ID: dl.ID, At: at}
	}

	if err := s.store.SetTranscriptionStatus(ctx, tj.MessageID, models.TranscriptionPending, ""); err != nil {
		s.release(ctx, dl.ID)
		return nil, fmt.Errorf("reset message %s: %w", tj.MessageID, err)
	}
	name := dl.JobName
	if name == "" {
		name = JobTranscribe
	}
	job, err := s.queue.Enqueue(ctx, queue.QueueTranscription, name, json.RawMessage(dl.Payload), s.opts)
	if err != nil {
		s.release(ctx, dl.ID)
		return nil, err
	}
	s.log.Info().Str("deadLetterID", dl.ID).Str("jobID", job.ID).Str("messageID", tj.MessageID).Msg("Dead letter re-enqueued")
	return job, nil
}

func (s *DeadLetterService) release(ctx context.Context, id string) {
	if err := s.store.ReleaseDeadLetter(ctx, id); err != nil {
		s.log.Error().Err(err).Str("deadLetterID", id).Msg("Failed to release dead letter claim, it stays marked reprocessed")
	}
}
