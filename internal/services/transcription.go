package services

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"zappipe/internal/events"
	"zappipe/internal/models"
	"zappipe/internal/queue"
	"zappipe/pkg/logger"
)

// TranscriptionCompletedEvent is published once a media message has text.
type TranscriptionCompletedEvent struct {
	MessageID       string             `json:"message_id"`
	SessionID       string             `json:"session_id"`
	ContactID       string             `json:"contact_id"`
	MediaType       models.MessageType `json:"media_type"`
	Transcription   string             `json:"transcription"`
	Language        string             `json:"language,omitempty"`
	Provider        string             `json:"provider,omitempty"`
	Strategy        string             `json:"strategy,omitempty"`
	MediaStorageKey string             `json:"media_storage_key,omitempty"`
}

// TranscriptionDeadLetterEvent is published when a transcription job is dead-lettered.
type TranscriptionDeadLetterEvent struct {
	DeadLetterID string    `json:"dead_letter_id"`
	MessageID    string    `json:"message_id"`
	JobID        string    `json:"job_id"`
	Error        string    `json:"error"`
	Attempts     int       `json:"attempts"`
	FailedAt     time.Time `json:"failed_at"`
}

// TranscriptionWorker consumes the transcription queue.
type TranscriptionWorker struct {
	deps Deps
	now  func() time.Time
	log  zerolog.Logger
}

// NewTranscriptionWorker uses deps.Processor for the media work.
func NewTranscriptionWorker(deps Deps) *TranscriptionWorker {
	return &TranscriptionWorker{
		deps: deps,
		now:  func() time.Time { return time.Now().UTC() },
		log:  logger.Component("transcription"),
	}
}

// Handle processes one job. Errors are returned as is so the queue can tell
// transient failures from permanent ones.
func (w *TranscriptionWorker) Handle(ctx context.Context, job *queue.Job) error {
	var tj models.TranscriptionJob
	if err := job.Decode(&tj); err != nil {
		return err
	}
	log := w.log.With().Str("jobID", job.ID).Str("messageID", tj.MessageID).Int("attempt", job.Attempt).Logger()

	if err := w.deps.Store.SetTranscriptionStatus(ctx, tj.MessageID, models.TranscriptionProcessing, ""); err != nil {
		return fmt.Errorf("mark %s processing: %w", tj.MessageID, err)
	}

	start := w.now()
	res, err := w.deps.Processor.Process(ctx, &tj)
	if err != nil {
		if serr := w.deps.Store.SetTranscriptionStatus(ctx, tj.MessageID, models.TranscriptionFailed, err.Error()); serr != nil {
			log.Warn().Err(serr).Msg("Failed to record transcription failure")
		}
		return err
	}

	if err := w.deps.Store.SaveTranscription(ctx, tj.MessageID, res.Text, res.Language, res.MediaStorageKey); err != nil {
		return fmt.Errorf("save transcription of %s: %w", tj.MessageID, err)
	}
	log.Info().
		Str("mediaType", string(tj.MediaType)).
		Str("strategy", res.Strategy).
		Int("chars", len(res.Text)).
		Dur("took", w.now().Sub(start)).
		Msg("Transcription completed")

	msg, err := w.deps.Store.GetMessage(ctx, tj.MessageID)
	if err != nil {
		log.Warn().Err(err).Msg("Transcription saved but message could not be reloaded")
		return nil
	}
	ev := TranscriptionCompletedEvent{
		MessageID:       msg.ID,
		SessionID:       msg.SessionID,
		ContactID:       msg.ContactID,
		MediaType:       msg.Type,
		Transcription:   res.Text,
		Language:        res.Language,
		Provider:        res.Provider,
		Strategy:        res.Strategy,
		MediaStorageKey: res.MediaStorageKey,
	}
	if err := w.deps.Events.Publish(ctx, events.TranscriptionCompleted, msg.ConnectionID, ev); err != nil {
		log.Warn().Err(err).Msg("Failed to publish transcription.completed")
	}
	if w.deps.Relay != nil {
		if err := w.deps.Relay.RelayTranscription(ctx, msg); err != nil {
			log.Warn().Err(err).Msg("Relay of transcription failed")
		}
	}
	return nil
}

// OnExhausted dead-letters the job with its payload intact and marks the message failed.
// A storage error is returned so the broker keeps the job.
func (w *TranscriptionWorker) OnExhausted(ctx context.Context, job *queue.Job, cause error) error {
	dl := &models.DeadLetter{
		Queue:    queue.QueueTranscriptionDeadLetter,
		JobID:    job.ID,
		JobName:  job.Name,
		Payload:  string(job.Payload),
		Error:    cause.Error(),
		Attempts: job.Attempt + 1,
		FailedAt: w.now(),
	}
	if err := w.deps.Store.AddDeadLetter(ctx, dl); err != nil {
		return fmt.Errorf("dead-letter job %s: %w", job.ID, err)
	}

	var tj models.TranscriptionJob
	if err := job.Decode(&tj); err != nil {
		w.log.Error().Err(err).Str("deadLetterID", dl.ID).Msg("Dead-lettered job has an undecodable payload")
		return nil
	}
	if err := w.deps.Store.SetTranscriptionStatus(ctx, tj.MessageID, models.TranscriptionFailed, cause.Error()); err != nil {
		w.log.Warn().Err(err).Str("messageID", tj.MessageID).Msg("Failed to mark message as failed")
	}

	w.log.Error().
		Err(cause).
		Str("deadLetterID", dl.ID).
		Str("jobID", job.ID).
		Str("messageID", tj.MessageID).
		Int("attempts", dl.Attempts).
		Msg("Transcription moved to dead letter queue")

	ev := TranscriptionDeadLetterEvent{
		DeadLetterID: dl.ID,
		MessageID:    tj.MessageID,
		JobID:        job.ID,
		Error:        dl.Error,
		Attempts:     dl.Attempts,
		FailedAt:     dl.FailedAt,
	}
	if err := w.deps.Events.Publish(ctx, events.TranscriptionDeadLetter, tj.ConnectionID, ev); err != nil {
		w.log.Warn().Err(err).Str("deadLetterID", dl.ID).Msg("Failed to publish transcription.dead_letter")
	}
	return nil
}
