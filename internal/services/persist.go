package services

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"zappipe/internal/concat"
	"zappipe/internal/events"
	"zappipe/internal/models"
	"zappipe/internal/queue"
	"zappipe/pkg/logger"
)

// FlushService is the concatenator sink: every flushed batch becomes a persistence job.
type FlushService struct {
	queue Enqueuer
	opts  queue.Options
	log   zerolog.Logger
}

// NewFlushService enqueues batches on the concatenation queue with opts.
func NewFlushService(q Enqueuer, opts queue.Options) *FlushService {
	return &FlushService{queue: q, opts: opts, log: logger.Component("flush")}
}

// Flush enqueues batch for persistence.
func (s *FlushService) Flush(ctx context.Context, batch *concat.Batch) error {
	job, err := s.queue.Enqueue(ctx, queue.QueueConcatenation, JobPersistBatch, batch, s.opts)
	if err != nil {
		return err
	}
	s.log.Debug().
		Str("jobID", job.ID).
		Str("batchID", batch.ID).
		Str("sessionID", batch.SessionID).
		Int("fragments", len(batch.Events)).
		Str("reason", string(batch.Reason)).
		Msg("Batch queued for persistence")
	return nil
}

// MessageReadyEvent is published when an inbound text message is ready for automation.
type MessageReadyEvent struct {
	MessageID      string             `json:"message_id"`
	SessionID      string             `json:"session_id"`
	ContactID      string             `json:"contact_id"`
	Type           models.MessageType `json:"type"`
	Content        string             `json:"content"`
	IsConcatenated bool               `json:"is_concatenated"`
	FragmentCount  int                `json:"fragment_count"`
	CreatedAt      time.Time          `json:"created_at"`
}

// Deps are the collaborators shared by the workers. Relay may be nil.
type Deps struct {
	Store     Store
	Queue     Enqueuer
	Events    events.Publisher
	Relay     Relay
	Processor MediaProcessor
}

// Persister writes flushed batches as messages.
type Persister struct {
	deps          Deps
	separator     string
	transcription queue.Options
	now           func() time.Time
	log           zerolog.Logger
}

// NewPersister joins fragments with separator and enqueues media with the transcription policy.
func NewPersister(deps Deps, separator string, transcription queue.Options) *Persister {
	return &Persister{
		deps:          deps,
		separator:     separator,
		transcription: transcription,
		now:           func() time.Time { return time.Now().UTC() },
		log:           logger.Component("persister"),
	}
}

type emptyBatchError struct{ id string }

func (e *emptyBatchError) Error() string   { return fmt.Sprintf("batch %s has no events", e.id) }
func (e *emptyBatchError) Permanent() bool { return true }

// Handle is the concatenation queue handler.
func (p *Persister) Handle(ctx context.Context, job *queue.Job) error {
	var batch concat.Batch
	if err := job.Decode(&batch); err != nil {
		return err
	}
	_, err := p.Persist(ctx, &batch, job.Attempt > 0)
	return err
}

// OnExhausted logs the batch content so nothing the customer wrote is lost silently.
func (p *Persister) OnExhausted(ctx context.Context, job *queue.Job, err error) error {
	var batch concat.Batch
	if derr := job.Decode(&batch); derr != nil {
		p.log.Error().Err(err).Str("jobID", job.ID).RawJSON("payload", job.Payload).Msg("Dropping undecodable batch")
		return nil
	}
	fragments := make([]string, 0, len(batch.Events))
	for _, ev := range batch.Events {
		fragments = append(fragments, ev.Body)
	}
	p.log.Error().Err(err).
		Str("jobID", job.ID).
		Str("batchID", batch.ID).
		Str("sessionID", batch.SessionID).
		Str("contactID", batch.ContactID).
		Strs("fragments", fragments).
		Int("attempts", job.Attempt+1).
		Msg("Batch could not be persisted, dropping")
	return nil
}

// Persist stores one message for batch. A batch that was already stored is
// skipped; on a redelivery a still pending transcription is enqueued again
// because the previous attempt may have failed before doing so.
func (p *Persister) Persist(ctx context.Context, batch *concat.Batch, redelivered bool) (*models.Message, error) {
	if len(batch.Events) == 0 {
		return nil, &emptyBatchError{id: batch.ID}
	}
	msg := p.messageFor(batch)
	created, err := p.deps.Store.CreateMessage(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("persist batch %s: %w", batch.ID, err)
	}
	if !created {
		existing, err := p.deps.Store.GetMessageByWAID(ctx, msg.WAMessageID)
		if err != nil {
			return nil, fmt.Errorf("load existing message %s: %w", msg.WAMessageID, err)
		}
		p.log.Debug().Str("waMessageID", msg.WAMessageID).Str("messageID", existing.ID).Msg("Batch already persisted")
		if redelivered && existing.TranscriptionStatus == models.TranscriptionPending {
			if err := p.enqueueTranscription(ctx, existing); err != nil {
				return nil, err
			}
		}
		return existing, nil
	}

	p.log.Info().
		Str("messageID", msg.ID).
		Str("sessionID", msg.SessionID).
		Str("type", string(msg.Type)).
		Bool("concatenated", msg.IsConcatenated).
		Int("fragments", msg.FragmentCount).
		Str("reason", string(batch.Reason)).
		Msg("Message persisted")

	if err := p.deps.Store.TouchSession(ctx, msg.SessionID, msg.CreatedAt); err != nil {
		p.log.Warn().Err(err).Str("sessionID", msg.SessionID).Msg("Failed to update session activity")
	}
	if msg.TranscriptionStatus == models.TranscriptionPending {
		if err := p.enqueueTranscription(ctx, msg); err != nil {
			return nil, err
		}
	}
	p.notify(ctx, msg)
	return msg, nil
}

// PersistAgentMessage stores agent-authored text directly, bypassing the buffers.
func (p *Persister) PersistAgentMessage(ctx context.Context, sess *models.Session, text string) (*models.Message, error) {
	msg := &models.Message{
		SessionID:    sess.ID,
		ContactID:    sess.ContactID,
		ConnectionID: sess.ConnectionID,
		Direction:    models.DirectionOutbound,
		Author:       models.AuthorAgent,
		Type:         models.TypeText,
		Content:      text,
		Status:       "sent",
		CreatedAt:    p.now(),
	}
	if _, err := p.deps.Store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist agent message: %w", err)
	}
	if err := p.deps.Store.TouchSession(ctx, sess.ID, msg.CreatedAt); err != nil {
		p.log.Warn().Err(err).Str("sessionID", sess.ID).Msg("Failed to update session activity")
	}
	p.notify(ctx, msg)
	return msg, nil
}

func (p *Persister) messageFor(batch *concat.Batch) *models.Message {
	first := batch.First()
	msg := &models.Message{
		SessionID:     batch.SessionID,
		ContactID:     batch.ContactID,
		ConnectionID:  batch.ConnectionID,
		WAMessageID:   "concat_" + batch.ID,
		Direction:     batch.Direction,
		Author:        models.AuthorCustomer,
		Type:          first.Type,
		Content:       batch.Body(p.separator),
		MediaURL:      first.MediaURL,
		MimeType:      first.MimeType,
		FileName:      first.FileName,
		FragmentCount: len(batch.Events),
		Status:        "received",
		CreatedAt:     first.ReceivedAt,
	}
	if batch.Direction == models.DirectionOutbound {
		msg.Author = models.AuthorAgent
		msg.Status = "sent"
	}
	if len(batch.Events) == 1 && first.WAMessageID != "" {
		msg.WAMessageID = first.WAMessageID
	}
	if len(batch.Events) > 1 {
		msg.IsConcatenated = true
		msg.ConcatGroupID = batch.ID
	}
	if first.Type.IsMedia() && first.MediaURL != "" {
		msg.TranscriptionStatus = models.TranscriptionPending
	}
	return msg
}

func (p *Persister) enqueueTranscription(ctx context.Context, msg *models.Message) error {
	tj := TranscriptionJobFor(msg)
	job, err := p.deps.Queue.Enqueue(ctx, queue.QueueTranscription, JobTranscribe, tj, p.transcription)
	if err != nil {
		return fmt.Errorf("enqueue transcription for %s: %w", msg.ID, err)
	}
	p.log.Info().Str("messageID", msg.ID).Str("jobID", job.ID).Str("mediaType", string(msg.Type)).Msg("Transcription queued")
	return nil
}

// TranscriptionJobFor builds the transcription payload of a media message.
func TranscriptionJobFor(msg *models.Message) *models.TranscriptionJob {
	return &models.TranscriptionJob{
		MessageID:    msg.ID,
		ConnectionID: msg.ConnectionID,
		ContactID:    msg.ContactID,
		Direction:    msg.Direction,
		MediaType:    msg.Type,
		MediaURL:     msg.MediaURL,
		MimeType:     msg.MimeType,
		FileName:     msg.FileName,
	}
}

// notify publishes message.ready for inbound text unless automation is off for
// the session or contact, then relays the message. Failures are only logged.
func (p *Persister) notify(ctx context.Context, msg *models.Message) {
	if msg.Direction == models.DirectionInbound && msg.Type.Coarse() == models.CoarseText {
		blocked, err := p.automationBlocked(ctx, msg)
		switch {
		case err != nil:
			p.log.Warn().Err(err).Str("messageID", msg.ID).Msg("Could not check automation state")
		case blocked:
			p.log.Debug().Str("messageID", msg.ID).Msg("Automation blocked, message.ready not published")
		default:
			ev := MessageReadyEvent{
				MessageID:      msg.ID,
				SessionID:      msg.SessionID,
				ContactID:      msg.ContactID,
				Type:           msg.Type,
				Content:        msg.Content,
				IsConcatenated: msg.IsConcatenated,
				FragmentCount:  msg.FragmentCount,
				CreatedAt:      msg.CreatedAt,
			}
			if err := p.deps.Events.Publish(ctx, events.MessageReady, msg.ConnectionID, ev); err != nil {
				p.log.Warn().Err(err).Str("messageID", msg.ID).Msg("Failed to publish message.ready")
			}
		}
	}
	if p.deps.Relay != nil {
		if err := p.deps.Relay.RelayMessage(ctx, msg); err != nil {
			p.log.Warn().Err(err).Str("messageID", msg.ID).Msg("Relay failed")
		}
	}
}

func (p *Persister) automationBlocked(ctx context.Context, msg *models.Message) (bool, error) {
	sess, err := p.deps.Store.GetSession(ctx, msg.SessionID)
	if err != nil {
		return false, err
	}
	if sess.AIBlocked(p.now()) {
		return true, nil
	}
	contact, err := p.deps.Store.GetContact(ctx, msg.ContactID)
	if err != nil {
		return false, err
	}
	return contact.BypassBots, nil
}
