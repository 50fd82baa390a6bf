package store

import (
	"context"

	"github.com/google/uuid"

	"zappipe/internal/models"
)

const messageColumns = `id, session_id, contact_id, connection_id, wa_message_id, direction, author, type,
	content, media_url, mime_type, file_name, media_storage_key, is_concatenated, concat_group_id,
	fragment_count, transcription, transcription_language, transcription_status, transcription_error,
	transcription_processed_at, status, created_at, updated_at`

// CreateMessage inserts m unless a row with the same WhatsApp message id exists.
// created is false when the insert was skipped, which makes redelivered flush jobs harmless.
func (s *Store) CreateMessage(ctx context.Context, m *models.Message) (created bool, err error) {
	now := s.now()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.WAMessageID == "" {
		m.WAMessageID = "local_" + m.ID
	}
	if m.TranscriptionStatus == "" {
		m.TranscriptionStatus = models.TranscriptionNone
	}
	if m.FragmentCount == 0 {
		m.FragmentCount = 1
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	res, err := s.db.NamedExecContext(ctx, `INSERT INTO messages (`+messageColumns+`) VALUES (
		:id, :session_id, :contact_id, :connection_id, :wa_message_id, :direction, :author, :type,
		:content, :media_url, :mime_type, :file_name, :media_storage_key, :is_concatenated, :concat_group_id,
		:fragment_count, :transcription, :transcription_language, :transcription_status, :transcription_error,
		:transcription_processed_at, :status, :created_at, :updated_at)
		ON CONFLICT (wa_message_id) DO NOTHING`, m)
	if err != nil {
		return false, wrap("create message", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("create message", err)
	}
	return n == 1, nil
}

// GetMessage loads a message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var m models.Message
	err := s.db.GetContext(ctx, &m, s.q(`SELECT `+messageColumns+` FROM messages WHERE id = ?`), id)
	if err != nil {
		return nil, wrap("get message", err)
	}
	return &m, nil
}

// GetMessageByWAID loads a message by its WhatsApp (or flush) id.
func (s *Store) GetMessageByWAID(ctx context.Context, waID string) (*models.Message, error) {
	var m models.Message
	err := s.db.GetContext(ctx, &m, s.q(`SELECT `+messageColumns+` FROM messages WHERE wa_message_id = ?`), waID)
	if err != nil {
		return nil, wrap("get message by wa id", err)
	}
	return &m, nil
}

// ListSessionMessages returns the newest limit messages of a session in chronological order.
func (s *Store) ListSessionMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var msgs []models.Message
	err := s.db.SelectContext(ctx, &msgs, s.q(`SELECT `+messageColumns+` FROM (
		SELECT * FROM messages WHERE session_id = ? ORDER BY created_at DESC LIMIT ?
	) recent ORDER BY created_at ASC`), sessionID, limit)
	if err != nil {
		return nil, wrap("list session messages", err)
	}
	return msgs, nil
}

// SetTranscriptionStatus moves a message to status, recording reason when it is non-empty.
func (s *Store) SetTranscriptionStatus(ctx context.Context, id string, status models.TranscriptionStatus, reason string) error {
	var errText *string
	if reason != "" {
		errText = &reason
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE messages
		SET transcription_status = ?, transcription_error = ?, updated_at = ?
		WHERE id = ?`), status, errText, s.now(), id)
	return expectOne("set transcription status", res, err)
}

// SaveTranscription overwrites the transcription of a message. The last write wins.
// An empty storageKey keeps the existing media storage key.
func (s *Store) SaveTranscription(ctx context.Context, id, text, language, storageKey string) error {
	now := s.now()
	var lang *string
	if language != "" {
		lang = &language
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE messages SET
		transcription = ?,
		transcription_language = ?,
		transcription_status = ?,
		transcription_error = NULL,
		transcription_processed_at = ?,
		media_storage_key = CASE WHEN ? = '' THEN media_storage_key ELSE ? END,
		updated_at = ?
		WHERE id = ?`), text, lang, models.TranscriptionCompleted, now, storageKey, storageKey, now, id)
	return expectOne("save transcription", res, err)
}
