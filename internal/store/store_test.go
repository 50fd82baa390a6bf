package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zappipe/internal/db"
	"zappipe/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.Migrate(ctx, conn))
	return New(conn)
}

func seedSession(t *testing.T, s *Store) (*models.Connection, *models.Contact, *models.Session) {
	t.Helper()
	ctx := context.Background()
	conn := &models.Connection{OrganizationID: "org-1", Name: "main"}
	require.NoError(t, s.CreateConnection(ctx, conn))
	contact := &models.Contact{PhoneNumber: "5511999990000", Name: "Ana"}
	require.NoError(t, s.CreateContact(ctx, contact))
	sess := &models.Session{ConnectionID: conn.ID, ContactID: contact.ID}
	require.NoError(t, s.CreateSession(ctx, sess))
	return conn, contact, sess
}

func TestCreateMessageIsIdempotentOnWAID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conn, contact, sess := seedSession(t, s)

	msg := &models.Message{
		SessionID: sess.ID, ContactID: contact.ID, ConnectionID: conn.ID,
		WAMessageID: "concat_batch-1", Direction: models.DirectionInbound,
		Author: models.AuthorCustomer, Type: models.TypeText, Content: "oi\ntudo bem?",
		IsConcatenated: true, FragmentCount: 2,
	}
	created, err := s.CreateMessage(ctx, msg)
	require.NoError(t, err)
	assert.True(t, created)

	dup := *msg
	dup.ID = ""
	created, err = s.CreateMessage(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := s.GetMessageByWAID(ctx, "concat_batch-1")
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, "oi\ntudo bem?", got.Content)
	assert.True(t, got.IsConcatenated)
	assert.Equal(t, 2, got.FragmentCount)
	assert.Equal(t, models.TranscriptionNone, got.TranscriptionStatus)
	assert.Nil(t, got.Transcription)

	msgs, err := s.ListSessionMessages(ctx, sess.ID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestSaveTranscriptionLastWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conn, contact, sess := seedSession(t, s)

	msg := &models.Message{
		SessionID: sess.ID, ContactID: contact.ID, ConnectionID: conn.ID,
		WAMessageID: "wa-audio-1", Direction: models.DirectionInbound, Author: models.AuthorCustomer,
		Type: models.TypePTT, MediaURL: "https://cdn.example.com/a.ogg",
		TranscriptionStatus: models.TranscriptionPending,
	}
	_, err := s.CreateMessage(ctx, msg)
	require.NoError(t, err)

	require.NoError(t, s.SetTranscriptionStatus(ctx, msg.ID, models.TranscriptionFailed, "timeout"))
	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, got.TranscriptionError)
	assert.Equal(t, "timeout", *got.TranscriptionError)

	require.NoError(t, s.SaveTranscription(ctx, msg.ID, "primeira", "pt", "users/k.ogg"))
	require.NoError(t, s.SaveTranscription(ctx, msg.ID, "segunda", "pt", ""))

	got, err = s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Transcription)
	assert.Equal(t, "segunda", *got.Transcription)
	assert.Equal(t, models.TranscriptionCompleted, got.TranscriptionStatus)
	assert.Nil(t, got.TranscriptionError)
	assert.NotNil(t, got.TranscriptionProcessedAt)
	assert.Equal(t, "users/k.ogg", got.MediaStorageKey)

	err = s.SaveTranscription(ctx, "missing", "x", "", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conn, contact, sess := seedSession(t, s)

	open, err := s.FindOpenSession(ctx, conn.ID, contact.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, open.ID)

	until := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, s.SetSessionStatus(ctx, sess.ID, models.SessionPaused, &until))
	resume, err := s.ListSessionsToResume(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, resume, 1)
	assert.Equal(t, sess.ID, resume[0].ID)

	require.NoError(t, s.SetSessionAssignee(ctx, sess.ID, "vendas"))
	require.NoError(t, s.SetSessionStatus(ctx, sess.ID, models.SessionClosed, nil))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionClosed, got.Status)
	assert.Equal(t, "vendas", got.AssignedTo)
	assert.NotNil(t, got.ClosedAt)
	assert.Nil(t, got.AIBlockedUntil)

	_, err = s.FindOpenSession(ctx, conn.ID, contact.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetContactBypassBots(ctx, contact.ID, true))
	c, err := s.FindContactByPhone(ctx, "5511999990000")
	require.NoError(t, err)
	assert.True(t, c.BypassBots)
}

func TestEnsureContactAndOpenSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conn, contact, sess := seedSession(t, s)

	got, created, err := s.EnsureContact(ctx, &models.Contact{PhoneNumber: contact.PhoneNumber, Name: "Outra"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, contact.ID, got.ID)
	assert.Equal(t, "Ana", got.Name)

	open, created, err := s.EnsureOpenSession(ctx, &models.Session{ConnectionID: conn.ID, ContactID: contact.ID})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, sess.ID, open.ID)

	err = s.CreateSession(ctx, &models.Session{ConnectionID: conn.ID, ContactID: contact.ID})
	assert.Error(t, err, "a second open session for the pair must be rejected")

	require.NoError(t, s.SetSessionStatus(ctx, sess.ID, models.SessionClosed, nil))
	fresh, created, err := s.EnsureOpenSession(ctx, &models.Session{ConnectionID: conn.ID, ContactID: contact.ID})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, sess.ID, fresh.ID)
}

func TestListIdleSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _, sess := seedSession(t, s)

	require.NoError(t, s.TouchSession(ctx, sess.ID, time.Now().Add(-48*time.Hour)))
	idle, err := s.ListIdleSessions(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, idle, 1)

	require.NoError(t, s.TouchSession(ctx, sess.ID, time.Now()))
	idle, err = s.ListIdleSessions(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, idle)
}

func TestCredentialTiers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conn, _, _ := seedSession(t, s)

	_, err := s.ConnectionSetting(ctx, conn.ID, models.CategoryTranscription)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveOrganizationProvider(ctx, &models.OrganizationProvider{
		OrganizationID: "org-1", Category: models.CategoryAI, Provider: "openrouter", APIKey: "k2", Priority: 2, IsActive: true,
	}))
	require.NoError(t, s.SaveOrganizationProvider(ctx, &models.OrganizationProvider{
		OrganizationID: "org-1", Category: models.CategoryAI, Provider: "openai", APIKey: "k1", Priority: 1, IsActive: true,
	}))
	require.NoError(t, s.SaveOrganizationProvider(ctx, &models.OrganizationProvider{
		OrganizationID: "org-1", Category: models.CategoryAI, Provider: "disabled", APIKey: "k0", Priority: 0, IsActive: false,
	}))

	providers, err := s.OrganizationProviders(ctx, conn.ID, models.CategoryAI)
	require.NoError(t, err)
	require.Len(t, providers, 2)
	assert.Equal(t, "openai", providers[0].Provider)

	require.NoError(t, s.SaveConnectionSetting(ctx, &models.ProviderSetting{
		ConnectionID: conn.ID, Category: models.CategoryTranscription, Provider: "openai", APIKey: "conn-key", IsActive: true,
	}))
	ps, err := s.ConnectionSetting(ctx, conn.ID, models.CategoryTranscription)
	require.NoError(t, err)
	assert.Equal(t, "conn-key", ps.APIKey)
}

func TestDeadLetters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dl := &models.DeadLetter{
		Queue: "transcription-dead-letter", JobID: "job-1", JobName: "transcribe",
		Payload: `{"message_id":"m1"}`, Error: "corrupt media", Attempts: 4,
	}
	require.NoError(t, s.AddDeadLetter(ctx, dl))

	list, err := s.ListDeadLetters(ctx, "transcription-dead-letter", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, `{"message_id":"m1"}`, list[0].Payload)
	assert.Equal(t, "corrupt media", list[0].Error)
	assert.Nil(t, list[0].ReprocessedAt)

	claimed, err := s.ClaimDeadLetter(ctx, dl.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, claimed)
	got, err := s.GetDeadLetter(ctx, dl.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.ReprocessedAt)

	claimed, err = s.ClaimDeadLetter(ctx, dl.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, s.ReleaseDeadLetter(ctx, dl.ID))
	claimed, err = s.ClaimDeadLetter(ctx, dl.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, claimed)

	_, err = s.ClaimDeadLetter(ctx, "nope", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetDeadLetter(ctx, "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestConversationMapUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveConversationMap(ctx, &models.ConversationMap{SenderID: "5511", ChatwootContactID: 1, ChatwootConversationID: 10}))
	require.NoError(t, s.SaveConversationMap(ctx, &models.ConversationMap{SenderID: "5511", ChatwootContactID: 1, ChatwootConversationID: 11}))

	cm, err := s.FindConversationMap(ctx, "5511")
	require.NoError(t, err)
	assert.Equal(t, 11, cm.ChatwootConversationID)
}
