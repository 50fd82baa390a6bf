package services

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"zappipe/internal/adapters/chatwoot"
	"zappipe/internal/models"
	"zappipe/pkg/logger"
)

// RelayStore is the persistence the Chatwoot relay needs.
type RelayStore interface {
	ConversationStore
	GetContact(ctx context.Context, id string) (*models.Contact, error)
}

// MessageSyncService mirrors persisted messages and their transcriptions into Chatwoot.
type MessageSyncService struct {
	client        ChatwootAPI
	store         RelayStore
	contacts      *ContactSyncService
	conversations *ConversationSyncService
	log           zerolog.Logger
}

// NewMessageSyncService creates a new MessageSyncService.
func NewMessageSyncService(client ChatwootAPI, st RelayStore) *MessageSyncService {
	return &MessageSyncService{
		client:        client,
		store:         st,
		contacts:      NewContactSyncService(client),
		conversations: NewConversationSyncService(client, st),
		log:           logger.Component("chatwoot-relay"),
	}
}

var mediaLabels = map[models.CoarseType]string{
	models.CoarseAudio:    "[Áudio]",
	models.CoarseImage:    "[Imagem]",
	models.CoarseVideo:    "[Vídeo]",
	models.CoarseDocument: "[Documento]",
	models.CoarseLocation: "[Localização]",
	models.CoarseContact:  "[Contato]",
}

// RelayMessage posts msg to the conversation of its contact.
func (s *MessageSyncService) RelayMessage(ctx context.Context, msg *models.Message) error {
	conversationID, err := s.conversationFor(ctx, msg)
	if err != nil {
		return err
	}

	content := msg.Content
	if label, ok := mediaLabels[msg.Type.Coarse()]; ok {
		content = label + " " + content
		if msg.MediaURL != "" {
			content += "\n" + msg.MediaURL
		}
	}
	payload := chatwoot.MessagePayload{
		Content:     content,
		MessageType: chatwoot.MessageIncoming,
		SourceID:    msg.WAMessageID,
	}
	if msg.Direction == models.DirectionOutbound {
		payload.MessageType = chatwoot.MessageOutgoing
	}
	if _, err := s.client.CreateMessage(ctx, conversationID, payload); err != nil {
		return fmt.Errorf("relay message %s: %w", msg.ID, err)
	}
	s.log.Debug().Str("messageID", msg.ID).Int("chatwootConversationID", conversationID).Msg("Message relayed")
	return nil
}

// RelayTranscription posts the transcription of a media message as a private note.
func (s *MessageSyncService) RelayTranscription(ctx context.Context, msg *models.Message) error {
	if msg.Transcription == nil || *msg.Transcription == "" {
		return nil
	}
	conversationID, err := s.conversationFor(ctx, msg)
	if err != nil {
		return err
	}
	payload := chatwoot.MessagePayload{
		Content:     fmt.Sprintf("Transcrição %s:\n%s", mediaLabels[msg.Type.Coarse()], *msg.Transcription),
		MessageType: chatwoot.MessageOutgoing,
		Private:     true,
		SourceID:    "transcription_" + msg.ID,
	}
	if _, err := s.client.CreateMessage(ctx, conversationID, payload); err != nil {
		return fmt.Errorf("relay transcription %s: %w", msg.ID, err)
	}
	return nil
}

func (s *MessageSyncService) conversationFor(ctx context.Context, msg *models.Message) (int, error) {
	contact, err := s.store.GetContact(ctx, msg.ContactID)
	if err != nil {
		return 0, fmt.Errorf("load contact %s: %w", msg.ContactID, err)
	}
	if cm, err := s.store.FindConversationMap(ctx, contact.PhoneNumber); err == nil {
		return cm.ChatwootConversationID, nil
	}
	cwContact, err := s.contacts.FindOrCreateContact(ctx, contact.PhoneNumber, contact.Name)
	if err != nil {
		return 0, err
	}
	cm, err := s.conversations.FindOrCreateConversation(ctx, contact.PhoneNumber, cwContact)
	if err != nil {
		return 0, err
	}
	return cm.ChatwootConversationID, nil
}
