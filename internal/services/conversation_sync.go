package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"zappipe/internal/adapters/chatwoot"
	"zappipe/internal/models"
	"zappipe/internal/store"
	"zappipe/pkg/logger"
)

// ConversationStore keeps the sender to conversation mapping.
type ConversationStore interface {
	FindConversationMap(ctx context.Context, senderID string) (*models.ConversationMap, error)
	SaveConversationMap(ctx context.Context, cm *models.ConversationMap) error
}

// ConversationSyncService finds or creates the Chatwoot conversation of a sender.
type ConversationSyncService struct {
	client ChatwootAPI
	store  ConversationStore
	log    zerolog.Logger
}

// NewConversationSyncService creates a new ConversationSyncService.
func NewConversationSyncService(client ChatwootAPI, st ConversationStore) *ConversationSyncService {
	return &ConversationSyncService{client: client, store: st, log: logger.Component("chatwoot-conversations")}
}

// FindOrCreateConversation looks in the local map first, then for an open
// conversation of the contact in our inbox, and finally creates one.
func (s *ConversationSyncService) FindOrCreateConversation(ctx context.Context, senderID string, contact *chatwoot.Contact) (*models.ConversationMap, error) {
	cm, err := s.store.FindConversationMap(ctx, senderID)
	if err == nil {
		return cm, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load conversation map: %w", err)
	}

	conversations, err := s.client.GetConversationsForContact(ctx, contact.ID)
	if err != nil {
		s.log.Warn().Err(err).Int("chatwootContactID", contact.ID).Msg("Listing conversations failed, creating a new one")
	}
	for _, conv := range conversations {
		if conv.InboxID == s.client.InboxID() && conv.Open() {
			return s.save(ctx, senderID, contact.ID, conv.ID)
		}
	}

	conv, err := s.client.CreateConversation(ctx, senderID, contact.ID)
	if err != nil {
		return nil, fmt.Errorf("create chatwoot conversation for %s: %w", senderID, err)
	}
	return s.save(ctx, senderID, contact.ID, conv.ID)
}

func (s *ConversationSyncService) save(ctx context.Context, senderID string, contactID, conversationID int) (*models.ConversationMap, error) {
	cm := &models.ConversationMap{
		SenderID:               senderID,
		ChatwootContactID:      contactID,
		ChatwootConversationID: conversationID,
	}
	if err := s.store.SaveConversationMap(ctx, cm); err != nil {
		return nil, err
	}
	s.log.Info().Str("senderID", senderID).Int("chatwootConversationID", conversationID).Msg("Conversation mapped")
	return cm, nil
}
