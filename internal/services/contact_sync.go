package services

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"zappipe/internal/adapters/chatwoot"
	"zappipe/pkg/logger"
)

// ChatwootAPI is the part of the Chatwoot client used by the relay.
type ChatwootAPI interface {
	InboxID() int
	GetContactByPhone(ctx context.Context, phone string) (*chatwoot.Contact, error)
	CreateContact(ctx context.Context, name, phone string) (*chatwoot.Contact, error)
	GetConversationsForContact(ctx context.Context, contactID int) ([]chatwoot.Conversation, error)
	CreateConversation(ctx context.Context, sourceID string, contactID int) (*chatwoot.Conversation, error)
	CreateMessage(ctx context.Context, conversationID int, payload chatwoot.MessagePayload) (*chatwoot.Message, error)
}

// ContactSyncService finds or creates the Chatwoot contact of a WhatsApp number.
type ContactSyncService struct {
	client ChatwootAPI
	log    zerolog.Logger
}

// NewContactSyncService creates a new ContactSyncService.
func NewContactSyncService(client ChatwootAPI) *ContactSyncService {
	return &ContactSyncService{client: client, log: logger.Component("chatwoot-contacts")}
}

// FindOrCreateContact returns the contact for phone, creating it when the search has no exact match.
func (s *ContactSyncService) FindOrCreateContact(ctx context.Context, phone, name string) (*chatwoot.Contact, error) {
	contact, err := s.client.GetContactByPhone(ctx, phone)
	if err != nil {
		// a failed search still lets creation decide; Chatwoot rejects real duplicates
		s.log.Warn().Err(err).Str("phoneNumber", phone).Msg("Contact search failed, trying to create")
	}
	if contact != nil {
		return contact, nil
	}

	if name == "" {
		name = phone
	}
	contact, err = s.client.CreateContact(ctx, name, phone)
	if err != nil {
		return nil, fmt.Errorf("create chatwoot contact for %s: %w", phone, err)
	}
	return contact, nil
}
