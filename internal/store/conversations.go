package store

import (
	"context"

	"github.com/google/uuid"

	"zappipe/internal/models"
)

// FindConversationMap returns the Chatwoot mapping of a WhatsApp sender.
func (s *Store) FindConversationMap(ctx context.Context, senderID string) (*models.ConversationMap, error) {
	var cm models.ConversationMap
	err := s.db.GetContext(ctx, &cm, s.q(`SELECT id, sender_id, chatwoot_contact_id, chatwoot_conversation_id, created_at
		FROM conversation_maps WHERE sender_id = ?`), senderID)
	if err != nil {
		return nil, wrap("find conversation map", err)
	}
	return &cm, nil
}

// SaveConversationMap stores a mapping, replacing the conversation of an existing sender.
func (s *Store) SaveConversationMap(ctx context.Context, cm *models.ConversationMap) error {
	if cm.ID == "" {
		cm.ID = uuid.NewString()
	}
	cm.CreatedAt = s.now()
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO conversation_maps
		(id, sender_id, chatwoot_contact_id, chatwoot_conversation_id, created_at)
		VALUES (:id, :sender_id, :chatwoot_contact_id, :chatwoot_conversation_id, :created_at)
		ON CONFLICT (sender_id) DO UPDATE SET
			chatwoot_contact_id = excluded.chatwoot_contact_id,
			chatwoot_conversation_id = excluded.chatwoot_conversation_id`, cm)
	return wrap("save conversation map", err)
}
