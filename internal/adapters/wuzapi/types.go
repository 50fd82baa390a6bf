// Package wuzapi decodes webhook payloads sent by the WhatsApp gateway.
package wuzapi

import (
	"strings"
	"time"

	"zappipe/internal/models"
)

// EventPayload is the body of a gateway webhook. Older gateway versions send
// the event name in "type" instead of "event".
type EventPayload struct {
	Event      string       `json:"event"`
	Type       string       `json:"type"`
	InstanceID string       `json:"instanceId"`
	Message    *MessageData `json:"message,omitempty"`
}

// Name returns the normalized event name: lower case with ":" and "_" folded to ".".
func (p *EventPayload) Name() string {
	name := p.Event
	if name == "" {
		name = p.Type
	}
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer(":", ".", "_", ".").Replace(name)
}

// Event names the handler acts on.
const (
	EventMessageReceived = "message.received"
	EventMessageSent     = "message.sent"
)

// Events the gateway is known to send. Anything else is logged as unknown.
var supportedEvents = []string{
	// Messages
	EventMessageReceived,
	EventMessageSent,
	"message.delivered",
	"message.read",
	"message.revoked",

	// Connection
	"instance.status",
	"instance.connected",
	"instance.disconnected",
	"instance.qr",

	// Presence
	"presence.update",
	"chat.presence",
}

var eventMap map[string]bool

func init() {
	eventMap = make(map[string]bool, len(supportedEvents))
	for _, ev := range supportedEvents {
		eventMap[ev] = true
	}
}

// IsKnownEvent reports whether name (already normalized) is a gateway event.
func IsKnownEvent(name string) bool {
	return eventMap[name]
}

// MessageData is a single WhatsApp message.
type MessageData struct {
	ID         string `json:"id"`
	From       string `json:"from"`
	Chat       string `json:"chat,omitempty"`
	FromMe     bool   `json:"fromMe"`
	SenderName string `json:"senderName,omitempty"`
	PushName   string `json:"pushName,omitempty"`
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Content    string `json:"content,omitempty"`
	Caption    string `json:"caption,omitempty"`
	MediaURL   string `json:"mediaUrl,omitempty"`
	MimeType   string `json:"mimetype,omitempty"`
	FileName   string `json:"fileName,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
}

// Phone returns the counterpart number without the WhatsApp JID suffix.
// For messages we sent, the counterpart is the chat, not the sender.
func (m *MessageData) Phone() string {
	jid := m.From
	if m.FromMe && m.Chat != "" {
		jid = m.Chat
	}
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		jid = jid[:i]
	}
	// multi-device JIDs carry a ":device" suffix
	if i := strings.IndexByte(jid, ':'); i >= 0 {
		jid = jid[:i]
	}
	return jid
}

// DisplayName is the best known name of the sender.
func (m *MessageData) DisplayName() string {
	if m.SenderName != "" {
		return m.SenderName
	}
	return m.PushName
}

// Body is the text of the message, or the caption for media.
func (m *MessageData) Body() string {
	for _, s := range []string{m.Text, m.Content, m.Caption} {
		if s != "" {
			return s
		}
	}
	return ""
}

// MessageType maps the gateway type onto a pipeline type. ok is false for
// types the pipeline does not handle, such as reactions or polls.
func (m *MessageData) MessageType() (models.MessageType, bool) {
	switch strings.ToLower(m.Type) {
	case "chat", "text", "extendedtext", "conversation":
		return models.TypeText, true
	case "ptt", "voice":
		return models.TypePTT, true
	case "vcard", "contact", "contacts":
		return models.TypeContact, true
	case "":
		if m.MediaURL == "" && m.Body() != "" {
			return models.TypeText, true
		}
		return "", false
	}
	t := models.MessageType(strings.ToLower(m.Type))
	return t, t.Valid()
}

// ReceivedAt converts the unix timestamp, falling back to now.
func (m *MessageData) ReceivedAt(now time.Time) time.Time {
	if m.Timestamp <= 0 {
		return now
	}
	// some gateway builds send milliseconds
	if m.Timestamp > 1e12 {
		return time.UnixMilli(m.Timestamp).UTC()
	}
	return time.Unix(m.Timestamp, 0).UTC()
}

// Direction of the message relative to the connected number.
func (m *MessageData) Direction() models.Direction {
	if m.FromMe {
		return models.DirectionOutbound
	}
	return models.DirectionInbound
}

// ToEvent builds the pipeline event for a resolved session and contact.
func (m *MessageData) ToEvent(connectionID, sessionID, contactID string, t models.MessageType, now time.Time) models.InboundMessageEvent {
	return models.InboundMessageEvent{
		SessionID:    sessionID,
		ContactID:    contactID,
		ConnectionID: connectionID,
		WAMessageID:  m.ID,
		Direction:    m.Direction(),
		Type:         t,
		Body:         m.Body(),
		MediaURL:     m.MediaURL,
		MimeType:     m.MimeType,
		FileName:     m.FileName,
		ReceivedAt:   m.ReceivedAt(now),
	}
}
