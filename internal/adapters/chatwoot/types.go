package chatwoot

import "fmt"

// APIError is a non-2xx answer from Chatwoot.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chatwoot %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// ContactPayload is used to create a contact.
type ContactPayload struct {
	InboxID     int    `json:"inbox_id"`
	Name        string `json:"name,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

// Contact is a Chatwoot contact.
type Contact struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number"`
}

// Chatwoot answers contact creation either with the contact itself or
// nested as {"payload":{"contact":{...}}} depending on the version.
type contactEnvelope struct {
	Contact
	Payload *struct {
		Contact Contact `json:"contact"`
	} `json:"payload"`
}

func (e contactEnvelope) contact() *Contact {
	if e.Payload != nil && e.Payload.Contact.ID != 0 {
		return &e.Payload.Contact
	}
	c := e.Contact
	return &c
}

type contactList struct {
	Payload []Contact `json:"payload"`
}

// ConversationPayload is used to create a conversation.
type ConversationPayload struct {
	SourceID  string `json:"source_id,omitempty"`
	InboxID   int    `json:"inbox_id"`
	ContactID int    `json:"contact_id"`
	Status    string `json:"status,omitempty"`
}

// Conversation is a Chatwoot conversation.
type Conversation struct {
	ID      int    `json:"id"`
	InboxID int    `json:"inbox_id"`
	Status  string `json:"status"`
}

// Open reports whether new messages can still be added to the conversation.
func (c Conversation) Open() bool {
	return c.Status == "open" || c.Status == "pending"
}

type conversationList struct {
	Payload []Conversation `json:"payload"`
}

// Message types accepted by CreateMessage.
const (
	MessageIncoming = "incoming"
	MessageOutgoing = "outgoing"
)

// MessagePayload is used to create a message in a conversation.
type MessagePayload struct {
	Content           string         `json:"content"`
	MessageType       string         `json:"message_type"`
	Private           bool           `json:"private"`
	SourceID          string         `json:"source_id,omitempty"`
	ContentAttributes map[string]any `json:"content_attributes,omitempty"`
}

// Message is a created Chatwoot message.
type Message struct {
	ID             int    `json:"id"`
	Content        string `json:"content"`
	ConversationID int    `json:"conversation_id"`
}
