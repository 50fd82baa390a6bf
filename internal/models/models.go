package models

import (
	"time"
)

// Direction tells who authored a message relative to the connected number.
type Direction string

const (
	DirectionInbound  Direction = "INBOUND"  // from the customer
	DirectionOutbound Direction = "OUTBOUND" // from an agent
)

// MessageType is the WhatsApp-level message kind.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeAudio    MessageType = "audio"
	TypePTT      MessageType = "ptt"
	TypeImage    MessageType = "image"
	TypeSticker  MessageType = "sticker"
	TypeVideo    MessageType = "video"
	TypeDocument MessageType = "document"
	TypeLocation MessageType = "location"
	TypeContact  MessageType = "contact"
)

// CoarseType groups message subtypes that may share a concatenation buffer.
type CoarseType string

const (
	CoarseText     CoarseType = "text"
	CoarseAudio    CoarseType = "audio"
	CoarseImage    CoarseType = "image"
	CoarseVideo    CoarseType = "video"
	CoarseDocument CoarseType = "document"
	CoarseLocation CoarseType = "location"
	CoarseContact  CoarseType = "contact"
)

// Coarse collapses related subtypes: ptt is audio, sticker is image.
func (t MessageType) Coarse() CoarseType {
	switch t {
	case TypeAudio, TypePTT:
		return CoarseAudio
	case TypeImage, TypeSticker:
		return CoarseImage
	case TypeVideo:
		return CoarseVideo
	case TypeDocument:
		return CoarseDocument
	case TypeLocation:
		return CoarseLocation
	case TypeContact:
		return CoarseContact
	default:
		return CoarseText
	}
}

// Valid reports whether t is one of the supported message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeAudio, TypePTT, TypeImage, TypeSticker, TypeVideo, TypeDocument, TypeLocation, TypeContact:
		return true
	}
	return false
}

// IsMedia reports whether messages of this type carry a media URL that needs transcription.
func (t MessageType) IsMedia() bool {
	switch t {
	case TypeAudio, TypePTT, TypeImage, TypeSticker, TypeVideo, TypeDocument:
		return true
	}
	return false
}

// InboundMessageEvent is one received message before it is buffered and persisted.
type InboundMessageEvent struct {
	SessionID    string      `json:"session_id" validate:"required"`
	ContactID    string      `json:"contact_id" validate:"required"`
	ConnectionID string      `json:"connection_id" validate:"required"`
	WAMessageID  string      `json:"wa_message_id,omitempty"`
	Direction    Direction   `json:"direction" validate:"required,oneof=INBOUND OUTBOUND"`
	Type         MessageType `json:"type" validate:"required,oneof=text audio ptt image sticker video document location contact"`
	Body         string      `json:"body,omitempty"`
	MediaURL     string      `json:"media_url,omitempty" validate:"omitempty,url"`
	MimeType     string      `json:"mime_type,omitempty"`
	FileName     string      `json:"file_name,omitempty"`
	ReceivedAt   time.Time   `json:"received_at"`
}

// Author of a persisted message.
type Author string

const (
	AuthorCustomer Author = "CUSTOMER"
	AuthorAgent    Author = "AGENT"
	AuthorSystem   Author = "SYSTEM"
)

// TranscriptionStatus tracks the media processor's progress on a message.
type TranscriptionStatus string

const (
	TranscriptionNone       TranscriptionStatus = "none"
	TranscriptionPending    TranscriptionStatus = "pending"
	TranscriptionProcessing TranscriptionStatus = "processing"
	TranscriptionCompleted  TranscriptionStatus = "completed"
	TranscriptionFailed     TranscriptionStatus = "failed"
)

// Message is the durable record produced by a flush or written directly for agent messages.
type Message struct {
	ID                       string              `db:"id" json:"id"`
	SessionID                string              `db:"session_id" json:"session_id"`
	ContactID                string              `db:"contact_id" json:"contact_id"`
	ConnectionID             string              `db:"connection_id" json:"connection_id"`
	WAMessageID              string              `db:"wa_message_id" json:"wa_message_id"`
	Direction                Direction           `db:"direction" json:"direction"`
	Author                   Author              `db:"author" json:"author"`
	Type                     MessageType         `db:"type" json:"type"`
	Content                  string              `db:"content" json:"content"`
	MediaURL                 string              `db:"media_url" json:"media_url,omitempty"`
	MimeType                 string              `db:"mime_type" json:"mime_type,omitempty"`
	FileName                 string              `db:"file_name" json:"file_name,omitempty"`
	MediaStorageKey          string              `db:"media_storage_key" json:"media_storage_key,omitempty"`
	IsConcatenated           bool                `db:"is_concatenated" json:"is_concatenated"`
	ConcatGroupID            string              `db:"concat_group_id" json:"concat_group_id,omitempty"`
	FragmentCount            int                 `db:"fragment_count" json:"fragment_count"`
	Transcription            *string             `db:"transcription" json:"transcription,omitempty"`
	TranscriptionLanguage    *string             `db:"transcription_language" json:"transcription_language,omitempty"`
	TranscriptionStatus      TranscriptionStatus `db:"transcription_status" json:"transcription_status"`
	TranscriptionError       *string             `db:"transcription_error" json:"transcription_error,omitempty"`
	TranscriptionProcessedAt *time.Time          `db:"transcription_processed_at" json:"transcription_processed_at,omitempty"`
	Status                   string              `db:"status" json:"status"`
	CreatedAt                time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt                time.Time           `db:"updated_at" json:"updated_at"`
}

// SessionStatus is the lifecycle state of a conversation session.
type SessionStatus string

const (
	SessionActive SessionStatus = "ACTIVE"
	SessionPaused SessionStatus = "PAUSED"
	SessionClosed SessionStatus = "CLOSED"
)

// Session is a conversation window between one contact and one connection.
type Session struct {
	ID             string        `db:"id" json:"id"`
	ConnectionID   string        `db:"connection_id" json:"connection_id"`
	ContactID      string        `db:"contact_id" json:"contact_id"`
	Status         SessionStatus `db:"status" json:"status"`
	AIBlockedUntil *time.Time    `db:"ai_blocked_until" json:"ai_blocked_until,omitempty"`
	AssignedTo     string        `db:"assigned_to" json:"assigned_to,omitempty"`
	LastMessageAt  *time.Time    `db:"last_message_at" json:"last_message_at,omitempty"`
	ClosedAt       *time.Time    `db:"closed_at" json:"closed_at,omitempty"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updated_at"`
}

// AIBlocked reports whether automation is paused for the session at now.
func (s *Session) AIBlocked(now time.Time) bool {
	return s.AIBlockedUntil != nil && s.AIBlockedUntil.After(now)
}

// Contact is a WhatsApp counterpart.
type Contact struct {
	ID          string    `db:"id" json:"id"`
	PhoneNumber string    `db:"phone_number" json:"phone_number"`
	Name        string    `db:"name" json:"name"`
	BypassBots  bool      `db:"bypass_bots" json:"bypass_bots"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Connection is a WhatsApp instance owned by an organization.
type Connection struct {
	ID             string    `db:"id" json:"id"`
	OrganizationID string    `db:"organization_id" json:"organization_id"`
	Name           string    `db:"name" json:"name"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// ProviderCategory groups provider credentials by what they are used for.
type ProviderCategory string

const (
	CategoryAI             ProviderCategory = "AI"
	CategoryTranscription  ProviderCategory = "TRANSCRIPTION"
	CategoryTTS            ProviderCategory = "TTS"
	CategoryInfrastructure ProviderCategory = "INFRASTRUCTURE"
	CategoryAuxiliary      ProviderCategory = "AUXILIARY"
)

// CredentialSource names the tier a credential was resolved from.
type CredentialSource string

const (
	SourceConnection   CredentialSource = "connection"
	SourceOrganization CredentialSource = "organization"
	SourceSystem       CredentialSource = "system"
)

// ResolvedCredential is what the media processor needs to call a provider.
type ResolvedCredential struct {
	Provider  string           `json:"provider"`
	APIKey    string           `json:"-"`
	APISecret string           `json:"-"`
	APIURL    string           `json:"api_url,omitempty"`
	Category  ProviderCategory `json:"category"`
	Source    CredentialSource `json:"source"`
}

// ProviderSetting is a per-connection credential override.
type ProviderSetting struct {
	ID           string           `db:"id"`
	ConnectionID string           `db:"connection_id"`
	Category     ProviderCategory `db:"category"`
	Provider     string           `db:"provider"`
	APIKey       string           `db:"api_key"`
	APISecret    string           `db:"api_secret"`
	APIURL       string           `db:"api_url"`
	IsActive     bool             `db:"is_active"`
}

// OrganizationProvider is an organization-wide credential; lower Priority wins.
type OrganizationProvider struct {
	ID             string           `db:"id"`
	OrganizationID string           `db:"organization_id"`
	Category       ProviderCategory `db:"category"`
	Provider       string           `db:"provider"`
	APIKey         string           `db:"api_key"`
	APISecret      string           `db:"api_secret"`
	APIURL         string           `db:"api_url"`
	Priority       int              `db:"priority"`
	IsActive       bool             `db:"is_active"`
}

// TranscriptionJob is the payload of a transcription queue job.
type TranscriptionJob struct {
	MessageID    string      `json:"message_id"`
	ConnectionID string      `json:"connection_id"`
	ContactID    string      `json:"contact_id,omitempty"`
	Direction    Direction   `json:"direction,omitempty"`
	MediaType    MessageType `json:"media_type"`
	MediaURL     string      `json:"media_url"`
	MimeType     string      `json:"mime_type,omitempty"`
	FileName     string      `json:"file_name,omitempty"`
}

// DeadLetter is a job that will not be retried automatically.
type DeadLetter struct {
	ID            string     `db:"id" json:"id"`
	Queue         string     `db:"queue" json:"queue"`
	JobID         string     `db:"job_id" json:"job_id"`
	JobName       string     `db:"job_name" json:"job_name"`
	Payload       string     `db:"payload" json:"payload"`
	Error         string     `db:"error" json:"error"`
	Attempts      int        `db:"attempts" json:"attempts"`
	FailedAt      time.Time  `db:"failed_at" json:"failed_at"`
	ReprocessedAt *time.Time `db:"reprocessed_at" json:"reprocessed_at,omitempty"`
}

// ConversationMap maps a WhatsApp sender to its Chatwoot contact and conversation.
type ConversationMap struct {
	ID                     string    `db:"id"`
	SenderID               string    `db:"sender_id"`
	ChatwootContactID      int       `db:"chatwoot_contact_id"`
	ChatwootConversationID int       `db:"chatwoot_conversation_id"`
	CreatedAt              time.Time `db:"created_at"`
}
