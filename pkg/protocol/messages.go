package protocol

import (
	"strings"
	"time"
)

// AttachmentType classifies an attachment by media kind
type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
	AttachmentAudio AttachmentType = "audio"
	AttachmentVideo AttachmentType = "video"
	AttachmentFile  AttachmentType = "file"
)

// Attachment describes a media item carried alongside a message
type Attachment struct {
	Type     AttachmentType `json:"type"`
	URL      string         `json:"url"`
	MimeType string         `json:"mime_type,omitempty"`
	Filename string         `json:"filename,omitempty"`
}

// ClassifyAttachment maps a MIME content type to an attachment type by prefix
func ClassifyAttachment(mimeType string) AttachmentType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return AttachmentImage
	case strings.HasPrefix(mimeType, "audio/"):
		return AttachmentAudio
	case strings.HasPrefix(mimeType, "video/"):
		return AttachmentVideo
	default:
		return AttachmentFile
	}
}

// MessageMetadata carries channel-level context for an incoming message
type MessageMetadata struct {
	ChannelUserID    string            `json:"channel_user_id"`
	ChannelMessageID string            `json:"channel_message_id"`
	Timestamp        time.Time         `json:"timestamp"`
	IsTaskRequest    bool              `json:"is_task_request,omitempty"`
	Extra            map[string]string `json:"extra,omitempty"`
}

// IncomingMessage is the normalized shape every adapter emits.
// Immutable once emitted; whichever consumer processes it owns it.
type IncomingMessage struct {
	ID             string          `json:"id"`
	Channel        string          `json:"channel"`
	UserID         string          `json:"user_id"`
	WorkspaceID    string          `json:"workspace_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Content        string          `json:"content"`
	Attachments    []Attachment    `json:"attachments,omitempty"`
	Metadata       MessageMetadata `json:"metadata"`
}

// SendOptions tunes channel-specific delivery behavior
type SendOptions struct {
	ParseMode string `json:"parse_mode,omitempty"`
	ReplyToID string `json:"reply_to_id,omitempty"`
}

// OutgoingMessage is a reply produced by the backend-stream translator,
// consumed exactly once by the owning adapter's Send.
type OutgoingMessage struct {
	ConversationID string       `json:"conversation_id"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Options        *SendOptions `json:"options,omitempty"`
}
