package models

import (
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Channel string

const (
	ChannelWeb      Channel = "web"
	ChannelTelegram Channel = "telegram"
	ChannelWhatsApp Channel = "whatsapp"
)

const MessageTypeText = "text"

type Message struct {
	ID                int64     `db:"id" json:"-"`
	ConversationID    string    `db:"conversation_id" json:"-"`
	Role              Role      `db:"role" json:"role"`
	Content           string    `db:"content" json:"content"`
	ImportantInfo     string    `db:"important_info" json:"important_info,omitempty"`
	MessageType       string    `db:"message_type" json:"message_type"`
	ExternalMessageID string    `db:"external_message_id" json:"external_message_id,omitempty"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

type Conversation struct {
	ID             string    `db:"id" json:"id"`
	UserID         string    `db:"user_id" json:"user_id"`
	AssistantID    string    `db:"assistant_id" json:"assistant_id"`
	Channel        Channel   `db:"channel" json:"channel"`
	ExternalID     string    `db:"external_id" json:"external_id,omitempty"`
	InputTokens    int64     `db:"input_tokens" json:"input_tokens"`
	OutputTokens   int64     `db:"output_tokens" json:"output_tokens"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	LastActivityAt time.Time `db:"last_activity_at" json:"last_activity_at"`
	Messages       []Message `db:"-" json:"messages"`
}

type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// Summary is returned to callers after every turn.
type Summary struct {
	ConversationID      string     `json:"conversation_id"`
	LatestAssistantText string     `json:"latest_assistant_text"`
	TotalMessageCount   int        `json:"total_message_count"`
	TokenUsage          TokenUsage `json:"token_usage"`
}
