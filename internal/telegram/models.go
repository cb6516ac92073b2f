package telegram

import "time"

// Bot is a Telegram bot connected to one assistant.
type Bot struct {
	ID             string    `db:"id" json:"id"`
	Token          string    `db:"token" json:"-"`
	UserID         string    `db:"user_id" json:"user_id"`
	AssistantID    string    `db:"assistant_id" json:"assistant_id"`
	BotUsername    string    `db:"bot_username" json:"bot_username"`
	BotName        string    `db:"bot_name" json:"bot_name"`
	ConnectedAt    time.Time `db:"connected_at" json:"connected_at"`
	LastActivityAt time.Time `db:"last_activity_at" json:"last_activity_at"`
}
