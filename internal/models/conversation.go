package models

import "time"

// Conversation is the root scope for channels, adapters, and agents.
// MessageCount is the authoritative watermark source for trigger evaluation:
// it is bumped with a single-row atomic update whenever a message is persisted.
type Conversation struct {
	ID           string `gorm:"primaryKey;size:36"`
	Title        string `gorm:"size:256"`
	MessageCount int    `gorm:"default:0"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Message is one persisted message envelope within a conversation.
// Channels holds the resolved channel names the message was addressed to,
// as a JSON array. Source carries the adapter type that produced the
// message ("" for messages originated by agents or the API layer) and is
// used to suppress echo back to the originating adapter.
type Message struct {
	ID             string `gorm:"primaryKey;size:36"`
	ConversationID string `gorm:"size:36;not null;index"`
	Author         string `gorm:"size:128;not null"`
	FromAgent      bool   `gorm:"default:false"`
	Source         string `gorm:"size:32"`
	Channels       string `gorm:"type:json"`
	Content        string `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"index"`
}
