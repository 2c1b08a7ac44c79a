package models

import "time"

// Channel is a named communication scope within a conversation. Direct
// channels bind exactly two participants and reject later joins; non-direct
// channels may gate entry with a passcode.
type Channel struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID string `gorm:"size:36;not null;uniqueIndex:idx_conv_channel"`
	Name           string `gorm:"size:128;not null;uniqueIndex:idx_conv_channel"`
	Passcode       string `gorm:"size:128"`
	Direct         bool   `gorm:"default:false"`
	CreatedAt      time.Time

	Members []ChannelMember `gorm:"foreignKey:ChannelID"`
}

// ChannelMember records one participant of a channel.
type ChannelMember struct {
	ChannelID uint   `gorm:"primaryKey"`
	UserID    string `gorm:"primaryKey;size:128"`
}
