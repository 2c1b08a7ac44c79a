package models

import "time"

// AdapterInstance binds a conversation to one external communication
// platform. Type must resolve to a registered adapter implementation before
// the instance is persisted. The three channel lists are JSON-encoded
// ordered ChannelConfig arrays (see the adapter package for the schema).
//
// UniqueKeys holds the adapter's type-specific unique keys (e.g. workspace
// + channel) encoded as sorted "k=v" pairs joined with ";" (see
// adapter.EncodeUniqueKeys). Two active instances with equal type and
// unique keys may not coexist; Start enforces this with an indexed query.
type AdapterInstance struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID string `gorm:"size:36;not null;index"`
	Type           string `gorm:"size:32;not null;index:idx_type_active"`
	Config         string `gorm:"type:json"`
	Active         bool   `gorm:"default:false;index:idx_type_active"`
	UniqueKeys     string `gorm:"size:512;index"`
	AudioChannels  string `gorm:"type:json"`
	ChatChannels   string `gorm:"type:json"`
	DMChannels     string `gorm:"type:json"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
