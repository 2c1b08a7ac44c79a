package models

import "time"

// AgentInstance is an autonomous responder attached to a conversation.
// Triggers is a JSON-encoded trigger.Triggers document. The watermark
// LastActiveMessageCount is monotonically non-decreasing and advances to the
// conversation's message count after each successful response.
//
// IntroducedChannels is a JSON array of channel names the agent has already
// introduced itself on; it is mutated under the distributed lock because
// introduction jobs for the same agent can run in different processes.
type AgentInstance struct {
	ID                     uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID         string `gorm:"size:36;not null;index"`
	Name                   string `gorm:"size:128;not null"`
	AgentType              string `gorm:"size:32;not null"`
	Triggers               string `gorm:"type:json"`
	LastActiveMessageCount int    `gorm:"default:0"`
	IntroducedChannels     string `gorm:"type:json"`
	Active                 bool   `gorm:"default:false;index"`
	CreatedAt              time.Time
	UpdatedAt              time.Time
}
