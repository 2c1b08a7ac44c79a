package models

import "time"

// LockTicket is one waiter's position in the FIFO queue for a named
// resource. Tickets are self-expiring: a ticket whose ExpiresAt has passed
// no longer counts toward holdership, which bounds the wait caused by a
// crashed holder. The composite unique index on (resource_id, created_at)
// makes simultaneous inserts collide so exactly one waiter owns any given
// queue position.
type LockTicket struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	ResourceID string    `gorm:"size:128;not null;uniqueIndex:idx_resource_created"`
	CreatedAt  time.Time `gorm:"uniqueIndex:idx_resource_created"`
	ExpiresAt  time.Time `gorm:"index"`
}
