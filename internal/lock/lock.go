// Package lock implements cross-process mutual exclusion over named
// resources using a ticket queue in the document store. Each waiter inserts
// a timestamped, self-expiring ticket and holds the lock while its ticket
// is the oldest unexpired one for the resource. TTL expiry bounds the wait
// behind a crashed holder.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/switchyard/switchyard/internal/models"
	"gorm.io/gorm"
)

const (
	// DefaultTTL is how long a ticket stays valid without being released.
	DefaultTTL = 5 * time.Minute
	// DefaultPollInterval is the holdership poll period.
	DefaultPollInterval = 200 * time.Millisecond
	// DefaultRetryDelay is the backoff after a ticket insert collision.
	DefaultRetryDelay = 50 * time.Millisecond
)

// Manager acquires and releases distributed locks. The database must be
// opened with TranslateError so insert collisions surface as
// gorm.ErrDuplicatedKey.
type Manager struct {
	db         *gorm.DB
	ttl        time.Duration
	poll       time.Duration
	retryDelay time.Duration
	now        func() time.Time
}

// ManagerOpts holds parameters for creating a Manager. Zero durations fall
// back to the package defaults; Now defaults to time.Now and exists for
// tests.
type ManagerOpts struct {
	DB           *gorm.DB
	TTL          time.Duration
	PollInterval time.Duration
	RetryDelay   time.Duration
	Now          func() time.Time
}

// NewManager creates a Manager.
func NewManager(opts ManagerOpts) (*Manager, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("lock: db is required")
	}
	m := &Manager{
		db:         opts.DB,
		ttl:        opts.TTL,
		poll:       opts.PollInterval,
		retryDelay: opts.RetryDelay,
		now:        opts.Now,
	}
	if m.ttl <= 0 {
		m.ttl = DefaultTTL
	}
	if m.poll <= 0 {
		m.poll = DefaultPollInterval
	}
	if m.retryDelay <= 0 {
		m.retryDelay = DefaultRetryDelay
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// Acquire blocks until the caller holds the lock for resourceID or ctx is
// done. The returned ticket must be passed to Release on every exit path.
// State read before Acquire may have been mutated by the previous holder;
// callers must reload it after acquiring.
func (m *Manager) Acquire(ctx context.Context, resourceID string) (*models.LockTicket, error) {
	ticket, err := m.enqueue(ctx, resourceID)
	if err != nil {
		return nil, err
	}

	for {
		now := m.now()

		var oldest models.LockTicket
		err := m.db.Where("resource_id = ? AND expires_at > ?", resourceID, now).
			Order("created_at ASC, id ASC").
			First(&oldest).Error
		switch {
		case err == nil && oldest.ID == ticket.ID:
			return ticket, nil
		case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
			m.discard(ticket)
			return nil, fmt.Errorf("lock: poll %q: %w", resourceID, err)
		}

		// Our own ticket may have expired while queued; requeue with a
		// fresh one so the caller still makes progress.
		if !ticket.ExpiresAt.After(now) {
			m.discard(ticket)
			ticket, err = m.enqueue(ctx, resourceID)
			if err != nil {
				return nil, err
			}
			continue
		}

		select {
		case <-ctx.Done():
			m.discard(ticket)
			return nil, fmt.Errorf("lock: acquire %q: %w", resourceID, ctx.Err())
		case <-time.After(m.poll):
		}
	}
}

// enqueue purges expired tickets and inserts a new one. An insert collision
// on (resource_id, created_at) is expected contention: wait briefly and
// retry from the purge.
func (m *Manager) enqueue(ctx context.Context, resourceID string) (*models.LockTicket, error) {
	for {
		now := m.now()
		if err := m.db.Where("resource_id = ? AND expires_at <= ?", resourceID, now).
			Delete(&models.LockTicket{}).Error; err != nil {
			return nil, fmt.Errorf("lock: purge %q: %w", resourceID, err)
		}

		ticket := &models.LockTicket{
			ResourceID: resourceID,
			CreatedAt:  now,
			ExpiresAt:  now.Add(m.ttl),
		}
		err := m.db.Create(ticket).Error
		if err == nil {
			return ticket, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("lock: enqueue %q: %w", resourceID, err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock: enqueue %q: %w", resourceID, ctx.Err())
		case <-time.After(m.retryDelay):
		}
	}
}

// Release deletes the caller's ticket, freeing the resource for the next
// waiter in queue order.
func (m *Manager) Release(ticket *models.LockTicket) error {
	if ticket == nil {
		return nil
	}
	if err := m.db.Delete(&models.LockTicket{}, ticket.ID).Error; err != nil {
		return fmt.Errorf("lock: release %q: %w", ticket.ResourceID, err)
	}
	return nil
}

// discard removes a ticket on abandoned acquisition paths, logging instead
// of failing: TTL expiry cleans up anything left behind.
func (m *Manager) discard(ticket *models.LockTicket) {
	if err := m.Release(ticket); err != nil {
		log.Printf("lock: discard ticket %d for %q: %v", ticket.ID, ticket.ResourceID, err)
	}
}

// WithLock runs fn while holding the lock for resourceID and releases the
// ticket on every exit path, including panics.
func (m *Manager) WithLock(ctx context.Context, resourceID string, fn func(ctx context.Context) error) error {
	ticket, err := m.Acquire(ctx, resourceID)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Release(ticket); err != nil {
			log.Printf("lock: release %q: %v", resourceID, err)
		}
	}()
	return fn(ctx)
}
