package lock

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/switchyard/switchyard/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// openLockTestDB opens a file-backed sqlite database limited to one
// connection, so concurrent goroutines behave like independent processes
// sharing one store without tripping sqlite's writer lock.
func openLockTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lock.db")
	gdb, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("unwrap sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := gdb.AutoMigrate(&models.LockTicket{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return gdb
}

func newTestManager(t *testing.T, gdb *gorm.DB) *Manager {
	t.Helper()
	m, err := NewManager(ManagerOpts{
		DB:           gdb,
		TTL:          2 * time.Second,
		PollInterval: 5 * time.Millisecond,
		RetryDelay:   2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestWithLock_MutualExclusion(t *testing.T) {
	gdb := openLockTestDB(t)
	m := newTestManager(t, gdb)

	const workers = 5
	var inside int32
	var ran int32
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithLock(context.Background(), "agent-42", func(ctx context.Context) error {
				if atomic.AddInt32(&inside, 1) != 1 {
					t.Error("two critical sections ran at once")
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				atomic.AddInt32(&ran, 1)
				return nil
			})
			if err != nil {
				t.Errorf("WithLock: %v", err)
			}
		}()
	}
	wg.Wait()

	if ran != workers {
		t.Errorf("ran = %d, want %d (all callers eventually proceed)", ran, workers)
	}

	var count int64
	gdb.Model(&models.LockTicket{}).Count(&count)
	if count != 0 {
		t.Errorf("leftover tickets = %d, want 0", count)
	}
}

func TestWithLock_SecondWaitsForFirstRelease(t *testing.T) {
	gdb := openLockTestDB(t)
	m := newTestManager(t, gdb)

	ticket, err := m.Acquire(context.Background(), "agent-42")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	var secondStarted int32
	done := make(chan error, 1)
	go func() {
		done <- m.WithLock(context.Background(), "agent-42", func(ctx context.Context) error {
			atomic.StoreInt32(&secondStarted, 1)
			return nil
		})
	}()

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&secondStarted) != 0 {
		t.Fatal("second critical section started while first ticket still held")
	}

	if err := m.Release(ticket); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("second WithLock: %v", err)
	}
	if atomic.LoadInt32(&secondStarted) != 1 {
		t.Fatal("second critical section never ran")
	}
}

func TestAcquire_IndependentResources(t *testing.T) {
	gdb := openLockTestDB(t)
	m := newTestManager(t, gdb)

	t1, err := m.Acquire(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("Acquire agent-1: %v", err)
	}
	defer m.Release(t1)

	// A different resource must not be blocked.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	t2, err := m.Acquire(ctx, "agent-2")
	if err != nil {
		t.Fatalf("Acquire agent-2 while agent-1 held: %v", err)
	}
	m.Release(t2)
}

func TestAcquire_ExpiredTicketIsReclaimed(t *testing.T) {
	gdb := openLockTestDB(t)
	m := newTestManager(t, gdb)

	// A crashed holder left a ticket behind; it is already expired.
	stale := models.LockTicket{
		ResourceID: "agent-42",
		CreatedAt:  time.Now().Add(-time.Minute),
		ExpiresAt:  time.Now().Add(-30 * time.Second),
	}
	if err := gdb.Create(&stale).Error; err != nil {
		t.Fatalf("create stale ticket: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ticket, err := m.Acquire(ctx, "agent-42")
	if err != nil {
		t.Fatalf("Acquire past stale ticket: %v", err)
	}
	m.Release(ticket)
}

func TestAcquire_ContextCancelledRemovesTicket(t *testing.T) {
	gdb := openLockTestDB(t)
	m := newTestManager(t, gdb)

	holder, err := m.Acquire(context.Background(), "agent-42")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer m.Release(holder)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := m.Acquire(ctx, "agent-42"); err == nil {
		t.Fatal("expected context error")
	}

	var count int64
	gdb.Model(&models.LockTicket{}).Where("resource_id = ?", "agent-42").Count(&count)
	if count != 1 {
		t.Errorf("tickets after cancelled acquire = %d, want 1 (holder only)", count)
	}
}

func TestEnqueue_CollisionRetries(t *testing.T) {
	gdb := openLockTestDB(t)

	// A stepped clock makes the first insert collide with a pre-existing
	// ticket and the retry succeed.
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	m, err := NewManager(ManagerOpts{
		DB:           gdb,
		TTL:          time.Minute,
		PollInterval: 5 * time.Millisecond,
		RetryDelay:   time.Millisecond,
		Now: func() time.Time {
			step++
			if step <= 2 {
				// purge + create on the first attempt share the instant
				return base
			}
			return base.Add(time.Duration(step) * time.Millisecond)
		},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	rival := models.LockTicket{ResourceID: "agent-42", CreatedAt: base, ExpiresAt: base.Add(time.Minute)}
	if err := gdb.Create(&rival).Error; err != nil {
		t.Fatalf("create rival ticket: %v", err)
	}

	ticket, err := m.enqueue(context.Background(), "agent-42")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if ticket.CreatedAt.Equal(rival.CreatedAt) {
		t.Error("retried ticket reused the colliding timestamp")
	}
	m.Release(ticket)
}

func TestWithLock_ReleasesOnError(t *testing.T) {
	gdb := openLockTestDB(t)
	m := newTestManager(t, gdb)

	wantErr := context.DeadlineExceeded
	err := m.WithLock(context.Background(), "agent-42", func(ctx context.Context) error {
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("WithLock err = %v, want %v", err, wantErr)
	}

	var count int64
	gdb.Model(&models.LockTicket{}).Count(&count)
	if count != 0 {
		t.Errorf("tickets after failed critical section = %d, want 0", count)
	}
}
