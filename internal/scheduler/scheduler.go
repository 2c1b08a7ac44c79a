// Package scheduler defines, schedules, cancels, and dispatches the
// asynchronous jobs that drive agent activation: periodic timers, one-shot
// responses, introductions, and maintenance work. Job identity is a string
// key of the form "{archetype}-{target}"; redefining an identity is a safe
// no-op and re-scheduling always cancels first, so duplicate timers cannot
// survive a restart or a config patch.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Handler executes one job invocation. One-shot jobs receive the payload
// passed to ScheduleNow; periodic firings receive nil. Errors are logged at
// the dispatch boundary and never propagate.
type Handler func(ctx context.Context, payload any) error

// Job identity keys.

// PeriodicJob returns the identity key of an agent's recurring timer job.
func PeriodicJob(agentID uint) string { return fmt.Sprintf("periodic-%d", agentID) }

// ResponseJob returns the identity key of an agent's one-shot response job.
func ResponseJob(agentID uint) string { return fmt.Sprintf("response-%d", agentID) }

// IntroductionJob returns the identity key of an agent's one-shot
// introduction job.
func IntroductionJob(agentID uint) string { return fmt.Sprintf("introduction-%d", agentID) }

// BatchTranscriptJob returns the identity key of a conversation's
// transcript maintenance job.
func BatchTranscriptJob(conversationID string) string {
	return "batchTranscript-" + conversationID
}

// CleanupJob is the identity key of the daily cleanup job.
const CleanupJob = "cleanup-daily"

// Scheduler owns the job definitions and the cron runner. It is an
// explicit object passed into the dispatch daemon; there is no package
// state.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	defs    map[string]Handler
	entries map[string]cron.EntryID
	wg      sync.WaitGroup
	out     io.Writer
}

// Opts holds parameters for creating a Scheduler.
type Opts struct {
	Out io.Writer // defaults to os.Stdout
}

// New creates a Scheduler and starts its cron runner.
func New(opts Opts) *Scheduler {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	s := &Scheduler{
		cron:    cron.New(),
		defs:    make(map[string]Handler),
		entries: make(map[string]cron.EntryID),
		out:     out,
	}
	s.cron.Start()
	return s
}

// Define registers the handler for a job identity. Redefining an existing
// identity is a no-op.
func (s *Scheduler) Define(name string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.defs[name]; ok {
		return
	}
	s.defs[name] = h
}

// SchedulePeriodic attaches a recurring timer to a defined job. The first
// firing happens only after one full interval has elapsed. Scheduling an
// already-scheduled identity replaces its timer, so at most one timer
// exists per identity.
func (s *Scheduler) SchedulePeriodic(name string, every time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.defs[name]; !ok {
		return fmt.Errorf("scheduler: schedule %q: job not defined", name)
	}
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
	}
	id := s.cron.Schedule(cron.Every(every), cron.FuncJob(func() {
		s.runJob(name, nil)
	}))
	s.entries[name] = id
	return nil
}

// ScheduleNow dispatches a one-shot invocation of a defined job on a worker
// goroutine. The invocation is not retracted by Cancel.
func (s *Scheduler) ScheduleNow(name string, payload any) error {
	s.mu.Lock()
	_, ok := s.defs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: dispatch %q: job not defined", name)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runJob(name, payload)
	}()
	return nil
}

// Cancel removes the periodic timer for a job identity. One-shot
// invocations already dispatched keep running. Cancelling an unscheduled
// identity is a no-op.
func (s *Scheduler) Cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
}

// Remove cancels a job's timer and forgets its definition, for targets that
// no longer exist.
func (s *Scheduler) Remove(name string) {
	s.Cancel(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.defs, name)
}

// EnsurePeriodic runs the cancel-define-schedule sequence for a periodic
// job, guaranteeing exactly one active timer for the identity afterwards.
func (s *Scheduler) EnsurePeriodic(name string, h Handler, every time.Duration) error {
	s.Cancel(name)
	s.Define(name, h)
	return s.SchedulePeriodic(name, every)
}

// HasPeriodic reports whether a job identity currently has a timer.
func (s *Scheduler) HasPeriodic(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[name]
	return ok
}

// PeriodicCount returns the number of active periodic timers.
func (s *Scheduler) PeriodicCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop halts the cron runner, waits for running periodic jobs to finish,
// then waits for in-flight one-shot jobs to drain.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.wg.Wait()
}

// runJob is the containment boundary: a job that errors or panics is
// logged and never disturbs the scheduler or other jobs.
func (s *Scheduler) runJob(name string, payload any) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("scheduler: job %s panicked: %v", name, r)
		}
	}()

	s.mu.Lock()
	h, ok := s.defs[name]
	s.mu.Unlock()
	if !ok {
		log.Printf("scheduler: job %s fired but is no longer defined", name)
		return
	}

	if err := h(context.Background(), payload); err != nil {
		log.Printf("scheduler: job %s: %v", name, err)
	}
}
