// Package dispatch is the coordination core: it persists inbound messages,
// bumps conversation watermarks, fans messages out to platform adapters and
// the realtime gateway, evaluates agent triggers, and drives the job
// scheduler for responses, introductions, and periodic activations.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/switchyard/switchyard/internal/adapter"
	"github.com/switchyard/switchyard/internal/channel"
	"github.com/switchyard/switchyard/internal/lock"
	"github.com/switchyard/switchyard/internal/models"
	"github.com/switchyard/switchyard/internal/scheduler"
	"github.com/switchyard/switchyard/internal/trigger"
	"gorm.io/gorm"
)

// JobScheduler is the scheduling surface the daemon needs. *scheduler.Scheduler
// satisfies it; tests substitute a recording fake.
type JobScheduler interface {
	Define(name string, h scheduler.Handler)
	ScheduleNow(name string, payload any) error
	EnsurePeriodic(name string, h scheduler.Handler, every time.Duration) error
	Cancel(name string)
	Remove(name string)
	Reconcile(ctx context.Context, tasks []func(ctx context.Context) error, opts scheduler.ReconcileOpts)
}

// Publisher is the realtime emission surface. *gateway.Gateway satisfies it.
type Publisher interface {
	Publish(conversationID, event string, payload any, channels []string)
}

// Responder produces an agent's reply. A nil envelope means the agent chose
// not to respond; trig is nil for periodic activations.
type Responder interface {
	Respond(ctx context.Context, agent *models.AgentInstance, trig *models.Message) (*adapter.Envelope, error)
}

// Introducer is an optional Responder extension that supplies per-channel
// introduction text. Without it the daemon uses a default greeting.
type Introducer interface {
	Introduce(ctx context.Context, agent *models.AgentInstance, channelName string) (string, error)
}

// Daemon wires the stores, adapters, scheduler, locks, and gateway into one
// coordination loop. One Daemon runs per process.
type Daemon struct {
	db        *gorm.DB
	registry  *adapter.Registry
	channels  *channel.Registry
	sched     JobScheduler
	locks     *lock.Manager
	gate      Publisher
	responder Responder
	out       io.Writer

	mu      sync.Mutex
	routers map[uint]*adapter.Router
	drains  map[uint]context.CancelFunc
}

// Opts holds parameters for creating a Daemon. Gateway is optional; a nil
// Publisher disables realtime emission.
type Opts struct {
	DB        *gorm.DB
	Registry  *adapter.Registry
	Channels  *channel.Registry
	Scheduler JobScheduler
	Locks     *lock.Manager
	Gateway   Publisher
	Responder Responder
	Out       io.Writer // defaults to os.Stdout
}

// NewDaemon creates a Daemon.
func NewDaemon(opts Opts) (*Daemon, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("dispatch: db is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("dispatch: adapter registry is required")
	}
	if opts.Channels == nil {
		return nil, fmt.Errorf("dispatch: channel registry is required")
	}
	if opts.Scheduler == nil {
		return nil, fmt.Errorf("dispatch: scheduler is required")
	}
	if opts.Locks == nil {
		return nil, fmt.Errorf("dispatch: lock manager is required")
	}
	if opts.Responder == nil {
		return nil, fmt.Errorf("dispatch: responder is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Daemon{
		db:        opts.DB,
		registry:  opts.Registry,
		channels:  opts.Channels,
		sched:     opts.Scheduler,
		locks:     opts.Locks,
		gate:      opts.Gateway,
		responder: opts.Responder,
		out:       out,
		routers:   make(map[uint]*adapter.Router),
		drains:    make(map[uint]context.CancelFunc),
	}, nil
}

// CreateConversation persists a new conversation root.
func (d *Daemon) CreateConversation(title string) (*models.Conversation, error) {
	conv := &models.Conversation{ID: uuid.NewString(), Title: title}
	if err := d.db.Create(conv).Error; err != nil {
		return nil, fmt.Errorf("dispatch: create conversation: %w", err)
	}
	return conv, nil
}

// CreateChannel persists a channel, announces it on the gateway, and
// dispatches introductions for the conversation's active agents.
func (d *Daemon) CreateChannel(spec channel.Spec) (*models.Channel, error) {
	ch, err := d.channels.Create(spec)
	if err != nil {
		return nil, err
	}
	d.publish(spec.ConversationID, "channel.created", map[string]any{
		"name":   ch.Name,
		"direct": ch.Direct,
	}, nil)
	if err := d.IntroduceAgents(ch); err != nil {
		return nil, err
	}
	return ch, nil
}

// CreateAdapter validates and persists an adapter instance. Validation
// failures block persistence.
func (d *Daemon) CreateAdapter(inst *models.AdapterInstance) error {
	if err := d.registry.Validate(inst); err != nil {
		return err
	}
	if err := d.db.Create(inst).Error; err != nil {
		return fmt.Errorf("dispatch: create %s adapter: %w", inst.Type, err)
	}
	return nil
}

// StartAdapter builds, starts, and begins draining the adapter for a
// persisted instance. Starting an already-started instance is a no-op.
func (d *Daemon) StartAdapter(ctx context.Context, instanceID uint) error {
	d.mu.Lock()
	if _, ok := d.routers[instanceID]; ok {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	var inst models.AdapterInstance
	if err := d.db.First(&inst, instanceID).Error; err != nil {
		return fmt.Errorf("dispatch: load adapter instance %d: %w", instanceID, err)
	}

	a, err := d.registry.New(&inst)
	if err != nil {
		return err
	}
	router, err := adapter.NewRouter(adapter.RouterOpts{
		DB:       d.db,
		Instance: &inst,
		Adapter:  a,
		Out:      d.out,
	})
	if err != nil {
		return err
	}
	if err := router.Start(ctx); err != nil {
		return err
	}

	// Re-check under the lock: a concurrent StartAdapter may have won the
	// build race, in which case this router is torn down again.
	d.mu.Lock()
	if _, ok := d.routers[instanceID]; ok {
		d.mu.Unlock()
		return router.Stop()
	}
	d.routers[instanceID] = router
	src, isSource := a.(adapter.EventSource)
	var drainCtx context.Context
	if isSource {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithCancel(context.Background())
		d.drains[instanceID] = cancel
	}
	d.mu.Unlock()

	if isSource {
		go d.drainEvents(drainCtx, router, src)
	}
	return nil
}

// StopAdapter stops a started instance and detaches its router.
func (d *Daemon) StopAdapter(instanceID uint) error {
	d.mu.Lock()
	router, ok := d.routers[instanceID]
	cancel := d.drains[instanceID]
	delete(d.routers, instanceID)
	delete(d.drains, instanceID)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	return router.Stop()
}

// Router returns the running router for an instance, if any.
func (d *Daemon) Router(instanceID uint) (*adapter.Router, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.routers[instanceID]
	return r, ok
}

// drainEvents feeds an adapter's platform events through its router and
// into the inbound pipeline until the drain context is cancelled.
func (d *Daemon) drainEvents(ctx context.Context, router *adapter.Router, src adapter.EventSource) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-src.Events():
			if !ok {
				return
			}
			envs, err := router.Receive(ctx, ev)
			if err != nil {
				log.Printf("dispatch: receive from %s: %v", router.Type(), err)
				continue
			}
			for _, env := range envs {
				if err := d.HandleInbound(ctx, env); err != nil {
					log.Printf("dispatch: inbound from %s: %v", router.Type(), err)
				}
			}
		}
	}
}

// HandleInbound runs the inbound pipeline for one envelope: persist the
// message, bump the conversation watermark, emit to the gateway, bridge to
// the other platform adapters, and evaluate agent triggers.
func (d *Daemon) HandleInbound(ctx context.Context, env adapter.Envelope) error {
	msg, conv, err := d.persistMessage(env)
	if err != nil {
		return err
	}

	d.publish(env.ConversationID, "message.created", messagePayload(msg), env.Channels)
	d.fanOut(ctx, env)

	return d.evaluateTriggers(ctx, msg, conv)
}

// persistMessage stores the envelope as a message and atomically bumps the
// conversation's message count, returning both with the fresh count.
func (d *Daemon) persistMessage(env adapter.Envelope) (*models.Message, *models.Conversation, error) {
	channelsJSON, err := json.Marshal(env.Channels)
	if err != nil {
		return nil, nil, fmt.Errorf("dispatch: encode channels: %w", err)
	}
	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: env.ConversationID,
		Author:         env.Author,
		FromAgent:      env.FromAgent,
		Source:         env.Source,
		Channels:       string(channelsJSON),
		Content:        env.Content,
	}
	if err := d.db.Create(msg).Error; err != nil {
		return nil, nil, fmt.Errorf("dispatch: persist message: %w", err)
	}

	// Single-row atomic bump keeps the watermark correct under concurrent
	// writers.
	err = d.db.Model(&models.Conversation{}).
		Where("id = ?", env.ConversationID).
		UpdateColumn("message_count", gorm.Expr("message_count + 1")).Error
	if err != nil {
		return nil, nil, fmt.Errorf("dispatch: bump message count: %w", err)
	}

	var conv models.Conversation
	if err := d.db.First(&conv, "id = ?", env.ConversationID).Error; err != nil {
		return nil, nil, fmt.Errorf("dispatch: load conversation %s: %w", env.ConversationID, err)
	}
	return msg, &conv, nil
}

// fanOut bridges an envelope to every running adapter. The router's echo
// guard keeps it off the platform it came from; delivery failures are logged
// and do not block the pipeline.
func (d *Daemon) fanOut(ctx context.Context, env adapter.Envelope) {
	d.mu.Lock()
	routers := make([]*adapter.Router, 0, len(d.routers))
	for _, r := range d.routers {
		routers = append(routers, r)
	}
	d.mu.Unlock()

	for _, r := range routers {
		if r.Instance().ConversationID != env.ConversationID {
			continue
		}
		if err := r.Send(ctx, env); err != nil {
			log.Printf("dispatch: deliver via %s: %v", r.Type(), err)
		}
	}
}

// evaluateTriggers checks every active agent of the conversation against the
// message and dispatches a response job for each agent that must react.
func (d *Daemon) evaluateTriggers(ctx context.Context, msg *models.Message, conv *models.Conversation) error {
	var agents []models.AgentInstance
	err := d.db.Where("conversation_id = ? AND active = ?", conv.ID, true).Find(&agents).Error
	if err != nil {
		return fmt.Errorf("dispatch: load agents of %s: %w", conv.ID, err)
	}
	if len(agents) == 0 {
		return nil
	}

	event, err := d.messageEvent(msg)
	if err != nil {
		return err
	}

	for i := range agents {
		agent := agents[i]
		trig, err := trigger.Parse(agent.Triggers)
		if err != nil {
			log.Printf("dispatch: agent %s: %v", agent.Name, err)
			continue
		}
		if !trigger.ShouldActivate(agent.Name, trig, agent.LastActiveMessageCount, event, conv.MessageCount) {
			continue
		}
		name := scheduler.ResponseJob(agent.ID)
		d.sched.Define(name, d.responseHandler(agent.ID))
		if err := d.sched.ScheduleNow(name, msg); err != nil {
			log.Printf("dispatch: schedule response for %s: %v", agent.Name, err)
		}
	}
	return nil
}

// messageEvent resolves the message's channels into the membership-bearing
// refs trigger evaluation needs.
func (d *Daemon) messageEvent(msg *models.Message) (*trigger.MessageEvent, error) {
	var names []string
	if msg.Channels != "" {
		if err := json.Unmarshal([]byte(msg.Channels), &names); err != nil {
			return nil, fmt.Errorf("dispatch: decode message channels: %w", err)
		}
	}

	event := &trigger.MessageEvent{Author: msg.Author, FromAgent: msg.FromAgent}
	for _, name := range names {
		ch, err := d.channels.Get(msg.ConversationID, name)
		if err != nil {
			if errors.Is(err, channel.ErrNotFound) {
				// Adapter-synthesized channels may have no registry entry.
				event.Channels = append(event.Channels, trigger.ChannelRef{Name: name})
				continue
			}
			return nil, err
		}
		ref := trigger.ChannelRef{Name: ch.Name, Direct: ch.Direct}
		for _, m := range ch.Members {
			ref.Participants = append(ref.Participants, m.UserID)
		}
		event.Channels = append(event.Channels, ref)
	}
	return event, nil
}

// publish emits a gateway event when a gateway is attached.
func (d *Daemon) publish(conversationID, event string, payload any, channels []string) {
	if d.gate == nil {
		return
	}
	d.gate.Publish(conversationID, event, payload, channels)
}

func messagePayload(msg *models.Message) map[string]any {
	return map[string]any{
		"id":         msg.ID,
		"author":     msg.Author,
		"from_agent": msg.FromAgent,
		"content":    msg.Content,
	}
}
