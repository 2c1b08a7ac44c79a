package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/switchyard/switchyard/internal/adapter"
	"github.com/switchyard/switchyard/internal/models"
	"github.com/switchyard/switchyard/internal/scheduler"
	"github.com/switchyard/switchyard/internal/trigger"
	"gorm.io/gorm"
)

// transcriptBatchSize bounds how many messages a transcript batch carries.
const transcriptBatchSize = 50

// CreateAgent validates the agent's trigger document and persists it. An
// agent created active is immediately scheduled and introduced.
func (d *Daemon) CreateAgent(ctx context.Context, agent *models.AgentInstance) error {
	if _, err := trigger.Parse(agent.Triggers); err != nil {
		return err
	}
	if err := d.db.Create(agent).Error; err != nil {
		return fmt.Errorf("dispatch: create agent %s: %w", agent.Name, err)
	}
	if agent.Active {
		return d.ActivateAgent(ctx, agent.ID)
	}
	return nil
}

// ActivateAgent marks an agent active, establishes its periodic timer if its
// triggers call for one, and dispatches its introduction job.
func (d *Daemon) ActivateAgent(ctx context.Context, agentID uint) error {
	var agent models.AgentInstance
	if err := d.db.First(&agent, agentID).Error; err != nil {
		return fmt.Errorf("dispatch: load agent %d: %w", agentID, err)
	}
	if err := d.db.Model(&agent).Update("active", true).Error; err != nil {
		return fmt.Errorf("dispatch: activate agent %d: %w", agentID, err)
	}
	agent.Active = true

	if err := d.SchedulePeriodicAgent(&agent); err != nil {
		return err
	}
	return d.IntroduceAgent(agentID)
}

// DeactivateAgent marks an agent inactive and cancels its periodic timer.
// Response jobs already dispatched run to completion and find the agent
// inactive.
func (d *Daemon) DeactivateAgent(agentID uint) error {
	if err := d.db.Model(&models.AgentInstance{}).
		Where("id = ?", agentID).
		Update("active", false).Error; err != nil {
		return fmt.Errorf("dispatch: deactivate agent %d: %w", agentID, err)
	}
	d.sched.Cancel(scheduler.PeriodicJob(agentID))
	return nil
}

// RemoveAgent deletes an agent and forgets all of its job identities.
func (d *Daemon) RemoveAgent(agentID uint) error {
	if err := d.db.Delete(&models.AgentInstance{}, agentID).Error; err != nil {
		return fmt.Errorf("dispatch: remove agent %d: %w", agentID, err)
	}
	d.sched.Remove(scheduler.PeriodicJob(agentID))
	d.sched.Remove(scheduler.ResponseJob(agentID))
	d.sched.Remove(scheduler.IntroductionJob(agentID))
	return nil
}

// SchedulePeriodicAgent establishes the agent's recurring timer from its
// trigger document. Agents without a periodic trigger get any existing timer
// cancelled instead.
func (d *Daemon) SchedulePeriodicAgent(agent *models.AgentInstance) error {
	trig, err := trigger.Parse(agent.Triggers)
	if err != nil {
		return err
	}
	name := scheduler.PeriodicJob(agent.ID)
	if trig.Periodic == nil || trig.Periodic.TimerPeriodSec <= 0 {
		d.sched.Cancel(name)
		return nil
	}
	every := time.Duration(trig.Periodic.TimerPeriodSec) * time.Second
	return d.sched.EnsurePeriodic(name, d.responseHandler(agent.ID), every)
}

// IntroduceAgent dispatches the agent's one-shot introduction job.
func (d *Daemon) IntroduceAgent(agentID uint) error {
	name := scheduler.IntroductionJob(agentID)
	d.sched.Define(name, d.introductionHandler(agentID))
	return d.sched.ScheduleNow(name, nil)
}

// IntroduceAgents dispatches introduction jobs for every active agent of a
// channel's conversation. Direct channels never receive introductions. The
// introduction handler itself skips channels an agent has already greeted,
// so re-dispatching for agents introduced elsewhere is harmless.
func (d *Daemon) IntroduceAgents(ch *models.Channel) error {
	if ch.Direct {
		return nil
	}
	var agents []models.AgentInstance
	err := d.db.Where("conversation_id = ? AND active = ?", ch.ConversationID, true).
		Find(&agents).Error
	if err != nil {
		return fmt.Errorf("dispatch: load agents of conversation %s: %w", ch.ConversationID, err)
	}
	for _, agent := range agents {
		if err := d.IntroduceAgent(agent.ID); err != nil {
			return err
		}
	}
	return nil
}

// responseHandler builds the job handler that produces and delivers one
// agent response, then advances the agent's watermark.
func (d *Daemon) responseHandler(agentID uint) scheduler.Handler {
	return func(ctx context.Context, payload any) error {
		var agent models.AgentInstance
		err := d.db.First(&agent, agentID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fmt.Fprintf(d.out, "dispatch: agent %d vanished before responding, skipping\n", agentID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("dispatch: load agent %d: %w", agentID, err)
		}
		if !agent.Active {
			return nil
		}

		trig, _ := payload.(*models.Message)
		env, err := d.responder.Respond(ctx, &agent, trig)
		if err != nil {
			return fmt.Errorf("dispatch: agent %s respond: %w", agent.Name, err)
		}
		if env == nil {
			return nil
		}

		env.ConversationID = agent.ConversationID
		env.Author = agent.Name
		env.FromAgent = true
		if err := d.HandleInbound(ctx, *env); err != nil {
			return err
		}

		// Advance the watermark to the post-response count. The read and
		// write are not serialized against concurrent responders; a lost
		// update only delays a min-new-message trigger by one message.
		var conv models.Conversation
		if err := d.db.First(&conv, "id = ?", agent.ConversationID).Error; err != nil {
			return fmt.Errorf("dispatch: load conversation %s: %w", agent.ConversationID, err)
		}
		err = d.db.Model(&models.AgentInstance{}).
			Where("id = ?", agentID).
			Update("last_active_message_count", conv.MessageCount).Error
		if err != nil {
			return fmt.Errorf("dispatch: advance watermark of agent %d: %w", agentID, err)
		}
		return nil
	}
}

// introductionHandler builds the job handler that posts the agent's
// greeting on every channel it has not introduced itself on yet. The
// introduced-channel list is mutated under the agent's distributed lock
// because introduction jobs can run in several processes.
func (d *Daemon) introductionHandler(agentID uint) scheduler.Handler {
	return func(ctx context.Context, _ any) error {
		resource := fmt.Sprintf("agent-%d", agentID)
		return d.locks.WithLock(ctx, resource, func(ctx context.Context) error {
			var agent models.AgentInstance
			err := d.db.First(&agent, agentID).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				fmt.Fprintf(d.out, "dispatch: agent %d vanished before introduction, skipping\n", agentID)
				return nil
			}
			if err != nil {
				return fmt.Errorf("dispatch: load agent %d: %w", agentID, err)
			}

			introduced := map[string]bool{}
			var names []string
			if agent.IntroducedChannels != "" {
				if err := json.Unmarshal([]byte(agent.IntroducedChannels), &names); err != nil {
					return fmt.Errorf("dispatch: decode introduced channels of agent %d: %w", agentID, err)
				}
			}
			for _, n := range names {
				introduced[n] = true
			}

			chs, err := d.channels.ListByConversation(agent.ConversationID)
			if err != nil {
				return err
			}

			for _, ch := range chs {
				if ch.Direct || introduced[ch.Name] {
					continue
				}
				content, err := d.introductionText(ctx, &agent, ch.Name)
				if err != nil {
					return err
				}
				env := adapter.Envelope{
					ConversationID: agent.ConversationID,
					Channels:       []string{ch.Name},
					Author:         agent.Name,
					FromAgent:      true,
					Content:        content,
				}
				if err := d.HandleInbound(ctx, env); err != nil {
					return err
				}
				introduced[ch.Name] = true
				names = append(names, ch.Name)
			}

			data, err := json.Marshal(names)
			if err != nil {
				return fmt.Errorf("dispatch: encode introduced channels: %w", err)
			}
			err = d.db.Model(&models.AgentInstance{}).
				Where("id = ?", agentID).
				Update("introduced_channels", string(data)).Error
			if err != nil {
				return fmt.Errorf("dispatch: persist introduced channels of agent %d: %w", agentID, err)
			}
			return nil
		})
	}
}

// introductionText asks the responder for a greeting when it can produce
// one, otherwise falls back to a stock line.
func (d *Daemon) introductionText(ctx context.Context, agent *models.AgentInstance, channelName string) (string, error) {
	if intro, ok := d.responder.(Introducer); ok {
		return intro.Introduce(ctx, agent, channelName)
	}
	return fmt.Sprintf("Hello, I'm %s and I've joined this channel.", agent.Name), nil
}

// ScheduleCleanup establishes the daily maintenance timer that purges
// expired lock tickets.
func (d *Daemon) ScheduleCleanup() error {
	return d.sched.EnsurePeriodic(scheduler.CleanupJob, func(ctx context.Context, _ any) error {
		res := d.db.Where("expires_at <= ?", time.Now()).Delete(&models.LockTicket{})
		if res.Error != nil {
			return fmt.Errorf("dispatch: cleanup lock tickets: %w", res.Error)
		}
		if res.RowsAffected > 0 {
			fmt.Fprintf(d.out, "dispatch: cleaned up %d expired lock tickets\n", res.RowsAffected)
		}
		return nil
	}, 24*time.Hour)
}

// ScheduleBatchTranscript establishes a conversation's recurring transcript
// emission: the latest messages, oldest first, published to the gateway.
func (d *Daemon) ScheduleBatchTranscript(conversationID string, every time.Duration) error {
	name := scheduler.BatchTranscriptJob(conversationID)
	return d.sched.EnsurePeriodic(name, func(ctx context.Context, _ any) error {
		var msgs []models.Message
		err := d.db.Where("conversation_id = ?", conversationID).
			Order("created_at DESC").
			Limit(transcriptBatchSize).
			Find(&msgs).Error
		if err != nil {
			return fmt.Errorf("dispatch: load transcript of %s: %w", conversationID, err)
		}

		entries := make([]map[string]any, 0, len(msgs))
		for i := len(msgs) - 1; i >= 0; i-- {
			entries = append(entries, messagePayload(&msgs[i]))
		}
		d.publish(conversationID, "transcript.batch", entries, nil)
		return nil
	}, every)
}

// Reconcile re-establishes persisted state after a restart: every active
// agent's timers and introduction, and every active adapter instance's
// connection. Tasks run through the scheduler's bounded pool.
func (d *Daemon) Reconcile(ctx context.Context, opts scheduler.ReconcileOpts) error {
	var agents []models.AgentInstance
	if err := d.db.Where("active = ?", true).Find(&agents).Error; err != nil {
		return fmt.Errorf("dispatch: reconcile agents: %w", err)
	}
	var insts []models.AdapterInstance
	if err := d.db.Where("active = ?", true).Find(&insts).Error; err != nil {
		return fmt.Errorf("dispatch: reconcile adapters: %w", err)
	}

	var tasks []func(ctx context.Context) error
	for i := range agents {
		agent := agents[i]
		tasks = append(tasks, func(ctx context.Context) error {
			if err := d.SchedulePeriodicAgent(&agent); err != nil {
				return err
			}
			return d.IntroduceAgent(agent.ID)
		})
	}
	for i := range insts {
		inst := insts[i]
		tasks = append(tasks, func(ctx context.Context) error {
			return d.StartAdapter(ctx, inst.ID)
		})
	}
	tasks = append(tasks, func(ctx context.Context) error {
		return d.ScheduleCleanup()
	})

	d.sched.Reconcile(ctx, tasks, opts)
	return nil
}
