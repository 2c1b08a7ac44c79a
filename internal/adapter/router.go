package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/switchyard/switchyard/internal/models"
	"gorm.io/gorm"
)

// Router wraps one adapter instance: it enforces the active flag, the
// start-time uniqueness constraint, the outbound echo guard, and per-channel
// direction filtering. One Router exists per started instance.
type Router struct {
	db      *gorm.DB
	inst    *models.AdapterInstance
	adapter Adapter
	out     io.Writer
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	DB       *gorm.DB
	Instance *models.AdapterInstance
	Adapter  Adapter
	Out      io.Writer // defaults to os.Stdout
}

// NewRouter creates a Router for a built adapter and its instance.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("adapter: router: db is required")
	}
	if opts.Instance == nil {
		return nil, fmt.Errorf("adapter: router: instance is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("adapter: router: adapter is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Router{
		db:      opts.DB,
		inst:    opts.Instance,
		adapter: opts.Adapter,
		out:     out,
	}, nil
}

// Instance returns the persisted instance this router serves.
func (r *Router) Instance() *models.AdapterInstance { return r.inst }

// Type returns the adapter's type discriminant.
func (r *Router) Type() string { return r.adapter.Type() }

// EncodeUniqueKeys canonicalizes an adapter's unique keys for the indexed
// equality query: sorted "k=v" pairs joined with ";".
func EncodeUniqueKeys(keys map[string]string) string {
	if len(keys) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(keys))
	for k, v := range keys {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ";")
}

// Start activates the instance. It first queries for any other active
// instance of the same type holding the same unique keys and refuses to
// start if one exists, then starts the platform connection and persists
// Active=true.
func (r *Router) Start(ctx context.Context) error {
	encoded := EncodeUniqueKeys(r.adapter.UniqueKeys())
	if encoded != "" {
		var count int64
		err := r.db.Model(&models.AdapterInstance{}).
			Where("type = ? AND active = ? AND unique_keys = ? AND id <> ?",
				r.inst.Type, true, encoded, r.inst.ID).
			Count(&count).Error
		if err != nil {
			return fmt.Errorf("adapter: start %s instance %d: unique key query: %w", r.inst.Type, r.inst.ID, err)
		}
		if count > 0 {
			return fmt.Errorf("adapter: start %s instance %d: another active instance holds keys %q",
				r.inst.Type, r.inst.ID, encoded)
		}
	}

	if err := r.adapter.Start(ctx); err != nil {
		return fmt.Errorf("adapter: start %s instance %d: %w", r.inst.Type, r.inst.ID, err)
	}

	r.inst.Active = true
	r.inst.UniqueKeys = encoded
	if err := r.db.Model(r.inst).
		Updates(map[string]interface{}{"active": true, "unique_keys": encoded}).Error; err != nil {
		return fmt.Errorf("adapter: start %s instance %d: persist: %w", r.inst.Type, r.inst.ID, err)
	}
	return nil
}

// Stop deactivates the instance and tears down the platform connection.
func (r *Router) Stop() error {
	if err := r.adapter.Stop(); err != nil {
		return fmt.Errorf("adapter: stop %s instance %d: %w", r.inst.Type, r.inst.ID, err)
	}
	r.inst.Active = false
	if err := r.db.Model(r.inst).Update("active", false).Error; err != nil {
		return fmt.Errorf("adapter: stop %s instance %d: persist: %w", r.inst.Type, r.inst.ID, err)
	}
	return nil
}

// Receive routes one inbound platform event. Events arriving while the
// instance is inactive are dropped. An event that maps to no channel with
// inbound direction yields an empty result (logged, not an error).
func (r *Router) Receive(ctx context.Context, ev ExternalEvent) ([]Envelope, error) {
	if !r.inst.Active {
		fmt.Fprintf(r.out, "adapter: %s instance %d inactive, dropping %s event\n",
			r.inst.Type, r.inst.ID, ev.Kind)
		return nil, nil
	}

	envs, err := r.adapter.ReceiveMessage(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("adapter: receive on %s instance %d: %w", r.inst.Type, r.inst.ID, err)
	}
	if len(envs) == 0 {
		fmt.Fprintf(r.out, "adapter: %s instance %d: %s event maps to no inbound channel, dropping\n",
			r.inst.Type, r.inst.ID, ev.Kind)
		return nil, nil
	}

	for i := range envs {
		envs[i].Source = r.adapter.Type()
		envs[i].ConversationID = r.inst.ConversationID
		if envs[i].Author == "" {
			// Synthesize a pseudonym for platform users without a mapped identity.
			envs[i].Author = r.adapter.Type() + "-" + ev.UserID
		}
	}
	return envs, nil
}

// Send delivers an envelope to every channel it names whose binding permits
// outbound traffic. Inactive instances and envelopes originated by this
// adapter type are no-ops. A channel whose binding forbids outbound
// delivery is skipped with a log line, not an error; delivery failures
// propagate to the caller.
func (r *Router) Send(ctx context.Context, env Envelope) error {
	if !r.inst.Active {
		return nil
	}
	if env.Source == r.adapter.Type() {
		return nil
	}

	set := r.adapter.Channels()
	for _, name := range env.Channels {
		cfg, ok := set.Resolve(name)
		if !ok {
			continue
		}
		if !cfg.AllowsOutgoing() {
			fmt.Fprintf(r.out, "adapter: %s instance %d: channel %q direction %s forbids outgoing, skipping\n",
				r.inst.Type, r.inst.ID, name, cfg.Direction)
			continue
		}
		if err := r.adapter.SendMessage(ctx, env, cfg); err != nil {
			return fmt.Errorf("adapter: send to %q via %s instance %d: %w", name, r.inst.Type, r.inst.ID, err)
		}
	}
	return nil
}

// ParticipantJoined forwards the join notice to the adapter and persists
// any direct channels it synthesized onto the instance's dm column.
func (r *Router) ParticipantJoined(ctx context.Context, userID string) error {
	if !r.inst.Active {
		return nil
	}
	if err := r.adapter.ParticipantJoined(ctx, userID); err != nil {
		return fmt.Errorf("adapter: participant joined on %s instance %d: %w", r.inst.Type, r.inst.ID, err)
	}
	set := r.adapter.Channels()
	data, err := json.Marshal(set.DM)
	if err != nil {
		return fmt.Errorf("adapter: encode dm channels: %w", err)
	}
	if err := r.db.Model(r.inst).Update("dm_channels", string(data)).Error; err != nil {
		return fmt.Errorf("adapter: persist dm channels of instance %d: %w", r.inst.ID, err)
	}
	r.inst.DMChannels = string(data)
	return nil
}
