// Package discord implements the Discord platform adapter over the gateway
// websocket.
package discord

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/switchyard/switchyard/internal/adapter"
	"github.com/switchyard/switchyard/internal/models"
)

// Type is the adapter's type discriminant.
const Type = "discord"

// eventBuffer sizes the outgoing platform event channel.
const eventBuffer = 100

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

// Adapter serves one persisted Discord instance.
type Adapter struct {
	cfg      map[string]string
	channels *adapter.ChannelSet

	sess session

	mu            sync.Mutex
	started       bool
	removeHandler func()

	events chan adapter.ExternalEvent
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	Instance *models.AdapterInstance
	// For testing: inject a mock session instead of a real gateway connection.
	Session session
}

// New creates a Discord Adapter from a persisted instance.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Instance == nil {
		return nil, fmt.Errorf("discord: instance is required")
	}
	channels, err := adapter.ParseChannelSet(opts.Instance)
	if err != nil {
		return nil, err
	}
	cfg, err := adapter.ParseConfig(opts.Instance)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:      cfg,
		channels: channels,
		sess:     opts.Session,
		events:   make(chan adapter.ExternalEvent, eventBuffer),
	}, nil
}

// Factory builds a Discord Adapter for the registry.
func Factory(inst *models.AdapterInstance) (adapter.Adapter, error) {
	return New(AdapterOpts{Instance: inst})
}

// Type returns the type discriminant.
func (a *Adapter) Type() string { return Type }

// Validate checks the Discord-specific config keys.
func (a *Adapter) Validate(cfg map[string]string) error {
	if cfg["bot_token"] == "" {
		return fmt.Errorf("discord: config key bot_token is required")
	}
	return nil
}

// Start opens the gateway connection and registers the message handler.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}

	if a.sess == nil {
		if err := a.Validate(a.cfg); err != nil {
			return err
		}
		dg, err := discordgo.New("Bot " + a.cfg["bot_token"])
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentsMessageContent
		a.sess = dg
	}

	a.removeHandler = a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(m)
	})

	if err := a.sess.Open(); err != nil {
		a.removeHandler()
		a.removeHandler = nil
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.started = true
	return nil
}

// Stop tears down the gateway connection.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}
	a.started = false
	if a.removeHandler != nil {
		a.removeHandler()
		a.removeHandler = nil
	}
	if err := a.sess.Close(); err != nil {
		return fmt.Errorf("discord: close gateway: %w", err)
	}
	return nil
}

// Events returns the stream of normalized platform events.
func (a *Adapter) Events() <-chan adapter.ExternalEvent { return a.events }

// ReceiveMessage maps a normalized Discord event onto channel bindings.
// Guild messages resolve against chat bindings by channel_id; direct
// messages resolve against the per-user direct channels under dm bindings.
func (a *Adapter) ReceiveMessage(ctx context.Context, ev adapter.ExternalEvent) ([]adapter.Envelope, error) {
	var names []string
	switch ev.Kind {
	case "im":
		for _, dm := range a.channels.DM {
			name := adapter.DirectChannelName(ev.UserID, dm.AgentRef)
			if cfg, ok := dm.DirectChannels[name]; ok && cfg.AllowsIncoming() {
				names = append(names, name)
			}
		}
	case "message":
		for _, chat := range a.channels.Chat {
			if chat.Config["channel_id"] == ev.ChannelID {
				names = append(names, chat.Name)
			}
		}
		names = a.channels.FilterIncoming(names)
	default:
		return nil, nil
	}
	if len(names) == 0 {
		return nil, nil
	}

	return []adapter.Envelope{{
		Channels:  names,
		Author:    ev.UserName,
		Content:   ev.Text,
		Timestamp: ev.Timestamp,
	}}, nil
}

// SendMessage delivers an envelope through the binding's Discord channel.
// Direct bindings without a cached channel id open a DM channel first.
func (a *Adapter) SendMessage(ctx context.Context, env adapter.Envelope, cfg adapter.ChannelConfig) error {
	channelID := cfg.Config["channel_id"]
	if channelID == "" && cfg.Direct {
		userID := cfg.Config["user_id"]
		if userID == "" {
			return fmt.Errorf("discord: direct channel %q has no user_id", cfg.Name)
		}
		ch, err := a.sess.UserChannelCreate(userID)
		if err != nil {
			return fmt.Errorf("discord: open dm channel for %s: %w", userID, err)
		}
		channelID = ch.ID
	}
	if channelID == "" {
		return fmt.Errorf("discord: channel %q has no channel_id", cfg.Name)
	}

	if _, err := a.sess.ChannelMessageSend(channelID, env.Content); err != nil {
		return fmt.Errorf("discord: send to %s: %w", channelID, err)
	}
	return nil
}

// ParticipantJoined synthesizes a per-user direct channel under every dm
// binding that names an agent. Repeat joins are no-ops.
func (a *Adapter) ParticipantJoined(ctx context.Context, userID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.channels.DM {
		dm := &a.channels.DM[i]
		if dm.AgentRef == "" {
			continue
		}
		name := adapter.DirectChannelName(userID, dm.AgentRef)
		if dm.DirectChannels == nil {
			dm.DirectChannels = make(map[string]adapter.ChannelConfig)
		}
		if _, ok := dm.DirectChannels[name]; ok {
			continue
		}
		cfg := map[string]string{"user_id": userID}
		for k, v := range dm.Config {
			cfg[k] = v
		}
		dm.DirectChannels[name] = adapter.ChannelConfig{
			Direction: dm.Direction,
			Direct:    true,
			Name:      name,
			AgentRef:  dm.AgentRef,
			Config:    cfg,
		}
	}
	return nil
}

// Channels returns the instance's channel bindings.
func (a *Adapter) Channels() *adapter.ChannelSet { return a.channels }

// UniqueKeys identifies the guild and channels this instance occupies.
func (a *Adapter) UniqueKeys() map[string]string {
	keys := map[string]string{}
	if guild := a.cfg["guild_id"]; guild != "" {
		keys["guild"] = guild
	}
	var ids []string
	for _, chat := range a.channels.Chat {
		if id := chat.Config["channel_id"]; id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) > 0 {
		sort.Strings(ids)
		keys["channels"] = strings.Join(ids, ",")
	}
	return keys
}

// handleMessage converts a gateway message event to an ExternalEvent.
func (a *Adapter) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}

	kind := "message"
	if m.GuildID == "" {
		kind = "im"
	}

	ts, _ := discordgo.SnowflakeTimestamp(m.ID)
	ev := adapter.ExternalEvent{
		Kind:      kind,
		ChannelID: m.ChannelID,
		UserID:    m.Author.ID,
		UserName:  m.Author.Username,
		Text:      m.Content,
		Timestamp: ts,
		Raw:       m,
	}

	select {
	case a.events <- ev:
	default:
		// Buffer full; drop rather than block the gateway read loop.
	}
}

var _ adapter.Adapter = (*Adapter)(nil)
var _ adapter.EventSource = (*Adapter)(nil)
