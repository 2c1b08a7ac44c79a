// Package adapter defines the platform adapter contract and the router that
// moves channel-scoped messages between external platforms and Switchyard.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/switchyard/switchyard/internal/models"
)

// Direction controls which way messages may flow through a channel binding.
type Direction string

const (
	DirectionIncoming Direction = "INCOMING"
	DirectionOutgoing Direction = "OUTGOING"
	DirectionBoth     Direction = "BOTH"
)

// ChannelConfig binds one adapter channel to a Switchyard channel name.
// DM bindings carry synthesized per-user direct channels in DirectChannels,
// keyed by DirectChannelName(userID, agentRef); direct channels never appear
// as top-level entries in a ChannelSet.
type ChannelConfig struct {
	Direction      Direction                `json:"direction"`
	Direct         bool                     `json:"direct,omitempty"`
	Name           string                   `json:"name,omitempty"`
	AgentRef       string                   `json:"agent_ref,omitempty"`
	Config         map[string]string        `json:"config,omitempty"`
	DirectChannels map[string]ChannelConfig `json:"direct_channels,omitempty"`
}

// AllowsIncoming reports whether inbound platform events may enter through
// this binding.
func (c ChannelConfig) AllowsIncoming() bool {
	return c.Direction == DirectionIncoming || c.Direction == DirectionBoth
}

// AllowsOutgoing reports whether outbound messages may be delivered through
// this binding.
func (c ChannelConfig) AllowsOutgoing() bool {
	return c.Direction == DirectionOutgoing || c.Direction == DirectionBoth
}

// DirectChannelName builds the synthesized name of a per-user direct channel.
func DirectChannelName(userID, agentRef string) string {
	return fmt.Sprintf("direct-%s-%s", userID, agentRef)
}

// ChannelSet holds an adapter instance's ordered channel bindings.
type ChannelSet struct {
	Audio []ChannelConfig `json:"audio,omitempty"`
	Chat  []ChannelConfig `json:"chat,omitempty"`
	DM    []ChannelConfig `json:"dm,omitempty"`
}

// Resolve finds the binding for a channel name, searching the audio, chat,
// and dm lists in order, then each dm binding's nested direct channels.
func (s *ChannelSet) Resolve(name string) (ChannelConfig, bool) {
	for _, list := range [][]ChannelConfig{s.Audio, s.Chat, s.DM} {
		for _, cfg := range list {
			if cfg.Name == name {
				return cfg, true
			}
		}
	}
	for _, dm := range s.DM {
		if cfg, ok := dm.DirectChannels[name]; ok {
			if cfg.Name == "" {
				cfg.Name = name
			}
			return cfg, true
		}
	}
	return ChannelConfig{}, false
}

// FilterIncoming returns the subset of names whose resolved binding permits
// inbound traffic. Names that do not resolve are dropped.
func (s *ChannelSet) FilterIncoming(names []string) []string {
	var out []string
	for _, name := range names {
		if cfg, ok := s.Resolve(name); ok && cfg.AllowsIncoming() {
			out = append(out, name)
		}
	}
	return out
}

// ParseChannelSet decodes an instance's three JSON channel columns.
func ParseChannelSet(inst *models.AdapterInstance) (*ChannelSet, error) {
	s := &ChannelSet{}
	for _, col := range []struct {
		raw  string
		dest *[]ChannelConfig
		name string
	}{
		{inst.AudioChannels, &s.Audio, "audio"},
		{inst.ChatChannels, &s.Chat, "chat"},
		{inst.DMChannels, &s.DM, "dm"},
	} {
		if col.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(col.raw), col.dest); err != nil {
			return nil, fmt.Errorf("adapter: parse %s channels of instance %d: %w", col.name, inst.ID, err)
		}
	}
	return s, nil
}

// EncodeChannelSet writes a channel set back onto an instance's JSON columns.
func EncodeChannelSet(s *ChannelSet, inst *models.AdapterInstance) error {
	for _, col := range []struct {
		src  []ChannelConfig
		dest *string
		name string
	}{
		{s.Audio, &inst.AudioChannels, "audio"},
		{s.Chat, &inst.ChatChannels, "chat"},
		{s.DM, &inst.DMChannels, "dm"},
	} {
		data, err := json.Marshal(col.src)
		if err != nil {
			return fmt.Errorf("adapter: encode %s channels: %w", col.name, err)
		}
		*col.dest = string(data)
	}
	return nil
}

// ParseConfig decodes an instance's opaque per-type config column.
func ParseConfig(inst *models.AdapterInstance) (map[string]string, error) {
	cfg := map[string]string{}
	if inst.Config == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(inst.Config), &cfg); err != nil {
		return nil, fmt.Errorf("adapter: parse config of instance %d: %w", inst.ID, err)
	}
	return cfg, nil
}

// ExternalEvent is a platform event normalized just enough for adapters to
// map it onto channels. Raw carries the platform payload for type-specific
// parsing.
type ExternalEvent struct {
	Kind      string // platform event kind, e.g. "message", "im", "issue_comment"
	ChannelID string // platform-specific channel identifier
	UserID    string // platform-specific user identifier
	UserName  string // human-readable username, may be empty
	Text      string
	Timestamp time.Time
	Raw       any
}

// Envelope is a channel-scoped internal message, either parsed from an
// inbound platform event or produced by an agent for outbound delivery.
// Source carries the adapter type that originated it, so the router can
// suppress echo back to the same platform.
type Envelope struct {
	ConversationID string
	Channels       []string
	Author         string
	FromAgent      bool
	Source         string
	Content        string
	Timestamp      time.Time
}

// EventSource is satisfied by adapters that pump platform events after
// Start. The dispatch daemon drains the stream for every started instance
// and feeds each event back through the instance's router.
type EventSource interface {
	Events() <-chan ExternalEvent
}

// Adapter is the contract every platform implementation satisfies. One
// Adapter serves one persisted instance; implementations are selected by
// the instance's type discriminant via the Registry.
type Adapter interface {
	// Type returns the type discriminant, e.g. "slack".
	Type() string

	// Start establishes the platform connection. Called by the router
	// after the uniqueness check passes.
	Start(ctx context.Context) error

	// Stop tears down the platform connection.
	Stop() error

	// ReceiveMessage maps an inbound platform event onto channels whose
	// direction permits inbound traffic and parses it into zero or more
	// envelopes. An event that maps to no eligible channel yields an
	// empty result and no error.
	ReceiveMessage(ctx context.Context, ev ExternalEvent) ([]Envelope, error)

	// SendMessage delivers one envelope through a resolved channel
	// binding. The router has already checked the binding's direction.
	SendMessage(ctx context.Context, env Envelope, cfg ChannelConfig) error

	// ParticipantJoined notifies the adapter that a user joined the
	// conversation, letting it provision per-user direct channels.
	ParticipantJoined(ctx context.Context, userID string) error

	// Validate checks the type-specific config synchronously. A failure
	// blocks persistence of the instance.
	Validate(cfg map[string]string) error

	// Channels returns the instance's channel bindings.
	Channels() *ChannelSet

	// UniqueKeys identifies the external resource this adapter occupies
	// (e.g. workspace + channel). Two active instances with equal type
	// and keys may not coexist. An empty map disables the check.
	UniqueKeys() map[string]string
}
