package adapter

import (
	"context"
	"fmt"
	"sync"
)

// SentMessage records one delivery made through the MockAdapter.
type SentMessage struct {
	Env Envelope
	Cfg ChannelConfig
}

// MockAdapter implements Adapter for testing. Its default ReceiveMessage
// maps "message" events onto chat bindings and "im" events onto per-user
// direct channels, mirroring the real platform adapters; tests can override
// the behavior with ReceiveFn.
type MockAdapter struct {
	mu         sync.Mutex
	typ        string
	channels   *ChannelSet
	uniqueKeys map[string]string
	required   []string // config keys Validate demands

	started bool
	stopped bool
	sent    []SentMessage
	joined  []string

	StartErr  error
	SendErr   error
	ReceiveFn func(ctx context.Context, ev ExternalEvent) ([]Envelope, error)
}

// NewMockAdapter creates a MockAdapter with the given type discriminant and
// channel bindings.
func NewMockAdapter(typ string, channels *ChannelSet) *MockAdapter {
	if channels == nil {
		channels = &ChannelSet{}
	}
	return &MockAdapter{typ: typ, channels: channels, uniqueKeys: map[string]string{}}
}

// SetUniqueKeys sets the keys returned by UniqueKeys.
func (m *MockAdapter) SetUniqueKeys(keys map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uniqueKeys = keys
}

// SetRequiredConfig makes Validate demand the given config keys.
func (m *MockAdapter) SetRequiredConfig(keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.required = keys
}

// Sent returns a copy of all recorded deliveries.
func (m *MockAdapter) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// Joined returns the user IDs passed to ParticipantJoined.
func (m *MockAdapter) Joined() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.joined))
	copy(out, m.joined)
	return out
}

// Started reports whether Start has been called.
func (m *MockAdapter) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

func (m *MockAdapter) Type() string { return m.typ }

func (m *MockAdapter) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StartErr != nil {
		return m.StartErr
	}
	m.started = true
	return nil
}

func (m *MockAdapter) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.started = false
	return nil
}

func (m *MockAdapter) ReceiveMessage(ctx context.Context, ev ExternalEvent) ([]Envelope, error) {
	if m.ReceiveFn != nil {
		return m.ReceiveFn(ctx, ev)
	}

	var names []string
	switch ev.Kind {
	case "im":
		for _, dm := range m.channels.DM {
			name := DirectChannelName(ev.UserID, dm.AgentRef)
			if cfg, ok := dm.DirectChannels[name]; ok && cfg.AllowsIncoming() {
				names = append(names, name)
			}
		}
	default:
		for _, chat := range m.channels.Chat {
			if chat.Config["channel_id"] == ev.ChannelID || chat.Name == ev.ChannelID {
				names = append(names, chat.Name)
			}
		}
		names = m.channels.FilterIncoming(names)
	}
	if len(names) == 0 {
		return nil, nil
	}

	return []Envelope{{
		Channels:  names,
		Author:    ev.UserName,
		Content:   ev.Text,
		Timestamp: ev.Timestamp,
	}}, nil
}

func (m *MockAdapter) SendMessage(ctx context.Context, env Envelope, cfg ChannelConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.sent = append(m.sent, SentMessage{Env: env, Cfg: cfg})
	return nil
}

func (m *MockAdapter) ParticipantJoined(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joined = append(m.joined, userID)
	return nil
}

func (m *MockAdapter) Validate(cfg map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range m.required {
		if cfg[key] == "" {
			return fmt.Errorf("mock adapter: config key %q is required", key)
		}
	}
	return nil
}

func (m *MockAdapter) Channels() *ChannelSet { return m.channels }

func (m *MockAdapter) UniqueKeys() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uniqueKeys
}

var _ Adapter = (*MockAdapter)(nil)
