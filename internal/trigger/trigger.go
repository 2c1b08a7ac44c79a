// Package trigger decides when an agent must activate in response to a
// message. The decision is a pure function over the agent's trigger
// configuration and watermark; periodic activation bypasses it entirely and
// is driven by the scheduler's timers.
package trigger

import (
	"encoding/json"
	"fmt"
)

// Triggers is the JSON document stored on an agent instance.
type Triggers struct {
	Periodic   *PeriodicTrigger   `json:"periodic,omitempty"`
	PerMessage *PerMessageTrigger `json:"per_message,omitempty"`
}

// PeriodicTrigger activates the agent on a fixed wall-clock interval.
type PeriodicTrigger struct {
	TimerPeriodSec int `json:"timer_period_sec"`
}

// PerMessageTrigger activates the agent when qualifying messages arrive.
// Channels restricts activation to the named channels; DirectMessages adds
// direct channels the agent participates in; MinNewMessages gates on how
// many messages arrived since the agent's last activation.
type PerMessageTrigger struct {
	Channels       []string `json:"channels,omitempty"`
	DirectMessages bool     `json:"direct_messages,omitempty"`
	MinNewMessages int      `json:"min_new_messages,omitempty"`
}

// Parse decodes a Triggers JSON document. An empty document yields empty
// triggers, not an error.
func Parse(raw string) (*Triggers, error) {
	t := &Triggers{}
	if raw == "" {
		return t, nil
	}
	if err := json.Unmarshal([]byte(raw), t); err != nil {
		return nil, fmt.Errorf("trigger: parse: %w", err)
	}
	return t, nil
}

// ChannelRef describes one channel a message was posted to, with the
// membership data the direct-message rule needs.
type ChannelRef struct {
	Name         string
	Direct       bool
	Participants []string
}

// MessageEvent is the message-shaped input to ShouldActivate.
type MessageEvent struct {
	Author    string
	FromAgent bool
	Channels  []ChannelRef
}

// ShouldActivate reports whether an agent must react to a message. Rules,
// in order:
//
//  1. An agent never reacts to its own messages or to other agents.
//  2. Without a per-message trigger the agent ignores messages.
//  3. The message must reach the agent through at least one configured
//     channel, or — when DirectMessages is set — through a direct channel
//     the agent participates in.
//  4. When MinNewMessages is set, at least that many messages must have
//     arrived since the agent's last activation watermark.
func ShouldActivate(agentName string, trig *Triggers, lastActiveCount int, msg *MessageEvent, currentCount int) bool {
	if msg != nil {
		if msg.Author == agentName || msg.FromAgent {
			return false
		}
		if trig == nil || trig.PerMessage == nil {
			return false
		}
		if len(msg.Channels) > 0 && !reachesAgent(agentName, trig.PerMessage, msg.Channels) {
			return false
		}
	} else if trig == nil || trig.PerMessage == nil {
		return false
	}

	if min := trig.PerMessage.MinNewMessages; min > 0 {
		return currentCount-lastActiveCount >= min
	}
	return true
}

// reachesAgent checks rule 3: named-channel intersection, or direct-channel
// participation when the trigger opts into direct messages.
func reachesAgent(agentName string, pm *PerMessageTrigger, channels []ChannelRef) bool {
	configured := make(map[string]bool, len(pm.Channels))
	for _, name := range pm.Channels {
		configured[name] = true
	}
	for _, ch := range channels {
		if configured[ch.Name] {
			return true
		}
		if pm.DirectMessages && ch.Direct {
			for _, p := range ch.Participants {
				if p == agentName {
					return true
				}
			}
		}
	}
	return false
}
