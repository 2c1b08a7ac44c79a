package trigger

import "testing"

func perMessage(channels []string, direct bool, minNew int) *Triggers {
	return &Triggers{PerMessage: &PerMessageTrigger{
		Channels:       channels,
		DirectMessages: direct,
		MinNewMessages: minNew,
	}}
}

func TestShouldActivate_SelfMessage(t *testing.T) {
	trig := perMessage([]string{"general"}, false, 0)
	msg := &MessageEvent{Author: "agent-x", Channels: []ChannelRef{{Name: "general"}}}

	if ShouldActivate("agent-x", trig, 0, msg, 1) {
		t.Error("agent activated on its own message")
	}
}

func TestShouldActivate_AgentMessage(t *testing.T) {
	trig := perMessage([]string{"general"}, false, 0)
	msg := &MessageEvent{Author: "agent-y", FromAgent: true, Channels: []ChannelRef{{Name: "general"}}}

	if ShouldActivate("agent-x", trig, 0, msg, 1) {
		t.Error("agent activated on another agent's message")
	}
}

func TestShouldActivate_NoPerMessageTrigger(t *testing.T) {
	trig := &Triggers{Periodic: &PeriodicTrigger{TimerPeriodSec: 60}}
	msg := &MessageEvent{Author: "u1", Channels: []ChannelRef{{Name: "general"}}}

	if ShouldActivate("agent-x", trig, 0, msg, 1) {
		t.Error("agent without per-message trigger activated on a message")
	}
	if ShouldActivate("agent-x", nil, 0, msg, 1) {
		t.Error("agent without triggers activated")
	}
}

func TestShouldActivate_ChannelIntersection(t *testing.T) {
	trig := perMessage([]string{"general", "support"}, false, 0)

	hit := &MessageEvent{Author: "u1", Channels: []ChannelRef{{Name: "support"}}}
	if !ShouldActivate("agent-x", trig, 0, hit, 1) {
		t.Error("expected activation on configured channel")
	}

	miss := &MessageEvent{Author: "u1", Channels: []ChannelRef{{Name: "random"}}}
	if ShouldActivate("agent-x", trig, 0, miss, 1) {
		t.Error("activated on unconfigured channel")
	}
}

func TestShouldActivate_DirectMessages(t *testing.T) {
	trig := perMessage(nil, true, 0)

	participant := &MessageEvent{Author: "u1", Channels: []ChannelRef{
		{Name: "direct-u1-agent-x", Direct: true, Participants: []string{"u1", "agent-x"}},
	}}
	if !ShouldActivate("agent-x", trig, 0, participant, 1) {
		t.Error("expected activation on own direct channel")
	}

	other := &MessageEvent{Author: "u1", Channels: []ChannelRef{
		{Name: "direct-u1-agent-y", Direct: true, Participants: []string{"u1", "agent-y"}},
	}}
	if ShouldActivate("agent-x", trig, 0, other, 1) {
		t.Error("activated on another agent's direct channel")
	}

	nonDirect := &MessageEvent{Author: "u1", Channels: []ChannelRef{{Name: "general"}}}
	if ShouldActivate("agent-x", trig, 0, nonDirect, 1) {
		t.Error("activated on non-direct channel with empty channel list")
	}
}

func TestShouldActivate_MinNewMessagesWatermark(t *testing.T) {
	trig := perMessage([]string{"general"}, false, 3)
	msg := &MessageEvent{Author: "u1", Channels: []ChannelRef{{Name: "general"}}}

	// Watermark 5, threshold 3: false at 6 and 7, true from 8 on.
	cases := []struct {
		count int
		want  bool
	}{
		{6, false},
		{7, false},
		{8, true},
		{9, true},
	}
	for _, tc := range cases {
		if got := ShouldActivate("agent-x", trig, 5, msg, tc.count); got != tc.want {
			t.Errorf("count %d: ShouldActivate = %v, want %v", tc.count, got, tc.want)
		}
	}
}

func TestShouldActivate_NoChannelsOnMessage(t *testing.T) {
	// A message without channel names skips the intersection rule.
	trig := perMessage([]string{"general"}, false, 0)
	msg := &MessageEvent{Author: "u1"}

	if !ShouldActivate("agent-x", trig, 0, msg, 1) {
		t.Error("expected activation when message carries no channel names")
	}
}

func TestParse(t *testing.T) {
	trig, err := Parse(`{"per_message": {"channels": ["general"], "min_new_messages": 2}, "periodic": {"timer_period_sec": 300}}`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if trig.PerMessage == nil || trig.PerMessage.MinNewMessages != 2 {
		t.Errorf("PerMessage = %+v, want min_new_messages 2", trig.PerMessage)
	}
	if trig.Periodic == nil || trig.Periodic.TimerPeriodSec != 300 {
		t.Errorf("Periodic = %+v, want timer_period_sec 300", trig.Periodic)
	}

	empty, err := Parse("")
	if err != nil {
		t.Fatalf("Parse empty: %v", err)
	}
	if empty.PerMessage != nil || empty.Periodic != nil {
		t.Error("empty document should yield empty triggers")
	}

	if _, err := Parse("{broken"); err == nil {
		t.Error("expected error for malformed triggers")
	}
}
