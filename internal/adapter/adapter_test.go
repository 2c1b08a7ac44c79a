package adapter

import (
	"testing"

	"github.com/switchyard/switchyard/internal/models"
)

func testChannelSet() *ChannelSet {
	return &ChannelSet{
		Audio: []ChannelConfig{
			{Name: "voice", Direction: DirectionIncoming},
		},
		Chat: []ChannelConfig{
			{Name: "general", Direction: DirectionBoth, Config: map[string]string{"channel_id": "C01"}},
			{Name: "announce", Direction: DirectionOutgoing},
		},
		DM: []ChannelConfig{
			{
				Direction: DirectionBoth,
				AgentRef:  "agent-x",
				DirectChannels: map[string]ChannelConfig{
					DirectChannelName("u1", "agent-x"): {Direction: DirectionBoth, Direct: true},
				},
			},
		},
	}
}

func TestChannelSet_ResolveTopLevel(t *testing.T) {
	set := testChannelSet()

	cfg, ok := set.Resolve("general")
	if !ok {
		t.Fatal("expected to resolve general")
	}
	if cfg.Direction != DirectionBoth {
		t.Errorf("Direction = %s, want BOTH", cfg.Direction)
	}

	if _, ok := set.Resolve("voice"); !ok {
		t.Error("expected to resolve audio channel voice")
	}
	if _, ok := set.Resolve("ghost"); ok {
		t.Error("resolved nonexistent channel")
	}
}

func TestChannelSet_ResolveNestedDirect(t *testing.T) {
	set := testChannelSet()

	name := DirectChannelName("u1", "agent-x")
	cfg, ok := set.Resolve(name)
	if !ok {
		t.Fatalf("expected to resolve %s", name)
	}
	if !cfg.Direct {
		t.Error("Direct = false, want true")
	}
	if cfg.Name != name {
		t.Errorf("Name = %q, want %q", cfg.Name, name)
	}

	// A direct channel for an unknown user does not resolve.
	if _, ok := set.Resolve(DirectChannelName("u9", "agent-x")); ok {
		t.Error("resolved direct channel for unknown user")
	}
}

func TestChannelSet_FilterIncoming(t *testing.T) {
	set := testChannelSet()

	got := set.FilterIncoming([]string{"general", "announce", "voice", "ghost"})
	want := []string{"general", "voice"}
	if len(got) != len(want) {
		t.Fatalf("FilterIncoming = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("FilterIncoming[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDirection_Allows(t *testing.T) {
	cases := []struct {
		dir      Direction
		incoming bool
		outgoing bool
	}{
		{DirectionIncoming, true, false},
		{DirectionOutgoing, false, true},
		{DirectionBoth, true, true},
	}
	for _, tc := range cases {
		cfg := ChannelConfig{Direction: tc.dir}
		if cfg.AllowsIncoming() != tc.incoming {
			t.Errorf("%s AllowsIncoming = %v, want %v", tc.dir, cfg.AllowsIncoming(), tc.incoming)
		}
		if cfg.AllowsOutgoing() != tc.outgoing {
			t.Errorf("%s AllowsOutgoing = %v, want %v", tc.dir, cfg.AllowsOutgoing(), tc.outgoing)
		}
	}
}

func TestParseChannelSet_RoundTrip(t *testing.T) {
	inst := &models.AdapterInstance{}
	if err := EncodeChannelSet(testChannelSet(), inst); err != nil {
		t.Fatalf("EncodeChannelSet: %v", err)
	}
	set, err := ParseChannelSet(inst)
	if err != nil {
		t.Fatalf("ParseChannelSet: %v", err)
	}
	if len(set.Chat) != 2 || len(set.DM) != 1 || len(set.Audio) != 1 {
		t.Fatalf("unexpected shape: audio=%d chat=%d dm=%d", len(set.Audio), len(set.Chat), len(set.DM))
	}
	if _, ok := set.Resolve(DirectChannelName("u1", "agent-x")); !ok {
		t.Error("nested direct channel lost in round trip")
	}
}

func TestParseChannelSet_EmptyColumns(t *testing.T) {
	set, err := ParseChannelSet(&models.AdapterInstance{})
	if err != nil {
		t.Fatalf("ParseChannelSet: %v", err)
	}
	if len(set.Audio)+len(set.Chat)+len(set.DM) != 0 {
		t.Error("expected empty channel set")
	}
}

func TestParseChannelSet_Malformed(t *testing.T) {
	_, err := ParseChannelSet(&models.AdapterInstance{ChatChannels: "{not json"})
	if err == nil {
		t.Fatal("expected error for malformed channel column")
	}
}

func TestEncodeUniqueKeys_Canonical(t *testing.T) {
	a := EncodeUniqueKeys(map[string]string{"workspace": "W1", "channel": "C01"})
	b := EncodeUniqueKeys(map[string]string{"channel": "C01", "workspace": "W1"})
	if a != b {
		t.Errorf("encoding not canonical: %q vs %q", a, b)
	}
	if a != "channel=C01;workspace=W1" {
		t.Errorf("encoded = %q, want %q", a, "channel=C01;workspace=W1")
	}
	if EncodeUniqueKeys(nil) != "" {
		t.Error("nil keys should encode to empty string")
	}
}
