package gateway

import (
	"errors"
	"testing"
)

// recordSink captures frames written to it.
type recordSink struct {
	frames []frame
	failed bool
	closed bool
}

func (r *recordSink) WriteJSON(v any) error {
	if r.failed {
		return errors.New("write failed")
	}
	r.frames = append(r.frames, v.(frame))
	return nil
}

func (r *recordSink) Close() error {
	r.closed = true
	return nil
}

func TestRoomIDsConversationOnly(t *testing.T) {
	rooms := RoomIDs("conv1", nil)
	if len(rooms) != 1 || rooms[0] != "conv1" {
		t.Errorf("expected [conv1], got %v", rooms)
	}
}

func TestRoomIDsWithChannels(t *testing.T) {
	rooms := RoomIDs("conv1", []string{"general", "dev"})
	want := []string{"conv1", "conv1_general", "conv1_dev"}
	if len(rooms) != len(want) {
		t.Fatalf("expected %d rooms, got %d", len(want), len(rooms))
	}
	for i, r := range rooms {
		if r != want[i] {
			t.Errorf("room %d: expected %s, got %s", i, want[i], r)
		}
	}
}

func TestHubJoinLeave(t *testing.T) {
	hub := NewHub()
	sink := &recordSink{}

	hub.Join("room1", sink)
	if hub.RoomSize("room1") != 1 {
		t.Errorf("expected room size 1, got %d", hub.RoomSize("room1"))
	}

	hub.Leave("room1", sink)
	if hub.RoomSize("room1") != 0 {
		t.Errorf("expected room size 0 after leave, got %d", hub.RoomSize("room1"))
	}
}

func TestHubEmitOrder(t *testing.T) {
	hub := NewHub()
	sink := &recordSink{}
	hub.Join("room1", sink)

	hub.Emit("room1", "first", 1)
	hub.Emit("room1", "second", 2)
	hub.Emit("room1", "third", 3)

	if len(sink.frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(sink.frames))
	}
	for i, want := range []string{"first", "second", "third"} {
		if sink.frames[i].Event != want {
			t.Errorf("frame %d: expected event %s, got %s", i, want, sink.frames[i].Event)
		}
	}
}

func TestHubEmitDropsFailedSink(t *testing.T) {
	hub := NewHub()
	good := &recordSink{}
	bad := &recordSink{failed: true}
	hub.Join("room1", good)
	hub.Join("room1", bad)

	hub.Emit("room1", "ev", nil)

	if !bad.closed {
		t.Error("expected failed sink to be closed")
	}
	if hub.RoomSize("room1") != 1 {
		t.Errorf("expected failed sink dropped, room size %d", hub.RoomSize("room1"))
	}
	if len(good.frames) != 1 {
		t.Errorf("expected healthy sink to receive the event, got %d frames", len(good.frames))
	}
}

func TestHubEmitUnknownRoomIsNoop(t *testing.T) {
	hub := NewHub()
	hub.Emit("nobody-here", "ev", nil)
}

func TestPublishReachesChannelRooms(t *testing.T) {
	hub := NewHub()
	inA := &recordSink{}
	inB := &recordSink{}
	inD := &recordSink{}
	convSink := &recordSink{}
	hub.Join("conv1_alpha", inA)
	hub.Join("conv1_beta", inB)
	hub.Join("conv1_delta", inD)
	hub.Join("conv1", convSink)

	gw, err := NewGateway(GatewayOpts{
		Broker: NewInProcessBroker(),
		Hubs:   []*Hub{hub},
	})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	gw.Publish("conv1", "message.created", map[string]string{"id": "m1"}, []string{"alpha", "beta"})

	if len(inA.frames) != 1 {
		t.Errorf("expected channel alpha room to receive the event, got %d frames", len(inA.frames))
	}
	if len(inB.frames) != 1 {
		t.Errorf("expected channel beta room to receive the event, got %d frames", len(inB.frames))
	}
	if len(inD.frames) != 0 {
		t.Errorf("expected channel delta room to receive nothing, got %d frames", len(inD.frames))
	}
	if len(convSink.frames) != 1 {
		t.Errorf("expected conversation room to receive the event, got %d frames", len(convSink.frames))
	}
}

func TestPublishFansOutToAllHubs(t *testing.T) {
	hub1 := NewHub()
	hub2 := NewHub()
	s1 := &recordSink{}
	s2 := &recordSink{}
	hub1.Join("conv1", s1)
	hub2.Join("conv1", s2)

	gw, err := NewGateway(GatewayOpts{
		Broker: NewInProcessBroker(),
		Hubs:   []*Hub{hub1, hub2},
	})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	gw.Publish("conv1", "message.created", nil, nil)

	if len(s1.frames) != 1 || len(s2.frames) != 1 {
		t.Errorf("expected both hubs to emit, got %d and %d frames", len(s1.frames), len(s2.frames))
	}
}

func TestNewGatewayRequiresBroker(t *testing.T) {
	if _, err := NewGateway(GatewayOpts{}); err == nil {
		t.Error("expected error for missing broker")
	}
}

func TestBrokerClosedDropsPublishes(t *testing.T) {
	b := NewInProcessBroker()
	var got int
	b.Subscribe(func(Event) { got++ })

	b.Publish(Event{Event: "before"})
	b.Close()
	b.Publish(Event{Event: "after"})

	if got != 1 {
		t.Errorf("expected 1 delivered event, got %d", got)
	}
}
