package gateway

import (
	"log"
	"sync"
)

// Sink is one client connection attached to a hub. *websocket.Conn
// satisfies it directly; tests substitute recorders.
type Sink interface {
	WriteJSON(v any) error
	Close() error
}

// frame is the wire shape written to each sink.
type frame struct {
	Room    string `json:"room"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Hub is one worker's room registry. Within one room, sinks receive events
// in emission call order; no ordering holds across rooms or across hubs.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[Sink]bool
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[Sink]bool)}
}

// Join attaches a sink to a room.
func (h *Hub) Join(room string, s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[Sink]bool)
	}
	h.rooms[room][s] = true
}

// Leave detaches a sink from a room.
func (h *Hub) Leave(room string, s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[room]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// RoomSize returns the number of sinks attached to a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[room])
}

// Emit writes an event to every sink in a room. A sink whose write fails is
// dropped from the room and closed. Holding the hub lock for the duration
// of the write keeps per-room delivery in emission order.
func (h *Hub) Emit(room, event string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.rooms[room]
	for s := range members {
		if err := s.WriteJSON(frame{Room: room, Event: event, Payload: payload}); err != nil {
			log.Printf("gateway: write to room %s: %v", room, err)
			delete(members, s)
			s.Close()
		}
	}
}

// EmitEvent computes the event's rooms and emits to each locally.
func (h *Hub) EmitEvent(ev Event) {
	for _, room := range RoomIDs(ev.ConversationID, ev.Channels) {
		h.Emit(room, ev.Event, ev.Payload)
	}
}
