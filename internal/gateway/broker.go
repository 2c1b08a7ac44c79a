package gateway

import "sync"

// Event is one realtime emission relayed to every worker's hub.
type Event struct {
	ConversationID string   `json:"conversation_id"`
	Event          string   `json:"event"`
	Payload        any      `json:"payload"`
	Channels       []string `json:"channels,omitempty"`
}

// Handler consumes relayed events.
type Handler func(Event)

// Broker relays events between the coordinating process and worker hubs.
// InProcessBroker serves single-process deployments; clustered deployments
// substitute a transport-backed implementation behind the same interface.
type Broker interface {
	Publish(ev Event)
	Subscribe(h Handler)
}

// InProcessBroker dispatches events synchronously to all subscribed
// handlers in subscription order.
type InProcessBroker struct {
	mu       sync.RWMutex
	handlers []Handler
	closed   bool
}

// NewInProcessBroker creates an empty InProcessBroker.
func NewInProcessBroker() *InProcessBroker {
	return &InProcessBroker{}
}

// Publish dispatches an event to every subscribed handler.
func (b *InProcessBroker) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, h := range b.handlers {
		h(ev)
	}
}

// Subscribe registers a handler for all published events.
func (b *InProcessBroker) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Close marks the broker closed; further publishes are dropped.
func (b *InProcessBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

var _ Broker = (*InProcessBroker)(nil)
