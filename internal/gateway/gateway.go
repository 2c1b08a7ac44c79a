package gateway

import "fmt"

// Gateway is the emission entry point. Every publish goes through the
// Broker, so in a clustered deployment each worker's subscribed hub emits
// locally to its own connections; with the in-process broker and a single
// hub this degenerates to direct local emission.
type Gateway struct {
	broker Broker
}

// GatewayOpts holds parameters for creating a Gateway.
type GatewayOpts struct {
	Broker Broker
	Hubs   []*Hub // local hubs to subscribe; optional
}

// NewGateway creates a Gateway and subscribes the given hubs to the broker.
func NewGateway(opts GatewayOpts) (*Gateway, error) {
	if opts.Broker == nil {
		return nil, fmt.Errorf("gateway: broker is required")
	}
	for _, hub := range opts.Hubs {
		opts.Broker.Subscribe(hub.EmitEvent)
	}
	return &Gateway{broker: opts.Broker}, nil
}

// Publish relays an event to every worker hub. Rooms are computed per hub
// from the conversation id and channel names.
func (g *Gateway) Publish(conversationID, event string, payload any, channels []string) {
	g.broker.Publish(Event{
		ConversationID: conversationID,
		Event:          event,
		Payload:        payload,
		Channels:       channels,
	})
}
