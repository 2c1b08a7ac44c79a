// Package slack implements the Slack platform adapter using Socket Mode.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/switchyard/switchyard/internal/adapter"
	"github.com/switchyard/switchyard/internal/models"
)

// Type is the adapter's type discriminant.
const Type = "slack"

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for reconnection.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for reconnection.
	maxBackoff = 2 * time.Minute
	// maxReconnectAttempts limits reconnection retries before giving up.
	maxReconnectAttempts = 10
	// eventBuffer sizes the outgoing platform event channel.
	eventBuffer = 100
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	GetUserInfo(userID string) (*slackapi.User, error)
}

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) Run() error                        { return r.client.Run() }
func (r *realSocketClient) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Adapter serves one persisted Slack instance over Socket Mode.
type Adapter struct {
	cfg      map[string]string
	channels *adapter.ChannelSet

	client slackClient
	socket socketClient

	mu        sync.Mutex
	botUserID string
	started   bool
	cancel    context.CancelFunc

	events chan adapter.ExternalEvent

	baseBackoff  time.Duration
	maxBackoff   time.Duration
	maxReconnect int
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	Instance *models.AdapterInstance
	// For testing: inject mock clients instead of real Slack API.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Adapter from a persisted instance.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Instance == nil {
		return nil, fmt.Errorf("slack: instance is required")
	}
	channels, err := adapter.ParseChannelSet(opts.Instance)
	if err != nil {
		return nil, err
	}
	cfg, err := adapter.ParseConfig(opts.Instance)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		cfg:          cfg,
		channels:     channels,
		client:       opts.Client,
		socket:       opts.Socket,
		events:       make(chan adapter.ExternalEvent, eventBuffer),
		baseBackoff:  baseBackoff,
		maxBackoff:   maxBackoff,
		maxReconnect: maxReconnectAttempts,
	}
	return a, nil
}

// Factory builds a Slack Adapter for the registry.
func Factory(inst *models.AdapterInstance) (adapter.Adapter, error) {
	return New(AdapterOpts{Instance: inst})
}

// Type returns the type discriminant.
func (a *Adapter) Type() string { return Type }

// Validate checks the Slack-specific config keys.
func (a *Adapter) Validate(cfg map[string]string) error {
	if cfg["bot_token"] == "" {
		return fmt.Errorf("slack: config key bot_token is required")
	}
	if cfg["app_token"] == "" {
		return fmt.Errorf("slack: config key app_token is required")
	}
	return nil
}

// Start establishes the Socket Mode connection and begins pumping events.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}

	// Create real clients if not injected (production path).
	if a.client == nil {
		if err := a.Validate(a.cfg); err != nil {
			return err
		}
		api := slackapi.New(a.cfg["bot_token"], slackapi.OptionAppLevelToken(a.cfg["app_token"]))
		a.client = api
		a.socket = &realSocketClient{client: socketmode.New(api)}
	}

	// Bot user ID is needed for self-message filtering.
	auth, err := a.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.started = true

	go a.runWithReconnect(runCtx)
	go a.pumpEvents(runCtx)
	return nil
}

// Stop tears down the platform connection.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}
	a.started = false
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}

// Events returns the stream of normalized platform events.
func (a *Adapter) Events() <-chan adapter.ExternalEvent { return a.events }

// ReceiveMessage maps a normalized Slack event onto channel bindings.
// Channel messages resolve against chat bindings by channel_id; direct
// messages resolve against the per-user direct channels synthesized under
// the dm bindings. An event with no eligible binding yields no envelopes.
func (a *Adapter) ReceiveMessage(ctx context.Context, ev adapter.ExternalEvent) ([]adapter.Envelope, error) {
	a.mu.Lock()
	self := a.botUserID
	a.mu.Unlock()
	if ev.UserID != "" && ev.UserID == self {
		return nil, nil
	}

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

// SendMessage posts an envelope to the binding's Slack channel, retrying
// rate-limited calls with backoff.
func (a *Adapter) SendMessage(ctx context.Context, env adapter.Envelope, cfg adapter.ChannelConfig) error {
	channelID := cfg.Config["channel_id"]
	if channelID == "" {
		return fmt.Errorf("slack: channel %q has no channel_id", cfg.Name)
	}

	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := a.client.PostMessage(channelID, slackapi.MsgOptionText(env.Content, false))
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: post message to %s: %w", channelID, err)
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

// UniqueKeys identifies the workspace and channels this instance occupies.
func (a *Adapter) UniqueKeys() map[string]string {
	keys := map[string]string{}
	if ws := a.cfg["workspace"]; ws != "" {
		keys["workspace"] = ws
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

// runWithReconnect runs the Socket Mode client and retries with exponential
// backoff when Run() returns an error.
func (a *Adapter) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < a.maxReconnect; attempt++ {
		err := a.socket.Run()
		if err == nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}

		log.Printf("slack: socket mode disconnected (attempt %d/%d): %v, reconnecting in %v",
			attempt+1, a.maxReconnect, err, wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	log.Printf("slack: socket mode exhausted %d reconnection attempts, giving up", a.maxReconnect)
}

// pumpEvents reads Socket Mode events and emits normalized ExternalEvents.
func (a *Adapter) pumpEvents(ctx context.Context) {
	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleSocketEvent(ctx, evt)
		}
	}
}

// handleSocketEvent processes a single Socket Mode event.
func (a *Adapter) handleSocketEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		a.handleEventsAPI(ctx, eventsAPIEvent)

	case socketmode.EventTypeConnecting:
		log.Printf("slack: connecting to Socket Mode...")

	case socketmode.EventTypeConnected:
		log.Printf("slack: connected to Socket Mode")

	case socketmode.EventTypeConnectionError:
		log.Printf("slack: connection error: %v", evt.Data)

	case socketmode.EventTypeDisconnect:
		log.Printf("slack: server requested disconnect, will reconnect")
	}
}

// handleEventsAPI converts Events API callbacks to ExternalEvents.
func (a *Adapter) handleEventsAPI(ctx context.Context, event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	// Skip bot messages and message subtypes (edits, deletes, etc.).
	if ev.BotID != "" || ev.SubType != "" {
		return
	}

	kind := "message"
	if ev.ChannelType == "im" {
		kind = "im"
	}

	a.emit(ctx, adapter.ExternalEvent{
		Kind:      kind,
		ChannelID: ev.Channel,
		UserID:    ev.User,
		UserName:  a.resolveUserName(ev.User),
		Text:      ev.Text,
		Timestamp: parseSlackTimestamp(ev.TimeStamp),
		Raw:       ev,
	})
}

func (a *Adapter) emit(ctx context.Context, ev adapter.ExternalEvent) {
	select {
	case a.events <- ev:
	case <-ctx.Done():
	}
}

// resolveUserName looks up a user's display name. Falls back to user ID.
func (a *Adapter) resolveUserName(userID string) string {
	if userID == "" {
		return ""
	}
	user, err := a.client.GetUserInfo(userID)
	if err != nil {
		return userID
	}
	if user.Profile.DisplayName != "" {
		return user.Profile.DisplayName
	}
	return user.RealName
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit
// errors. It respects context cancellation and the RetryAfter duration.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}

		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}

// parseSlackTimestamp converts a Slack timestamp (e.g. "1234567890.123456")
// to a time.Time.
func parseSlackTimestamp(ts string) time.Time {
	parts := strings.SplitN(ts, ".", 2)
	if len(parts) == 0 {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

var _ adapter.Adapter = (*Adapter)(nil)
var _ adapter.EventSource = (*Adapter)(nil)
