// Package github implements the GitHub platform adapter. Channels bind to
// issues; inbound traffic is issue comments discovered by polling, outbound
// messages are posted as comments.
package github

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	githubapi "github.com/google/go-github/v68/github"
	"github.com/switchyard/switchyard/internal/adapter"
	"github.com/switchyard/switchyard/internal/models"
	"golang.org/x/oauth2"
)

// Type is the adapter's type discriminant.
const Type = "github"

const (
	// defaultPollInterval is how often issue comments are polled.
	defaultPollInterval = 30 * time.Second
	// eventBuffer sizes the outgoing platform event channel.
	eventBuffer = 100
)

// issuesService abstracts the GitHub Issues API methods we use.
type issuesService interface {
	CreateComment(ctx context.Context, owner, repo string, number int, comment *githubapi.IssueComment) (*githubapi.IssueComment, *githubapi.Response, error)
	ListComments(ctx context.Context, owner, repo string, number int, opts *githubapi.IssueListCommentsOptions) ([]*githubapi.IssueComment, *githubapi.Response, error)
}

// usersService abstracts the GitHub Users API methods we use.
type usersService interface {
	Get(ctx context.Context, user string) (*githubapi.User, *githubapi.Response, error)
}

// Adapter serves one persisted GitHub instance.
type Adapter struct {
	cfg      map[string]string
	channels *adapter.ChannelSet

	issues issuesService
	users  usersService

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	botLogin string
	since    time.Time

	pollInterval time.Duration
	events       chan adapter.ExternalEvent
}

// AdapterOpts holds parameters for creating a GitHub Adapter.
type AdapterOpts struct {
	Instance *models.AdapterInstance
	// For testing: inject mock services instead of the real API.
	Issues       issuesService
	Users        usersService
	PollInterval time.Duration
}

// New creates a GitHub Adapter from a persisted instance.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Instance == nil {
		return nil, fmt.Errorf("github: instance is required")
	}
	channels, err := adapter.ParseChannelSet(opts.Instance)
	if err != nil {
		return nil, err
	}
	cfg, err := adapter.ParseConfig(opts.Instance)
	if err != nil {
		return nil, err
	}

	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
		if raw := cfg["poll_interval_sec"]; raw != "" {
			sec, err := strconv.Atoi(raw)
			if err != nil || sec <= 0 {
				return nil, fmt.Errorf("github: invalid poll_interval_sec %q", raw)
			}
			interval = time.Duration(sec) * time.Second
		}
	}

	return &Adapter{
		cfg:          cfg,
		channels:     channels,
		issues:       opts.Issues,
		users:        opts.Users,
		pollInterval: interval,
		events:       make(chan adapter.ExternalEvent, eventBuffer),
	}, nil
}

// Factory builds a GitHub Adapter for the registry.
func Factory(inst *models.AdapterInstance) (adapter.Adapter, error) {
	return New(AdapterOpts{Instance: inst})
}

// Type returns the type discriminant.
func (a *Adapter) Type() string { return Type }

// Validate checks the GitHub-specific config keys.
func (a *Adapter) Validate(cfg map[string]string) error {
	for _, key := range []string{"token", "owner", "repo"} {
		if cfg[key] == "" {
			return fmt.Errorf("github: config key %s is required", key)
		}
	}
	return nil
}

// Start resolves the authenticated login and begins polling issue comments.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}

	if a.issues == nil {
		if err := a.Validate(a.cfg); err != nil {
			return err
		}
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: a.cfg["token"]})
		client := githubapi.NewClient(oauth2.NewClient(ctx, ts))
		a.issues = client.Issues
		a.users = client.Users
	}

	user, _, err := a.users.Get(ctx, "")
	if err != nil {
		return fmt.Errorf("github: resolve authenticated user: %w", err)
	}
	a.botLogin = user.GetLogin()
	a.since = time.Now()

	pollCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.started = true

	go a.poll(pollCtx)
	return nil
}

// Stop halts comment polling.
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

// ReceiveMessage maps an issue comment event onto the chat binding whose
// issue_number matches. GitHub has no direct-message surface, so "im"
// events never map.
func (a *Adapter) ReceiveMessage(ctx context.Context, ev adapter.ExternalEvent) ([]adapter.Envelope, error) {
	if ev.Kind != "issue_comment" {
		return nil, nil
	}
	a.mu.Lock()
	self := a.botLogin
	a.mu.Unlock()
	if self != "" && ev.UserID == self {
		return nil, nil
	}

	var names []string
	for _, chat := range a.channels.Chat {
		if chat.Config["issue_number"] == ev.ChannelID {
			names = append(names, chat.Name)
		}
	}
	names = a.channels.FilterIncoming(names)
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

// SendMessage posts an envelope as a comment on the binding's issue.
func (a *Adapter) SendMessage(ctx context.Context, env adapter.Envelope, cfg adapter.ChannelConfig) error {
	number, err := strconv.Atoi(cfg.Config["issue_number"])
	if err != nil {
		return fmt.Errorf("github: channel %q has no valid issue_number", cfg.Name)
	}

	body := env.Content
	if env.Author != "" {
		body = fmt.Sprintf("**%s**: %s", env.Author, env.Content)
	}
	_, _, err = a.issues.CreateComment(ctx, a.cfg["owner"], a.cfg["repo"], number,
		&githubapi.IssueComment{Body: githubapi.Ptr(body)})
	if err != nil {
		return fmt.Errorf("github: comment on issue %d: %w", number, err)
	}
	return nil
}

// ParticipantJoined is a no-op; GitHub has no direct-message surface.
func (a *Adapter) ParticipantJoined(ctx context.Context, userID string) error {
	return nil
}

// Channels returns the instance's channel bindings.
func (a *Adapter) Channels() *adapter.ChannelSet { return a.channels }

// UniqueKeys identifies the repository this instance occupies.
func (a *Adapter) UniqueKeys() map[string]string {
	keys := map[string]string{}
	if a.cfg["owner"] != "" && a.cfg["repo"] != "" {
		keys["repo"] = a.cfg["owner"] + "/" + a.cfg["repo"]
	}
	return keys
}

// poll lists new comments on every bound issue each interval and emits them
// as issue_comment events.
func (a *Adapter) poll(ctx context.Context) {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pollOnce(ctx)
		}
	}
}

func (a *Adapter) pollOnce(ctx context.Context) {
	a.mu.Lock()
	since := a.since
	a.mu.Unlock()
	latest := since

	for _, chat := range a.channels.Chat {
		number, err := strconv.Atoi(chat.Config["issue_number"])
		if err != nil {
			continue
		}
		comments, _, err := a.issues.ListComments(ctx, a.cfg["owner"], a.cfg["repo"], number,
			&githubapi.IssueListCommentsOptions{Since: &since})
		if err != nil {
			log.Printf("github: list comments on issue %d: %v", number, err)
			continue
		}
		for _, c := range comments {
			created := c.GetCreatedAt().Time
			if !created.After(since) {
				continue
			}
			if created.After(latest) {
				latest = created
			}
			a.emit(ctx, adapter.ExternalEvent{
				Kind:      "issue_comment",
				ChannelID: strconv.Itoa(number),
				UserID:    c.GetUser().GetLogin(),
				UserName:  c.GetUser().GetLogin(),
				Text:      c.GetBody(),
				Timestamp: created,
				Raw:       c,
			})
		}
	}

	a.mu.Lock()
	if latest.After(a.since) {
		a.since = latest
	}
	a.mu.Unlock()
}

func (a *Adapter) emit(ctx context.Context, ev adapter.ExternalEvent) {
	select {
	case a.events <- ev:
	case <-ctx.Done():
	}
}

var _ adapter.Adapter = (*Adapter)(nil)
var _ adapter.EventSource = (*Adapter)(nil)
