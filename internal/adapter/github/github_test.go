package github

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	githubapi "github.com/google/go-github/v68/github"
	"github.com/switchyard/switchyard/internal/adapter"
	"github.com/switchyard/switchyard/internal/models"
)

// mockIssues records created comments and serves canned comment lists.
type mockIssues struct {
	created   []createdComment
	createErr error
	comments  map[int][]*githubapi.IssueComment
}

type createdComment struct {
	owner  string
	repo   string
	number int
	body   string
}

func newMockIssues() *mockIssues {
	return &mockIssues{comments: make(map[int][]*githubapi.IssueComment)}
}

func (m *mockIssues) CreateComment(ctx context.Context, owner, repo string, number int, comment *githubapi.IssueComment) (*githubapi.IssueComment, *githubapi.Response, error) {
	if m.createErr != nil {
		return nil, nil, m.createErr
	}
	m.created = append(m.created, createdComment{owner: owner, repo: repo, number: number, body: comment.GetBody()})
	return comment, nil, nil
}

func (m *mockIssues) ListComments(ctx context.Context, owner, repo string, number int, opts *githubapi.IssueListCommentsOptions) ([]*githubapi.IssueComment, *githubapi.Response, error) {
	return m.comments[number], nil, nil
}

type mockUsers struct {
	login string
}

func (m *mockUsers) Get(ctx context.Context, user string) (*githubapi.User, *githubapi.Response, error) {
	return &githubapi.User{Login: githubapi.Ptr(m.login)}, nil, nil
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(data)
}

func testInstance(t *testing.T) *models.AdapterInstance {
	t.Helper()
	chat := []adapter.ChannelConfig{
		{Direction: adapter.DirectionBoth, Name: "tracker", Config: map[string]string{"issue_number": "7"}},
		{Direction: adapter.DirectionOutgoing, Name: "changelog", Config: map[string]string{"issue_number": "9"}},
	}
	return &models.AdapterInstance{
		ID:             3,
		ConversationID: "conv1",
		Type:           Type,
		Config:         mustJSON(t, map[string]string{"token": "t", "owner": "acme", "repo": "widgets"}),
		ChatChannels:   mustJSON(t, chat),
	}
}

func newTestAdapter(t *testing.T) (*Adapter, *mockIssues) {
	t.Helper()
	issues := newMockIssues()
	a, err := New(AdapterOpts{
		Instance:     testInstance(t),
		Issues:       issues,
		Users:        &mockUsers{login: "switchyard-bot"},
		PollInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, issues
}

func TestValidate(t *testing.T) {
	a, _ := newTestAdapter(t)

	ok := map[string]string{"token": "t", "owner": "o", "repo": "r"}
	if err := a.Validate(ok); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
	for _, key := range []string{"token", "owner", "repo"} {
		cfg := map[string]string{}
		for k, v := range ok {
			cfg[k] = v
		}
		delete(cfg, key)
		if err := a.Validate(cfg); err == nil {
			t.Errorf("expected error for missing %s", key)
		}
	}
}

func TestReceiveIssueComment(t *testing.T) {
	a, _ := newTestAdapter(t)

	envs, err := a.ReceiveMessage(context.Background(), adapter.ExternalEvent{
		Kind:      "issue_comment",
		ChannelID: "7",
		UserID:    "alice",
		UserName:  "alice",
		Text:      "looks good",
	})
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	if len(envs) != 1 || envs[0].Channels[0] != "tracker" {
		t.Errorf("expected envelope on tracker, got %+v", envs)
	}
}

func TestReceiveOutgoingOnlyIssueDropped(t *testing.T) {
	a, _ := newTestAdapter(t)

	envs, err := a.ReceiveMessage(context.Background(), adapter.ExternalEvent{
		Kind:      "issue_comment",
		ChannelID: "9",
		UserID:    "alice",
		Text:      "hi",
	})
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	if len(envs) != 0 {
		t.Errorf("expected outgoing-only issue to be dropped, got %+v", envs)
	}
}

func TestReceiveIgnoresOtherKinds(t *testing.T) {
	a, _ := newTestAdapter(t)

	envs, err := a.ReceiveMessage(context.Background(), adapter.ExternalEvent{Kind: "im", UserID: "alice"})
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	if len(envs) != 0 {
		t.Errorf("expected im events to be ignored, got %+v", envs)
	}
}

func TestReceiveFiltersOwnComments(t *testing.T) {
	a, _ := newTestAdapter(t)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop()

	envs, err := a.ReceiveMessage(context.Background(), adapter.ExternalEvent{
		Kind:      "issue_comment",
		ChannelID: "7",
		UserID:    "switchyard-bot",
		Text:      "own comment",
	})
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	if len(envs) != 0 {
		t.Errorf("expected own comment to be dropped, got %+v", envs)
	}
}

func TestSendMessage(t *testing.T) {
	a, issues := newTestAdapter(t)

	cfg, _ := a.Channels().Resolve("tracker")
	err := a.SendMessage(context.Background(), adapter.Envelope{Author: "helper", Content: "done"}, cfg)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(issues.created) != 1 {
		t.Fatalf("expected 1 comment, got %d", len(issues.created))
	}
	c := issues.created[0]
	if c.owner != "acme" || c.repo != "widgets" || c.number != 7 {
		t.Errorf("unexpected comment target: %+v", c)
	}
	if c.body != "**helper**: done" {
		t.Errorf("unexpected comment body: %q", c.body)
	}
}

func TestSendMessageInvalidIssue(t *testing.T) {
	a, _ := newTestAdapter(t)

	err := a.SendMessage(context.Background(), adapter.Envelope{Content: "x"},
		adapter.ChannelConfig{Name: "broken"})
	if err == nil {
		t.Error("expected error for binding without issue_number")
	}
}

func TestSendMessageError(t *testing.T) {
	a, issues := newTestAdapter(t)
	issues.createErr = errors.New("boom")

	cfg, _ := a.Channels().Resolve("tracker")
	if err := a.SendMessage(context.Background(), adapter.Envelope{Content: "x"}, cfg); err == nil {
		t.Error("expected create error to propagate")
	}
}

func TestPollEmitsNewComments(t *testing.T) {
	a, issues := newTestAdapter(t)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop()

	issues.comments[7] = []*githubapi.IssueComment{{
		Body:      githubapi.Ptr("fresh comment"),
		User:      &githubapi.User{Login: githubapi.Ptr("alice")},
		CreatedAt: &githubapi.Timestamp{Time: time.Now().Add(time.Minute)},
	}}

	select {
	case ev := <-a.Events():
		if ev.Kind != "issue_comment" || ev.ChannelID != "7" || ev.Text != "fresh comment" {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for polled comment")
	}
}

func TestPollSkipsOldComments(t *testing.T) {
	a, issues := newTestAdapter(t)

	issues.comments[7] = []*githubapi.IssueComment{{
		Body:      githubapi.Ptr("stale comment"),
		User:      &githubapi.User{Login: githubapi.Ptr("alice")},
		CreatedAt: &githubapi.Timestamp{Time: time.Now().Add(-time.Hour)},
	}}

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop()

	select {
	case ev := <-a.Events():
		t.Errorf("expected stale comment to be skipped, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUniqueKeys(t *testing.T) {
	a, _ := newTestAdapter(t)

	if got := a.UniqueKeys()["repo"]; got != "acme/widgets" {
		t.Errorf("expected repo acme/widgets, got %q", got)
	}
}
