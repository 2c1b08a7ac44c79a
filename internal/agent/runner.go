// Package agent produces agent replies by spawning a responder command per
// activation. The command receives a JSON request on stdin (agent identity,
// the triggering message if any, and a recent transcript) and prints a JSON
// reply on stdout.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/switchyard/switchyard/internal/adapter"
	"github.com/switchyard/switchyard/internal/models"
	"gorm.io/gorm"
)

const (
	// DefaultTimeout bounds one responder invocation.
	DefaultTimeout = 2 * time.Minute
	// DefaultTranscriptLimit is how many recent messages a request carries.
	DefaultTranscriptLimit = 20
	// waitDelay is how long a responder gets between SIGTERM and SIGKILL.
	waitDelay = 10 * time.Second
)

// Request is the JSON document written to the responder's stdin.
type Request struct {
	Agent          string            `json:"agent"`
	AgentType      string            `json:"agent_type"`
	ConversationID string            `json:"conversation_id"`
	Trigger        *TriggerMessage   `json:"trigger,omitempty"`
	Transcript     []TranscriptEntry `json:"transcript,omitempty"`
}

// TriggerMessage is the message that caused the activation, nil for
// periodic firings.
type TriggerMessage struct {
	Author   string   `json:"author"`
	Content  string   `json:"content"`
	Channels []string `json:"channels,omitempty"`
}

// TranscriptEntry is one recent conversation message, oldest first.
type TranscriptEntry struct {
	Author    string `json:"author"`
	FromAgent bool   `json:"from_agent"`
	Content   string `json:"content"`
}

// Reply is the JSON document read from the responder's stdout. An empty
// Content means the agent chose not to respond. Empty Channels fall back to
// the trigger's channels.
type Reply struct {
	Content  string   `json:"content"`
	Channels []string `json:"channels,omitempty"`
}

// Runner implements the dispatch Responder by shelling out to a configured
// command.
type Runner struct {
	db              *gorm.DB
	command         string
	args            []string
	timeout         time.Duration
	transcriptLimit int
}

// RunnerOpts holds parameters for creating a Runner.
type RunnerOpts struct {
	DB              *gorm.DB
	Command         string
	Args            []string
	Timeout         time.Duration
	TranscriptLimit int
}

// NewRunner creates a Runner.
func NewRunner(opts RunnerOpts) (*Runner, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("agent: db is required")
	}
	if opts.Command == "" {
		return nil, fmt.Errorf("agent: command is required")
	}
	r := &Runner{
		db:              opts.DB,
		command:         opts.Command,
		args:            opts.Args,
		timeout:         opts.Timeout,
		transcriptLimit: opts.TranscriptLimit,
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	if r.transcriptLimit <= 0 {
		r.transcriptLimit = DefaultTranscriptLimit
	}
	return r, nil
}

// Respond spawns one responder invocation for the agent and parses its
// reply. A nil envelope means the agent declined to respond.
func (r *Runner) Respond(ctx context.Context, ag *models.AgentInstance, trig *models.Message) (*adapter.Envelope, error) {
	req, err := r.buildRequest(ag, trig)
	if err != nil {
		return nil, err
	}
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("agent: encode request: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.command, r.args...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = waitDelay

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("agent: run %s for %s: %w (stderr: %s)",
			r.command, ag.Name, err, stderr.String())
	}

	var reply Reply
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &reply); err != nil {
		return nil, fmt.Errorf("agent: decode reply from %s: %w", r.command, err)
	}
	if reply.Content == "" {
		return nil, nil
	}

	channels := reply.Channels
	if len(channels) == 0 && req.Trigger != nil {
		channels = req.Trigger.Channels
	}
	return &adapter.Envelope{
		Channels: channels,
		Content:  reply.Content,
	}, nil
}

// buildRequest assembles the stdin document: identity, trigger, and the
// latest transcript slice in chronological order.
func (r *Runner) buildRequest(ag *models.AgentInstance, trig *models.Message) (*Request, error) {
	req := &Request{
		Agent:          ag.Name,
		AgentType:      ag.AgentType,
		ConversationID: ag.ConversationID,
	}

	if trig != nil {
		t := &TriggerMessage{Author: trig.Author, Content: trig.Content}
		if trig.Channels != "" {
			if err := json.Unmarshal([]byte(trig.Channels), &t.Channels); err != nil {
				return nil, fmt.Errorf("agent: decode trigger channels: %w", err)
			}
		}
		req.Trigger = t
	}

	var msgs []models.Message
	err := r.db.Where("conversation_id = ?", ag.ConversationID).
		Order("created_at DESC").
		Limit(r.transcriptLimit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("agent: load transcript of %s: %w", ag.ConversationID, err)
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		req.Transcript = append(req.Transcript, TranscriptEntry{
			Author:    msgs[i].Author,
			FromAgent: msgs[i].FromAgent,
			Content:   msgs[i].Content,
		})
	}
	return req, nil
}
