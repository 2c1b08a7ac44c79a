// Package channel implements the channel registry: named communication
// scopes with passcode and direct-pair access rules.
package channel

import (
	"errors"
	"fmt"

	"github.com/switchyard/switchyard/internal/models"
	"gorm.io/gorm"
)

// Sentinel errors. Callers classify failures with errors.Is; the API layer
// maps ErrValidation and ErrUnauthorized to synchronous user-visible
// failures.
var (
	ErrValidation   = errors.New("channel: validation failed")
	ErrUnauthorized = errors.New("channel: unauthorized")
	ErrNotFound     = errors.New("channel: not found")
)

// Spec describes a channel to create. Direct channels must name exactly two
// participants; Passcode is ignored for direct channels.
type Spec struct {
	ConversationID string
	Name           string
	Passcode       string
	Direct         bool
	Participants   []string
}

// Registry manages channel creation, membership, and access checks for all
// conversations sharing one document store.
type Registry struct {
	db *gorm.DB
}

// NewRegistry creates a Registry backed by the given database.
func NewRegistry(gdb *gorm.DB) (*Registry, error) {
	if gdb == nil {
		return nil, fmt.Errorf("channel: registry: db is required")
	}
	return &Registry{db: gdb}, nil
}

// Create validates and persists a new channel. Direct channels require
// exactly two participants. Channel names are unique per conversation.
func (r *Registry) Create(spec Spec) (*models.Channel, error) {
	if spec.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversation id is required", ErrValidation)
	}
	if spec.Name == "" {
		return nil, fmt.Errorf("%w: channel name is required", ErrValidation)
	}
	if spec.Direct && len(spec.Participants) != 2 {
		return nil, fmt.Errorf("%w: direct channel requires exactly 2 participants, got %d",
			ErrValidation, len(spec.Participants))
	}

	ch := &models.Channel{
		ConversationID: spec.ConversationID,
		Name:           spec.Name,
		Passcode:       spec.Passcode,
		Direct:         spec.Direct,
	}
	for _, userID := range spec.Participants {
		ch.Members = append(ch.Members, models.ChannelMember{UserID: userID})
	}
	if spec.Direct {
		ch.Passcode = ""
	}

	if err := r.db.Create(ch).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("%w: channel %q already exists in conversation %s",
				ErrValidation, spec.Name, spec.ConversationID)
		}
		return nil, fmt.Errorf("channel: create %q: %w", spec.Name, err)
	}
	return ch, nil
}

// Get loads a channel by conversation and name, including members.
func (r *Registry) Get(conversationID, name string) (*models.Channel, error) {
	var ch models.Channel
	err := r.db.Preload("Members").
		Where("conversation_id = ? AND name = ?", conversationID, name).
		First(&ch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s in conversation %s", ErrNotFound, name, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("channel: get %q: %w", name, err)
	}
	return &ch, nil
}

// ListByConversation returns all channels of a conversation, with members.
func (r *Registry) ListByConversation(conversationID string) ([]models.Channel, error) {
	var chs []models.Channel
	if err := r.db.Preload("Members").
		Where("conversation_id = ?", conversationID).
		Order("name ASC").
		Find(&chs).Error; err != nil {
		return nil, fmt.Errorf("channel: list conversation %s: %w", conversationID, err)
	}
	return chs, nil
}

// Join adds a user to a channel after checking access rules. Direct channels
// reject joins outright; membership is fixed at creation. A wrong passcode
// is rejected with ErrUnauthorized. Joining a channel twice is a no-op.
func (r *Registry) Join(conversationID, name, userID, passcode string) error {
	ch, err := r.Get(conversationID, name)
	if err != nil {
		return err
	}
	if ch.Direct {
		return fmt.Errorf("%w: direct channel %q does not accept joins", ErrUnauthorized, name)
	}
	if ch.Passcode != "" && ch.Passcode != passcode {
		return fmt.Errorf("%w: wrong passcode for channel %q", ErrUnauthorized, name)
	}
	for _, m := range ch.Members {
		if m.UserID == userID {
			return nil
		}
	}
	member := models.ChannelMember{ChannelID: ch.ID, UserID: userID}
	if err := r.db.Create(&member).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil
		}
		return fmt.Errorf("channel: join %q: %w", name, err)
	}
	return nil
}

// Authorize checks that a user may read a channel. Only direct channels
// restrict reads: a non-participant accessing a direct channel is rejected
// with ErrUnauthorized.
func (r *Registry) Authorize(ch *models.Channel, userID string) error {
	if !ch.Direct {
		return nil
	}
	for _, m := range ch.Members {
		if m.UserID == userID {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is not a participant of direct channel %q", ErrUnauthorized, userID, ch.Name)
}

// IsParticipant reports whether userID is a member of the channel.
func IsParticipant(ch *models.Channel, userID string) bool {
	for _, m := range ch.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}
