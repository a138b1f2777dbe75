// Package chatedit applies user edits to chats: tags, funnel stage and owner.
package chatedit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/matheus3301/wpphub/internal/bus"
	"github.com/matheus3301/wpphub/internal/instance"
	"github.com/matheus3301/wpphub/internal/naming"
	"github.com/matheus3301/wpphub/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrNotOwner is returned when a non-admin edits a chat owned by someone else.
	ErrNotOwner = errors.New("chat is assigned to another user")
	// ErrPersistenceDisabled is returned by operations that need the store.
	ErrPersistenceDisabled = errors.New("persistence disabled")
)

// ValidationError rejects a request before anything is written.
type ValidationError struct {
	Field   string
	Value   string
	Allowed []string
}

func (e *ValidationError) Error() string {
	if len(e.Allowed) == 0 {
		return fmt.Sprintf("invalid %s %q", e.Field, e.Value)
	}
	return fmt.Sprintf("invalid %s %q: use one of %s", e.Field, e.Value, strings.Join(e.Allowed, ", "))
}

// Actor is the user performing an edit. An empty UserID is an anonymous
// caller: edits are allowed but never assign ownership.
type Actor struct {
	UserID string
	Admin  bool
}

// Instances resolves instance ids to runtimes.
type Instances interface {
	Lookup(id string) (*instance.Runtime, error)
}

// Service mutates chat metadata and notifies clients.
type Service struct {
	instances Instances
	db        *store.DB
	logger    *zap.Logger
}

// NewService creates a mutation service. db may be nil.
func NewService(instances Instances, db *store.DB, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{instances: instances, db: db, logger: logger}
}

// UpdateTags replaces a chat's tags. An unowned chat becomes the actor's.
func (s *Service) UpdateTags(ctx context.Context, instanceID, chatID string, tags []string, actor Actor) (*store.ChatSummary, error) {
	tags = store.NormalizeTags(tags)
	if !s.db.Enabled() {
		return echo(instanceID, chatID, tags, store.StageInbound), nil
	}
	if err := s.authorize(chatID, actor); err != nil {
		return nil, err
	}
	if err := s.db.UpdateChatTags(chatID, tags, actor.UserID); err != nil {
		return nil, fmt.Errorf("update tags of %s: %w", chatID, err)
	}
	return s.finish(ctx, instanceID, chatID)
}

// UpdateStage moves a chat to another funnel stage. Unknown stages are
// rejected with a ValidationError before any write.
func (s *Service) UpdateStage(ctx context.Context, instanceID, chatID, value string, actor Actor) (*store.ChatSummary, error) {
	stage, ok := store.ParseStage(value)
	if !ok {
		allowed := make([]string, len(store.Stages))
		for i, st := range store.Stages {
			allowed[i] = string(st)
		}
		return nil, &ValidationError{Field: "stage", Value: value, Allowed: allowed}
	}
	if !s.db.Enabled() {
		return echo(instanceID, chatID, []string{}, stage), nil
	}
	if err := s.authorize(chatID, actor); err != nil {
		return nil, err
	}
	if err := s.db.UpdateChatStage(chatID, stage, actor.UserID); err != nil {
		return nil, fmt.Errorf("update stage of %s: %w", chatID, err)
	}
	return s.finish(ctx, instanceID, chatID)
}

// AssignOwner sets or, with an empty userID, clears a chat's owner. Admins may
// reassign any chat; other users may only take an unowned chat for themselves.
func (s *Service) AssignOwner(ctx context.Context, instanceID, chatID, userID string, actor Actor) (*store.ChatSummary, error) {
	if !s.db.Enabled() {
		return nil, ErrPersistenceDisabled
	}
	chat, err := s.db.GetChat(chatID)
	if err != nil {
		return nil, fmt.Errorf("read chat %s: %w", chatID, err)
	}
	if chat == nil {
		return nil, fmt.Errorf("chat %s: %w", chatID, store.ErrNotFound)
	}
	if !actor.Admin {
		if chat.OwnerUserID != "" || userID == "" || userID != actor.UserID {
			return nil, ErrNotOwner
		}
	}
	if err := s.db.SetOwner(chatID, userID); err != nil {
		return nil, fmt.Errorf("set owner of %s: %w", chatID, err)
	}
	s.logger.Info("chat owner changed",
		zap.String("chat", chatID),
		zap.String("owner", userID),
		zap.String("by", actor.UserID))
	return s.finish(ctx, instanceID, chatID)
}

// authorize checks that the chat exists and the actor may edit it.
func (s *Service) authorize(chatID string, actor Actor) error {
	chat, err := s.db.GetChat(chatID)
	if err != nil {
		return fmt.Errorf("read chat %s: %w", chatID, err)
	}
	if chat == nil {
		return fmt.Errorf("chat %s: %w", chatID, store.ErrNotFound)
	}
	if actor.Admin || chat.OwnerUserID == "" || chat.OwnerUserID == actor.UserID {
		return nil
	}
	return ErrNotOwner
}

// finish re-reads the chat, repairs an undisplayable name through the driver
// and publishes the merged view.
func (s *Service) finish(ctx context.Context, instanceID, chatID string) (*store.ChatSummary, error) {
	chat, err := s.db.GetChat(chatID)
	if err != nil {
		return nil, fmt.Errorf("read chat %s: %w", chatID, err)
	}
	if chat == nil {
		return nil, fmt.Errorf("chat %s: %w", chatID, store.ErrNotFound)
	}
	summary := chat.Summary()

	rt, lookupErr := s.instances.Lookup(instanceID)
	if !naming.IsDisplayable(summary.Name, chatID) {
		if lookupErr == nil {
			summary.Name = s.repairName(ctx, rt, chatID)
		}
		if summary.Name == "" {
			summary.Name = naming.Fallback(chatID)
		}
	}

	if lookupErr == nil {
		rt.InvalidateCache()
		rt.Emit(bus.KindChatUpdated, bus.ChatUpdated{ChatID: chatID, Chat: summary})
	}
	return &summary, nil
}

// repairName asks the driver for the chat's name and persists it when it is
// displayable. It returns "" when no usable name was found.
func (s *Service) repairName(ctx context.Context, rt *instance.Runtime, chatID string) string {
	c, err := rt.Client().Chat(ctx, chatID)
	if err != nil || c == nil || !naming.IsDisplayable(c.Name, chatID) {
		return ""
	}
	if err := s.db.SetChatName(chatID, c.Name); err != nil {
		s.logger.Warn("persist repaired name failed", zap.String("chat", chatID), zap.Error(err))
	}
	return c.Name
}

func echo(instanceID, chatID string, tags []string, stage store.Stage) *store.ChatSummary {
	return &store.ChatSummary{
		ID:         chatID,
		InstanceID: instanceID,
		Tags:       tags,
		Stage:      stage,
	}
}
