// Package admin coordinates moderation: banning and unbanning users and
// deleting messages, and propagating the outcome to live connections.
package admin

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/chatroom/internal/chat"
)

// Sentinel errors carry protocol codes so the requesting connection can
// report them directly.
var (
	ErrUserNotFound    = chat.NewError(chat.CodeNotFound, "user not found")
	ErrAlreadyBanned   = chat.NewError(chat.CodeConflict, "user is already banned")
	ErrNotBanned       = chat.NewError(chat.CodeConflict, "user is not banned")
	ErrMessageNotFound = chat.NewError(chat.CodeNotFound, "message not found")
	ErrForbidden       = chat.NewError(chat.CodeForbidden, "insufficient role")
)

// User is the moderation view of an account.
type User struct {
	ID          string
	DisplayName string
	Role        chat.Role
	IsActive    bool
	Banned      bool
	BanReason   string
	BannedBy    string
	BannedAt    time.Time
}

// UserStore persists ban state.
type UserStore interface {
	// GetUser returns ErrUserNotFound if userID does not exist.
	GetUser(ctx context.Context, userID string) (User, error)
	SetBan(ctx context.Context, userID, reason, bannedBy string, at time.Time) error
	ClearBan(ctx context.Context, userID string) error
}

// MessageStore deletes stored messages.
type MessageStore interface {
	// DeleteMessage reports whether a stored message was removed.
	DeleteMessage(ctx context.Context, messageID, roomID string) (bool, error)
}

// MessageCache removes messages that have not reached storage yet.
type MessageCache interface {
	Delete(id, roomID string) bool
}

// Notifier delivers moderation outcomes to live connections.
type Notifier interface {
	// DisconnectUser sends notice to every connection of userID and
	// terminates them. Returns the number of connections affected.
	DisconnectUser(userID string, notice chat.BanNotice) int
	NotifyModerators(frameType string, payload any)
	BroadcastRoom(roomID, frameType string, payload any)
}

// Coordinator implements chat.Moderator.
type Coordinator struct {
	users    UserStore
	messages MessageStore
	cache    MessageCache
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

var _ chat.Moderator = (*Coordinator)(nil)

// NewCoordinator creates a Coordinator.
//
// Precondition: all arguments must be non-nil.
func NewCoordinator(users UserStore, messages MessageStore, cache MessageCache, notifier Notifier, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		users:    users,
		messages: messages,
		cache:    cache,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

func authorize(actor chat.Identity, target *User) error {
	if !actor.Role.CanModerate() {
		return ErrForbidden
	}
	if target != nil && target.Role == chat.RoleAdmin && actor.Role != chat.RoleAdmin {
		return ErrForbidden
	}
	return nil
}

// BanUser persists a ban on userID, disconnects every live connection of the
// user and tells moderators.
//
// Precondition: actor must hold the moderator or admin role; only admins may
// ban admins.
// Postcondition: on success the ban is durable before any connection is
// notified, so a concurrent send re-check already sees it.
func (c *Coordinator) BanUser(ctx context.Context, userID, reason string, actor chat.Identity) error {
	if err := authorize(actor, nil); err != nil {
		return err
	}
	user, err := c.users.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if err := authorize(actor, &user); err != nil {
		return err
	}
	if user.Banned {
		return ErrAlreadyBanned
	}

	at := c.now().UTC()
	if err := c.users.SetBan(ctx, userID, reason, actor.UserID, at); err != nil {
		return fmt.Errorf("persisting ban for %s: %w", userID, err)
	}

	notice := chat.BanNotice{
		UserID:   userID,
		Reason:   reason,
		BannedBy: actor.UserID,
		BannedAt: at,
	}
	disconnected := c.notifier.DisconnectUser(userID, notice)
	c.notifier.NotifyModerators(chat.TypeAdminUserBanned, notice)

	c.logger.Info("user banned",
		zap.String("user_id", userID),
		zap.String("actor", actor.UserID),
		zap.String("reason", reason),
		zap.Int("connections", disconnected),
	)
	return nil
}

// UnbanUser clears the ban on userID and tells moderators.
func (c *Coordinator) UnbanUser(ctx context.Context, userID string, actor chat.Identity) error {
	if err := authorize(actor, nil); err != nil {
		return err
	}
	user, err := c.users.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if !user.Banned {
		return ErrNotBanned
	}
	if err := c.users.ClearBan(ctx, userID); err != nil {
		return fmt.Errorf("clearing ban for %s: %w", userID, err)
	}

	c.notifier.NotifyModerators(chat.TypeAdminUserUnbanned, chat.UnbanNotice{
		UserID:     userID,
		UnbannedBy: actor.UserID,
	})
	c.logger.Info("user unbanned",
		zap.String("user_id", userID),
		zap.String("actor", actor.UserID),
	)
	return nil
}

// DeleteMessage removes a message from the recent cache, the write queue and
// storage, then tells the room.
//
// Postcondition: returns ErrMessageNotFound if neither memory nor storage held
// the message.
func (c *Coordinator) DeleteMessage(ctx context.Context, messageID, roomID string, actor chat.Identity) error {
	if err := authorize(actor, nil); err != nil {
		return err
	}

	inMemory := c.cache.Delete(messageID, roomID)
	stored, err := c.messages.DeleteMessage(ctx, messageID, roomID)
	if err != nil {
		if !inMemory {
			return fmt.Errorf("deleting message %s: %w", messageID, err)
		}
		c.logger.Warn("deleting stored message",
			zap.String("message_id", messageID),
			zap.Error(err),
		)
	}
	if !inMemory && !stored {
		return ErrMessageNotFound
	}

	c.notifier.BroadcastRoom(roomID, chat.TypeMessageDeleted, chat.MessageDeletedPayload{
		MessageID: messageID,
		RoomID:    roomID,
		DeletedBy: actor.UserID,
	})
	c.logger.Info("message deleted",
		zap.String("message_id", messageID),
		zap.String("room_id", roomID),
		zap.String("actor", actor.UserID),
	)
	return nil
}
