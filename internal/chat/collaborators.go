package chat

import (
	"context"
	"time"

	"github.com/cory-johannsen/chatroom/internal/buffer"
)

// Role is a user's privilege level.
type Role string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// ValidRole reports whether r is a recognised role.
func ValidRole(r Role) bool {
	switch r {
	case RoleUser, RoleModerator, RoleAdmin:
		return true
	}
	return false
}

// CanModerate reports whether r may ban, unban and delete messages.
func (r Role) CanModerate() bool {
	return r == RoleModerator || r == RoleAdmin
}

// Identity is an authenticated user.
type Identity struct {
	UserID      string
	DisplayName string
	Role        Role
}

// Authenticator resolves credential tokens to users.
type Authenticator interface {
	// Verify returns the identity a token was issued to, or an error if the
	// token is malformed, forged or expired.
	Verify(ctx context.Context, token string) (Identity, error)
	// IsActiveUser reports whether userID exists and may sign in.
	IsActiveUser(ctx context.Context, userID string) (bool, error)
}

// BanStatus is the current ban record of a user.
type BanStatus struct {
	Banned   bool
	Reason   string
	BannedBy string
	BannedAt time.Time
}

// BanOracle is the persistent authority on bans.
type BanOracle interface {
	BanStatus(ctx context.Context, userID string) (BanStatus, error)
}

// Room is the metadata of a chat room.
type Room struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	HostID       string    `json:"hostId,omitempty"`
	Description  string    `json:"description,omitempty"`
	ViewerCount  int       `json:"viewerCount"`
	MessageCount int64     `json:"messageCount"`
	IsActive     bool      `json:"isActive"`
	CreatedAt    time.Time `json:"createdAt"`
}

// RoomStore persists room metadata.
type RoomStore interface {
	GetOrCreate(ctx context.Context, roomID string) (Room, error)
	SetViewerCount(ctx context.Context, roomID string, count int) error
	SetActive(ctx context.Context, roomID string, active bool) error
}

// HistoryStore loads stored messages for rooms whose recent cache is empty.
type HistoryStore interface {
	// Recent returns up to limit stored messages of roomID, newest first.
	Recent(ctx context.Context, roomID string, limit int) ([]buffer.Message, error)
}

// Moderator carries out moderation requests made over the protocol.
// Errors of type *Error are reported to the requester with their code.
type Moderator interface {
	BanUser(ctx context.Context, userID, reason string, actor Identity) error
	UnbanUser(ctx context.Context, userID string, actor Identity) error
	DeleteMessage(ctx context.Context, messageID, roomID string, actor Identity) error
}
