package chat

import (
	"encoding/json"
	"time"

	"github.com/cory-johannsen/chatroom/internal/buffer"
)

// Client → server frame types.
const (
	TypeJoin               = "join"
	TypeLeave              = "leave"
	TypeSend               = "send"
	TypeTyping             = "typing"
	TypeGetStats           = "getStats"
	TypeAdminBan           = "admin:ban"
	TypeAdminUnban         = "admin:unban"
	TypeAdminDeleteMessage = "admin:deleteMessage"
)

// Server → client frame types.
const (
	TypeConnected         = "connected"
	TypeJoinedRoom        = "joinedRoom"
	TypeLeftRoom          = "leftRoom"
	TypeUserJoined        = "userJoined"
	TypeUserLeft          = "userLeft"
	TypeNewMessage        = "newMessage"
	TypeUserTyping        = "userTyping"
	TypeRoomStats         = "roomStats"
	TypeError             = "error"
	TypeUserBanned        = "user:banned"
	TypeAdminUserBanned   = "admin:userBanned"
	TypeAdminUserUnbanned = "admin:userUnbanned"
	TypeMessageDeleted    = "messageDeleted"
)

// Frame is the JSON envelope of every message on the wire.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// encodeFrame marshals payload into a Frame and the Frame into wire bytes.
func encodeFrame(frameType, requestID string, payload any) ([]byte, error) {
	f := Frame{Type: frameType, RequestID: requestID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		f.Payload = raw
	}
	return json.Marshal(f)
}

type joinPayload struct {
	RoomID string `json:"roomId"`
}

type sendPayload struct {
	Body string `json:"body"`
}

type typingPayload struct {
	IsTyping bool `json:"isTyping"`
}

type banPayload struct {
	UserID string `json:"userId"`
	Reason string `json:"reason"`
}

type unbanPayload struct {
	UserID string `json:"userId"`
}

type deleteMessagePayload struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
}

// ConnectedPayload is sent once authentication succeeds.
type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	DisplayName  string `json:"displayName"`
	Role         Role   `json:"role"`
}

// Member is a room occupant as seen by clients.
type Member struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// JoinedRoomPayload answers a join.
type JoinedRoomPayload struct {
	Room        Room             `json:"room"`
	Messages    []buffer.Message `json:"messages"`
	MemberCount int              `json:"memberCount"`
	Members     []Member         `json:"members"`
	Typing      []string         `json:"typing"`
}

// LeftRoomPayload answers a leave.
type LeftRoomPayload struct {
	RoomID string `json:"roomId"`
}

// PresencePayload announces a join or departure to the rest of a room.
type PresencePayload struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	MemberCount int    `json:"memberCount"`
}

// TypingPayload announces a typing toggle.
type TypingPayload struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	IsTyping    bool   `json:"isTyping"`
}

// RoomStatsPayload answers getStats.
type RoomStatsPayload struct {
	RoomID       string   `json:"roomId"`
	MemberCount  int      `json:"memberCount"`
	MessageCount int64    `json:"messageCount"`
	Typing       []string `json:"typing"`
}

// BanNotice is sent to a banned user before the connection closes, and to
// moderators as admin:userBanned.
type BanNotice struct {
	UserID   string    `json:"userId"`
	Reason   string    `json:"reason,omitempty"`
	BannedBy string    `json:"bannedBy,omitempty"`
	BannedAt time.Time `json:"bannedAt,omitzero"`
}

// UnbanNotice is sent to moderators as admin:userUnbanned.
type UnbanNotice struct {
	UserID     string `json:"userId"`
	UnbannedBy string `json:"unbannedBy"`
}

// MessageDeletedPayload announces a moderator deletion to a room.
type MessageDeletedPayload struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
	DeletedBy string `json:"deletedBy"`
}
