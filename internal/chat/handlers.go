package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/cory-johannsen/chatroom/internal/buffer"
	"github.com/cory-johannsen/chatroom/internal/session"
)

func decodePayload(f Frame, v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s: missing payload", f.Type)
	}
	return json.Unmarshal(f.Payload, v)
}

// handleJoin places the connection in a room, leaving its current room first.
func (c *conn) handleJoin(ctx context.Context, f Frame) {
	var p joinPayload
	if err := decodePayload(f, &p); err != nil {
		c.pushError(f.RequestID, CodeValidation, "invalid join payload")
		return
	}
	roomID := strings.TrimSpace(p.RoomID)
	if roomID == "" {
		c.pushError(f.RequestID, CodeValidation, "roomId is required")
		return
	}

	room, err := c.srv.rooms.GetOrCreate(ctx, roomID)
	if err != nil {
		c.logger.Warn("loading room", zap.String("room_id", roomID), zap.Error(err))
		c.pushError(f.RequestID, CodeUnavailable, "room unavailable")
		return
	}

	rejoin := c.state == StateInRoom && c.roomID == roomID
	if c.state == StateInRoom && !rejoin {
		c.leaveRoom()
	}

	reg := c.srv.registry
	if displaced := reg.Join(c.id, c.identity.UserID, c.identity.DisplayName, roomID); displaced != nil && displaced.ConnectionID != c.id {
		c.logger.Info("session replaced on another connection",
			zap.String("displaced_conn_id", displaced.ConnectionID),
		)
		c.srv.evictConnection(displaced, CodeSessionReplaced)
	}
	c.srv.hub.Join(roomGroup(roomID), c.peer)
	c.state = StateInRoom
	c.roomID = roomID
	c.srv.seedMessageCount(room)

	count := reg.RoomMemberCount(roomID)
	room.ViewerCount = count
	room.MessageCount = c.srv.messageCount(roomID)

	members := reg.RoomMembers(roomID)
	out := make([]Member, 0, len(members))
	for _, m := range members {
		out = append(out, Member{UserID: m.UserID, DisplayName: m.DisplayName})
	}

	c.push(TypeJoinedRoom, f.RequestID, JoinedRoomPayload{
		Room:        room,
		Messages:    c.history(ctx, roomID),
		MemberCount: count,
		Members:     out,
		Typing:      reg.TypingUsers(roomID),
	})
	if rejoin {
		return
	}

	c.srv.broadcast(roomGroup(roomID), c.id, TypeUserJoined, PresencePayload{
		RoomID:      roomID,
		UserID:      c.identity.UserID,
		DisplayName: c.identity.DisplayName,
		MemberCount: count,
	})
	c.srv.persistRoomPresence(roomID, count)
	c.logger.Info("joined room", zap.String("room_id", roomID), zap.Int("members", count))
}

// history returns the room's latest messages oldest first, falling back to
// stored history when nothing is cached.
func (c *conn) history(ctx context.Context, roomID string) []buffer.Message {
	limit := c.srv.cfg.HistoryLimit
	msgs := c.srv.buf.Recent(roomID, limit)
	if len(msgs) == 0 && c.srv.history != nil {
		stored, err := c.srv.history.Recent(ctx, roomID, limit)
		if err != nil {
			c.logger.Warn("loading stored history", zap.String("room_id", roomID), zap.Error(err))
		}
		msgs = stored
	}
	slices.Reverse(msgs)
	if msgs == nil {
		msgs = []buffer.Message{}
	}
	return msgs
}

// leaveRoom removes the connection from its room and announces the departure.
// It is a no-op outside StateInRoom.
func (c *conn) leaveRoom() {
	if c.state != StateInRoom {
		return
	}
	roomID := c.roomID
	c.srv.hub.Leave(roomGroup(roomID), c.id)
	c.roomID = ""
	c.state = StateAuthenticated

	if _, ok := c.srv.registry.Leave(c.id); !ok {
		return
	}
	c.announceDeparture(roomID)
}

func (c *conn) announceDeparture(roomID string) {
	count := c.srv.registry.RoomMemberCount(roomID)
	c.srv.broadcast(roomGroup(roomID), c.id, TypeUserLeft, PresencePayload{
		RoomID:      roomID,
		UserID:      c.identity.UserID,
		DisplayName: c.identity.DisplayName,
		MemberCount: count,
	})
	c.srv.persistRoomPresence(roomID, count)
	c.logger.Info("left room", zap.String("room_id", roomID), zap.Int("members", count))
}

func (c *conn) handleLeave(f Frame) {
	roomID := c.roomID
	c.leaveRoom()
	c.push(TypeLeftRoom, f.RequestID, LeftRoomPayload{RoomID: roomID})
}

// handleSend runs the send checks in order: rate limit, ban, session,
// identity, content.
func (c *conn) handleSend(ctx context.Context, f Frame) {
	reg := c.srv.registry
	cfg := c.srv.cfg

	if !reg.CheckRateLimit(c.id, cfg.RateLimitRequests, cfg.RateLimitWindow) {
		c.pushError(f.RequestID, CodeRateLimited, "too many messages")
		return
	}

	status, err := c.srv.bans.BanStatus(ctx, c.identity.UserID)
	if err != nil {
		c.logger.Warn("ban re-check failed; admitting message", zap.Error(err))
	} else if status.Banned {
		c.enforceBan(banNotice(c.identity.UserID, status))
		return
	}

	sess, ok := reg.ByConnection(c.id)
	if !ok {
		c.pushError(f.RequestID, CodeReconnectRequired, "no active session")
		return
	}
	if sess.UserID != c.identity.UserID || sess.RoomID != c.roomID {
		c.logger.Warn("session identity mismatch",
			zap.String("session_user_id", sess.UserID),
			zap.String("session_room_id", sess.RoomID),
		)
		c.pushError(f.RequestID, CodeReconnectRequired, "session does not match connection")
		return
	}

	var p sendPayload
	if err := decodePayload(f, &p); err != nil {
		c.pushError(f.RequestID, CodeValidation, "invalid send payload")
		return
	}
	body := strings.TrimSpace(p.Body)
	if body == "" {
		return
	}
	if utf8.RuneCountInString(body) > cfg.MaxMessageLength {
		c.pushError(f.RequestID, CodeValidation, fmt.Sprintf("message exceeds %d characters", cfg.MaxMessageLength))
		return
	}
	if hasControlChars(body) {
		c.pushError(f.RequestID, CodeValidation, "message contains control characters")
		return
	}

	msg := c.srv.buf.Add(sess.RoomID, sess.UserID, sess.DisplayName, body, buffer.KindText)
	reg.TouchActivity(sess.UserID)
	c.srv.incrementMessageCount(sess.RoomID)
	reg.ClearTyping(sess.RoomID, sess.UserID)
	c.srv.broadcast(roomGroup(sess.RoomID), "", TypeNewMessage, msg)
}

// hasControlChars reports whether s holds a C0 control character other than
// newline or tab. NUL in particular cannot be stored in a TEXT column.
func hasControlChars(s string) bool {
	return strings.ContainsFunc(s, func(r rune) bool {
		return r < 0x20 && r != '\n' && r != '\t'
	})
}

func (c *conn) handleTyping(f Frame) {
	var p typingPayload
	if err := decodePayload(f, &p); err != nil {
		c.pushError(f.RequestID, CodeValidation, "invalid typing payload")
		return
	}
	if p.IsTyping {
		c.srv.registry.SetTyping(c.roomID, c.identity.UserID)
	} else {
		c.srv.registry.ClearTyping(c.roomID, c.identity.UserID)
	}
	c.srv.broadcast(roomGroup(c.roomID), c.id, TypeUserTyping, TypingPayload{
		RoomID:      c.roomID,
		UserID:      c.identity.UserID,
		DisplayName: c.identity.DisplayName,
		IsTyping:    p.IsTyping,
	})
}

func (c *conn) handleGetStats(f Frame) {
	c.push(TypeRoomStats, f.RequestID, RoomStatsPayload{
		RoomID:       c.roomID,
		MemberCount:  c.srv.registry.RoomMemberCount(c.roomID),
		MessageCount: c.srv.messageCount(c.roomID),
		Typing:       c.srv.registry.TypingUsers(c.roomID),
	})
}

// enforceBan tells the client it is banned, removes it from its room and
// terminates the connection.
func (c *conn) enforceBan(notice BanNotice) {
	c.logger.Info("disconnecting banned user", zap.String("reason", notice.Reason))
	c.push(TypeUserBanned, "", notice)
	c.leaveRoom()
	c.state = StateDisconnected
}

// handleEvicted returns the connection to Authenticated after the registry
// dropped its session. Stale events for a session the connection has since
// replaced are ignored.
func (c *conn) handleEvicted(evicted *session.Session, code Code) {
	if c.state != StateInRoom || evicted.RoomID != c.roomID {
		return
	}
	if _, ok := c.srv.registry.ByConnection(c.id); ok {
		return
	}

	roomID := c.roomID
	c.srv.hub.Leave(roomGroup(roomID), c.id)
	c.roomID = ""
	c.state = StateAuthenticated

	if current, ok := c.srv.registry.ByUser(c.identity.UserID); !ok || current.RoomID != roomID {
		c.announceDeparture(roomID)
	}

	msg := "session expired after inactivity"
	if code == CodeSessionReplaced {
		msg = "session replaced by another connection"
	}
	c.pushError("", code, msg)
}

func (c *conn) moderationAllowed(f Frame) bool {
	if !c.identity.Role.CanModerate() {
		c.pushError(f.RequestID, CodeForbidden, "moderator role required")
		return false
	}
	if c.srv.moderator == nil {
		c.pushError(f.RequestID, CodeUnavailable, "moderation unavailable")
		return false
	}
	return true
}

func (c *conn) handleAdminBan(ctx context.Context, f Frame) {
	if !c.moderationAllowed(f) {
		return
	}
	var p banPayload
	if err := decodePayload(f, &p); err != nil || strings.TrimSpace(p.UserID) == "" {
		c.pushError(f.RequestID, CodeValidation, "userId is required")
		return
	}
	if err := c.srv.moderator.BanUser(ctx, strings.TrimSpace(p.UserID), p.Reason, c.identity); err != nil {
		c.pushFailure(f.RequestID, err)
	}
}

func (c *conn) handleAdminUnban(ctx context.Context, f Frame) {
	if !c.moderationAllowed(f) {
		return
	}
	var p unbanPayload
	if err := decodePayload(f, &p); err != nil || strings.TrimSpace(p.UserID) == "" {
		c.pushError(f.RequestID, CodeValidation, "userId is required")
		return
	}
	if err := c.srv.moderator.UnbanUser(ctx, strings.TrimSpace(p.UserID), c.identity); err != nil {
		c.pushFailure(f.RequestID, err)
	}
}

func (c *conn) handleAdminDeleteMessage(ctx context.Context, f Frame) {
	if !c.moderationAllowed(f) {
		return
	}
	var p deleteMessagePayload
	if err := decodePayload(f, &p); err != nil || p.MessageID == "" || p.RoomID == "" {
		c.pushError(f.RequestID, CodeValidation, "messageId and roomId are required")
		return
	}
	if err := c.srv.moderator.DeleteMessage(ctx, p.MessageID, p.RoomID, c.identity); err != nil {
		c.pushFailure(f.RequestID, err)
	}
}
