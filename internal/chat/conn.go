package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/chatroom/internal/session"
)

type eventKind int

const (
	evFrame eventKind = iota
	evClosed
	evEvicted
	evBanned
	evShutdown
)

// event is one unit of work for a connection's processing goroutine.
type event struct {
	kind    eventKind
	data    []byte           // evFrame
	err     error            // evClosed
	code    Code             // evEvicted
	session *session.Session // evEvicted
	notice  BanNotice        // evBanned
}

// conn is the state machine of one client connection. Every event, whether
// read from the transport or sent by another component, is handled on the
// single goroutine running processLoop, so state, roomID and the registry
// entry for id never change underneath a handler.
type conn struct {
	srv        *Server
	id         string
	transport  Transport
	peer       *Peer
	logger     *zap.Logger
	inbox      chan event
	done       chan struct{}
	writerDone chan struct{}

	// Set before register and immutable afterwards.
	identity Identity

	// Owned by the processing goroutine.
	state  State
	roomID string
}

func newConn(s *Server, t Transport) *conn {
	id := s.newID()
	return &conn{
		srv:        s,
		id:         id,
		transport:  t,
		peer:       NewPeer(id, s.cfg.SendBuffer),
		logger:     s.logger.With(zap.String("conn_id", id)),
		inbox:      make(chan event, inboxSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		state:      StateConnecting,
	}
}

func (c *conn) run(ctx context.Context, token string) {
	go c.writeLoop()
	defer c.finish()

	if !c.authenticate(ctx, token) {
		c.state = StateDisconnected
		return
	}
	if !c.srv.register(c) {
		c.pushError("", CodeUnavailable, "server shutting down")
		c.state = StateDisconnected
		return
	}
	if c.identity.Role.CanModerate() {
		c.srv.hub.Join(moderatorsGroup, c.peer)
	}
	c.push(TypeConnected, "", ConnectedPayload{
		ConnectionID: c.id,
		UserID:       c.identity.UserID,
		DisplayName:  c.identity.DisplayName,
		Role:         c.identity.Role,
	})
	c.logger.Info("connection authenticated", zap.String("role", string(c.identity.Role)))

	go c.readLoop()
	c.processLoop(ctx)
}

// authenticate moves the connection from Connecting to Authenticated.
// On failure the client has been told why and the caller must terminate.
func (c *conn) authenticate(ctx context.Context, token string) bool {
	if token == "" {
		c.pushError("", CodeUnauthenticated, "missing token")
		return false
	}
	id, err := c.srv.auth.Verify(ctx, token)
	if err != nil {
		c.logger.Debug("token rejected", zap.Error(err))
		c.pushError("", CodeUnauthenticated, "invalid token")
		return false
	}
	c.logger = c.logger.With(zap.String("user_id", id.UserID))

	active, err := c.srv.auth.IsActiveUser(ctx, id.UserID)
	if err != nil {
		c.logger.Warn("checking user status", zap.Error(err))
		c.pushError("", CodeUnauthenticated, "user status unavailable")
		return false
	}
	if !active {
		c.pushError("", CodeUnauthenticated, "user is not active")
		return false
	}

	status, err := c.srv.bans.BanStatus(ctx, id.UserID)
	if err != nil {
		c.logger.Warn("checking ban status", zap.Error(err))
		c.pushError("", CodeUnavailable, "ban status unavailable")
		return false
	}
	if status.Banned {
		c.logger.Info("banned user refused")
		c.push(TypeUserBanned, "", banNotice(id.UserID, status))
		return false
	}

	if !ValidRole(id.Role) {
		id.Role = RoleUser
	}
	c.identity = id
	c.state = StateAuthenticated
	return true
}

func banNotice(userID string, status BanStatus) BanNotice {
	return BanNotice{
		UserID:   userID,
		Reason:   status.Reason,
		BannedBy: status.BannedBy,
		BannedAt: status.BannedAt,
	}
}

func (c *conn) processLoop(ctx context.Context) {
	for c.state != StateDisconnected {
		select {
		case <-ctx.Done():
			c.leaveRoom()
			c.state = StateDisconnected
		case ev := <-c.inbox:
			c.handleEvent(ctx, ev)
		}
	}
}

func (c *conn) handleEvent(ctx context.Context, ev event) {
	switch ev.kind {
	case evFrame:
		c.handleFrame(ctx, ev.data)
	case evClosed:
		c.logger.Debug("transport closed", zap.Error(ev.err))
		c.leaveRoom()
		c.state = StateDisconnected
	case evEvicted:
		c.handleEvicted(ev.session, ev.code)
	case evBanned:
		c.enforceBan(ev.notice)
	case evShutdown:
		c.pushError("", CodeUnavailable, "server shutting down")
		c.leaveRoom()
		c.state = StateDisconnected
	}
}

var clientFrameTypes = map[string]bool{
	TypeJoin:               true,
	TypeLeave:              true,
	TypeSend:               true,
	TypeTyping:             true,
	TypeGetStats:           true,
	TypeAdminBan:           true,
	TypeAdminUnban:         true,
	TypeAdminDeleteMessage: true,
}

func (c *conn) handleFrame(ctx context.Context, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.pushError("", CodeValidation, "invalid frame")
		return
	}
	if !clientFrameTypes[f.Type] {
		c.pushError(f.RequestID, CodeValidation, "unsupported frame type")
		return
	}
	if !c.state.accepts(f.Type) {
		c.pushError(f.RequestID, CodeInvalidState, fmt.Sprintf("%s is not allowed while %s", f.Type, c.state))
		return
	}

	switch f.Type {
	case TypeJoin:
		c.handleJoin(ctx, f)
	case TypeLeave:
		c.handleLeave(f)
	case TypeSend:
		c.handleSend(ctx, f)
	case TypeTyping:
		c.handleTyping(f)
	case TypeGetStats:
		c.handleGetStats(f)
	case TypeAdminBan:
		c.handleAdminBan(ctx, f)
	case TypeAdminUnban:
		c.handleAdminUnban(ctx, f)
	case TypeAdminDeleteMessage:
		c.handleAdminDeleteMessage(ctx, f)
	}
}

// notify queues ev without blocking the caller, which may be this
// connection's own processing goroutine.
func (c *conn) notify(ev event) {
	select {
	case c.inbox <- ev:
	case <-c.done:
	default:
		go func() {
			select {
			case c.inbox <- ev:
			case <-c.done:
			}
		}()
	}
}

func (c *conn) readLoop() {
	for {
		data, err := c.transport.ReadMessage()
		if err != nil {
			select {
			case c.inbox <- event{kind: evClosed, err: err}:
			case <-c.done:
			}
			return
		}
		select {
		case c.inbox <- event{kind: evFrame, data: data}:
		case <-c.done:
			return
		}
	}
}

// writeLoop drains the peer onto the transport until the peer is closed.
func (c *conn) writeLoop() {
	defer close(c.writerDone)
	for data := range c.peer.Events() {
		if err := c.transport.WriteMessage(data); err != nil {
			c.logger.Debug("write failed", zap.Error(err))
			_ = c.transport.Close()
			for range c.peer.Events() {
			}
			return
		}
	}
}

// finish releases everything the connection holds. Frames queued before
// finish, such as a ban notice, are written before the transport closes.
func (c *conn) finish() {
	close(c.done)
	c.srv.unregister(c)
	c.srv.hub.LeaveAll(c.id)
	c.srv.registry.ForgetConnection(c.id)
	c.peer.Close()
	<-c.writerDone
	_ = c.transport.Close()
	if dropped := c.peer.Dropped(); dropped > 0 {
		c.logger.Warn("connection closed after missing frames", zap.Uint64("dropped", dropped))
		return
	}
	c.logger.Debug("connection closed")
}

func (c *conn) push(frameType, requestID string, payload any) {
	data, err := encodeFrame(frameType, requestID, payload)
	if err != nil {
		c.logger.Error("marshaling frame", zap.String("type", frameType), zap.Error(err))
		return
	}
	if err := c.peer.Push(data); err != nil {
		c.logger.Warn("push to peer failed", zap.String("type", frameType), zap.Error(err))
	}
}

func (c *conn) pushError(requestID string, code Code, message string) {
	c.push(TypeError, requestID, NewError(code, message))
}

// pushFailure reports err to the client, keeping the code of an *Error.
func (c *conn) pushFailure(requestID string, err error) {
	var chatErr *Error
	if errors.As(err, &chatErr) {
		c.push(TypeError, requestID, chatErr)
		return
	}
	c.logger.Error("request failed", zap.Error(err))
	c.pushError(requestID, CodeInternal, "request failed")
}
