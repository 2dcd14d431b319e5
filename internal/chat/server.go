// Package chat implements the per-connection chat protocol: authentication,
// room membership, messaging, typing indicators and moderation enforcement.
package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/chatroom/internal/buffer"
	"github.com/cory-johannsen/chatroom/internal/session"
)

// Transport is a duplex message channel to one client.
type Transport interface {
	// ReadMessage blocks until the next inbound message or a transport error.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	// Close must be safe to call more than once and must unblock ReadMessage.
	Close() error
}

// Config holds protocol limits.
type Config struct {
	RateLimitRequests int
	RateLimitWindow   time.Duration
	MaxMessageLength  int
	HistoryLimit      int
	SendBuffer        int
	BackgroundTimeout time.Duration
}

// Deps bundles the collaborators of a Server. History is optional.
type Deps struct {
	Registry *session.Registry
	Buffer   *buffer.Buffer
	Auth     Authenticator
	Bans     BanOracle
	Rooms    RoomStore
	History  HistoryStore
}

// inboxSize bounds the number of unprocessed events per connection.
const inboxSize = 32

// Server runs the chat protocol for every accepted connection.
type Server struct {
	cfg       Config
	registry  *session.Registry
	buf       *buffer.Buffer
	auth      Authenticator
	bans      BanOracle
	rooms     RoomStore
	history   HistoryStore
	moderator Moderator
	hub       *Hub
	logger    *zap.Logger
	newID     func() string

	mu      sync.RWMutex
	conns   map[string]*conn
	closing bool

	countsMu sync.Mutex
	counts   map[string]int64 // roomID → message count

	connWG sync.WaitGroup
	bgWG   sync.WaitGroup
}

// NewServer creates a Server.
//
// Precondition: every Deps field except History must be non-nil; logger must
// be non-nil.
func NewServer(cfg Config, deps Deps, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		registry: deps.Registry,
		buf:      deps.Buffer,
		auth:     deps.Auth,
		bans:     deps.Bans,
		rooms:    deps.Rooms,
		history:  deps.History,
		hub:      NewHub(logger),
		logger:   logger,
		newID:    uuid.NewString,
		conns:    make(map[string]*conn),
		counts:   make(map[string]int64),
	}
}

// SetModerator wires the handler of admin frames. It must be called before
// the server accepts connections.
func (s *Server) SetModerator(m Moderator) {
	s.moderator = m
}

// Serve runs the protocol on t until the connection reaches the Disconnected
// state. token is the credential presented by the client, possibly empty.
//
// Postcondition: t is closed when Serve returns.
func (s *Server) Serve(ctx context.Context, t Transport, token string) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		if data, err := encodeFrame(TypeError, "", NewError(CodeUnavailable, "server shutting down")); err == nil {
			_ = t.WriteMessage(data)
		}
		_ = t.Close()
		return
	}
	s.connWG.Add(1)
	s.mu.Unlock()
	defer s.connWG.Done()

	c := newConn(s, t)
	c.run(ctx, token)
}

// register records an authenticated connection. Returns false once shutdown
// has begun.
func (s *Server) register(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c.id] = c
	return true
}

func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c.id)
}

func (s *Server) lookup(connID string) (*conn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[connID]
	return c, ok
}

// ConnectionCount returns the number of authenticated connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// HandleEvicted tells the owners of sessions removed by inactivity cleanup
// that their session expired. It is the registry cleanup callback.
func (s *Server) HandleEvicted(evicted []*session.Session) {
	for _, sess := range evicted {
		s.evictConnection(sess, CodeSessionExpired)
	}
}

// evictConnection queues an eviction event on the connection that owned sess.
func (s *Server) evictConnection(sess *session.Session, code Code) {
	c, ok := s.lookup(sess.ConnectionID)
	if !ok {
		return
	}
	c.notify(event{kind: evEvicted, code: code, session: sess})
}

// DisconnectUser sends notice to every live connection of userID and
// terminates them. Returns the number of connections told.
func (s *Server) DisconnectUser(userID string, notice BanNotice) int {
	s.mu.RLock()
	var targets []*conn
	for _, c := range s.conns {
		if c.identity.UserID == userID {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		c.notify(event{kind: evBanned, notice: notice})
	}
	return len(targets)
}

// NotifyModerators broadcasts a frame to every moderator and admin connection.
func (s *Server) NotifyModerators(frameType string, payload any) {
	s.broadcast(moderatorsGroup, "", frameType, payload)
}

// BroadcastRoom sends a frame to every connection in roomID.
func (s *Server) BroadcastRoom(roomID, frameType string, payload any) {
	s.broadcast(roomGroup(roomID), "", frameType, payload)
}

func (s *Server) broadcast(group, excludeConnID, frameType string, payload any) {
	data, err := encodeFrame(frameType, "", payload)
	if err != nil {
		s.logger.Error("marshaling broadcast frame",
			zap.String("type", frameType),
			zap.Error(err),
		)
		return
	}
	if missed := s.hub.Broadcast(group, excludeConnID, data); missed > 0 {
		s.logger.Debug("broadcast partially delivered",
			zap.String("group", group),
			zap.String("type", frameType),
			zap.Int("missed", missed),
		)
	}
}

// background runs fn on a tracked goroutine with the configured timeout.
// Failures are logged and never reach a client.
func (s *Server) background(op string, fn func(ctx context.Context) error) {
	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.BackgroundTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.Warn("background write failed",
				zap.String("op", op),
				zap.Error(err),
			)
		}
	}()
}

// persistRoomPresence stores the viewer count of roomID and whether it has
// any viewers.
func (s *Server) persistRoomPresence(roomID string, count int) {
	s.background("room_presence", func(ctx context.Context) error {
		if err := s.rooms.SetViewerCount(ctx, roomID, count); err != nil {
			return err
		}
		return s.rooms.SetActive(ctx, roomID, count > 0)
	})
}

func (s *Server) seedMessageCount(room Room) {
	s.countsMu.Lock()
	defer s.countsMu.Unlock()
	if _, ok := s.counts[room.ID]; !ok {
		s.counts[room.ID] = room.MessageCount
	}
}

func (s *Server) incrementMessageCount(roomID string) {
	s.countsMu.Lock()
	defer s.countsMu.Unlock()
	s.counts[roomID]++
}

func (s *Server) messageCount(roomID string) int64 {
	s.countsMu.Lock()
	defer s.countsMu.Unlock()
	return s.counts[roomID]
}

// Shutdown stops accepting connections, disconnects every live connection and
// waits for them and for background writes to finish or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.logger.Info("chat server shutting down", zap.Int("connections", len(conns)))
	for _, c := range conns {
		c.notify(event{kind: evShutdown})
	}

	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		s.bgWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("chat server stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("chat server shutdown timed out")
		return ctx.Err()
	}
}
