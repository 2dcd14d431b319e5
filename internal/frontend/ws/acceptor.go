// Package ws accepts chat clients over WebSocket and hands each connection to
// the chat protocol.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/chatroom/internal/chat"
	"github.com/cory-johannsen/chatroom/internal/config"
)

// SessionHandler runs the protocol for one accepted connection. It returns
// once the connection has ended.
type SessionHandler interface {
	Serve(ctx context.Context, t chat.Transport, token string)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Acceptor serves the WebSocket endpoint and a health endpoint over HTTP.
type Acceptor struct {
	cfg      config.WebSocketConfig
	handler  SessionHandler
	health   HealthCheck
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	running  bool
	sessions sync.WaitGroup
	baseCtx  context.Context
}

// NewAcceptor creates a WebSocket acceptor. health may be nil.
//
// Precondition: cfg must be valid; handler and logger must be non-nil.
// Postcondition: Returns an Acceptor ready to be started with ListenAndServe.
func NewAcceptor(cfg config.WebSocketConfig, handler SessionHandler, health HealthCheck, logger *zap.Logger) *Acceptor {
	a := &Acceptor{
		cfg:     cfg,
		handler: handler,
		health:  health,
		logger:  logger,
		baseCtx: context.Background(),
	}
	a.upgrader = websocket.Upgrader{
		HandshakeTimeout: cfg.WriteTimeout,
		CheckOrigin:      a.checkOrigin,
	}
	return a
}

// Handler returns the HTTP routes served by the acceptor.
func (a *Acceptor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+a.cfg.Path, a.serveWS)
	mux.HandleFunc("GET /healthz", a.serveHealth)
	return mux
}

func (a *Acceptor) checkOrigin(r *http.Request) bool {
	if len(a.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(a.cfg.AllowedOrigins, origin)
}

// ListenAndServe listens on the configured address and serves until Stop is
// called. Sessions run under ctx.
//
// Precondition: The acceptor must not already be running.
// Postcondition: The listener is closed when this method returns.
func (a *Acceptor) ListenAndServe(ctx context.Context) error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}

	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: a.cfg.WriteTimeout,
	}

	a.mu.Lock()
	a.srv = srv
	a.listener = listener
	a.running = true
	a.baseCtx = ctx
	a.mu.Unlock()

	a.logger.Info("websocket acceptor listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("path", a.cfg.Path),
		zap.Duration("startup", time.Since(start)),
	)

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving websocket: %w", err)
	}
	return nil
}

// Start implements server.Service.
func (a *Acceptor) Start(ctx context.Context) error {
	return a.ListenAndServe(ctx)
}

// Stop closes the listener so no new clients are accepted. Sessions already
// running are left to the chat server's shutdown.
//
// Postcondition: the acceptor no longer accepts connections.
func (a *Acceptor) Stop(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return
	}
	a.running = false

	if err := a.srv.Shutdown(ctx); err != nil {
		a.logger.Warn("websocket acceptor shutdown", zap.Error(err))
	}
	a.logger.Info("websocket acceptor stopped")
}

// Wait blocks until every session handed to the handler has returned or ctx
// is done.
func (a *Acceptor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the acceptor is currently accepting connections.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *Acceptor) serveWS(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	addr := r.RemoteAddr
	token := chat.TokenFromRequest(r)

	raw, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		a.logger.Debug("websocket upgrade failed",
			zap.String("remote_addr", addr),
			zap.Error(err),
		)
		return
	}

	a.mu.Lock()
	ctx := a.baseCtx
	a.sessions.Add(1)
	a.mu.Unlock()
	defer a.sessions.Done()

	a.logger.Info("client connected", zap.String("remote_addr", addr))

	conn := NewConn(raw, a.cfg.ReadTimeout, a.cfg.WriteTimeout, a.cfg.PingInterval, a.cfg.MaxFrameBytes)
	defer conn.Close()

	a.handler.Serve(ctx, conn, token)

	a.logger.Info("session ended",
		zap.String("remote_addr", addr),
		zap.Duration("duration", time.Since(start)),
	)
}

func (a *Acceptor) serveHealth(w http.ResponseWriter, r *http.Request) {
	if a.health != nil {
		if err := a.health(r.Context()); err != nil {
			a.logger.Warn("health check failed", zap.Error(err))
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
