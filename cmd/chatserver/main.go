// Package main provides the chat server binary: WebSocket clients, buffered
// message persistence and moderation, backed by PostgreSQL.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/chatroom/internal/admin"
	"github.com/cory-johannsen/chatroom/internal/auth"
	"github.com/cory-johannsen/chatroom/internal/buffer"
	"github.com/cory-johannsen/chatroom/internal/chat"
	"github.com/cory-johannsen/chatroom/internal/config"
	"github.com/cory-johannsen/chatroom/internal/frontend/ws"
	"github.com/cory-johannsen/chatroom/internal/observability"
	"github.com/cory-johannsen/chatroom/internal/rooms"
	"github.com/cory-johannsen/chatroom/internal/server"
	"github.com/cory-johannsen/chatroom/internal/session"
	"github.com/cory-johannsen/chatroom/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging, cfg.Server.Name)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting chat server",
		zap.String("addr", cfg.WebSocket.Addr()),
		zap.String("path", cfg.WebSocket.Path),
	)

	dbStart := time.Now()
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("connecting to database", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("database connected",
		zap.String("host", cfg.Database.Host),
		zap.Duration("elapsed", time.Since(dbStart)),
	)

	userRepo := postgres.NewUserRepository(pool.DB())
	roomRepo := postgres.NewRoomRepository(pool.DB())
	msgRepo := postgres.NewMessageRepository(pool.DB())

	if cfg.Rooms.CatalogPath != "" {
		catalog, err := rooms.LoadFromFile(cfg.Rooms.CatalogPath)
		if err != nil {
			logger.Fatal("loading room catalogue", zap.Error(err))
		}
		n, err := rooms.Seed(ctx, roomRepo, catalog, logger)
		if err != nil {
			logger.Fatal("seeding rooms", zap.Error(err))
		}
		logger.Info("rooms seeded", zap.Int("count", n))
	}

	registry := session.NewRegistry(observability.Component(logger, "session"))

	buf := buffer.New(buffer.Config{
		FlushInterval:      cfg.Chat.FlushInterval,
		BatchSize:          cfg.Chat.BatchSize,
		EmergencyThreshold: cfg.Chat.EmergencyThreshold,
		RecentCapacity:     cfg.Chat.RecentCapacity,
		ShutdownRetries:    cfg.Chat.ShutdownFlushRetries,
	}, msgRepo, observability.Component(logger, "buffer"))

	authenticator := auth.NewAuthenticator(auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer), userRepo)

	chatSrv := chat.NewServer(chat.Config{
		RateLimitRequests: cfg.Chat.RateLimitRequests,
		RateLimitWindow:   cfg.Chat.RateLimitWindow,
		MaxMessageLength:  cfg.Chat.MaxMessageLength,
		HistoryLimit:      cfg.Chat.HistoryLimit,
		SendBuffer:        cfg.WebSocket.SendBuffer,
		BackgroundTimeout: cfg.Chat.BackgroundTimeout,
	}, chat.Deps{
		Registry: registry,
		Buffer:   buf,
		Auth:     authenticator,
		Bans:     userRepo,
		Rooms:    roomRepo,
		History:  msgRepo,
	}, observability.Component(logger, "chat"))

	coordinator := admin.NewCoordinator(userRepo, msgRepo, buf, chatSrv, observability.Component(logger, "admin"))
	chatSrv.SetModerator(coordinator)

	health := func(ctx context.Context) error {
		return pool.Health(ctx, time.Second)
	}
	acceptor := ws.NewAcceptor(cfg.WebSocket, chatSrv, health, observability.Component(logger, "ws"))

	lifecycle := server.NewLifecycle(logger, cfg.Server.ShutdownTimeout)
	lifecycle.Add("buffer", &server.FuncService{
		StartFn: func(ctx context.Context) error {
			buf.Run(ctx)
			return nil
		},
		StopFn: func(ctx context.Context) {
			if err := buf.Drain(ctx); err != nil {
				logger.Error("draining message buffer", zap.Error(err), zap.Int("pending", buf.Pending()))
			}
			stats := buf.Stats()
			logger.Info("message buffer stopped",
				zap.Uint64("written", stats.Written),
				zap.Uint64("failed_flushes", stats.FailedFlushes),
				zap.Uint64("dropped", stats.Dropped),
				zap.Uint64("rejected", stats.Rejected),
				zap.Int("pending", stats.Pending),
			)
		},
	})
	lifecycle.Add("session-cleanup", &server.FuncService{
		StartFn: func(ctx context.Context) error {
			registry.RunCleanup(ctx, cfg.Chat.CleanupInterval, cfg.Chat.InactivityThreshold, chatSrv.HandleEvicted)
			return nil
		},
	})
	lifecycle.Add("chat", &server.FuncService{
		StartFn: func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		},
		StopFn: func(ctx context.Context) {
			if err := chatSrv.Shutdown(ctx); err != nil {
				logger.Warn("chat shutdown", zap.Error(err))
			}
			if err := acceptor.Wait(ctx); err != nil {
				logger.Warn("waiting for websocket sessions", zap.Error(err))
			}
		},
	})
	lifecycle.Add("websocket", acceptor)

	logger.Info("chat server initialized", zap.Duration("startup", time.Since(start)))

	if err := lifecycle.Run(ctx); err != nil {
		logger.Error("chat server exited with error", zap.Error(err))
	}
}
