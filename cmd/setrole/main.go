// Package main provides a CLI tool for creating users and setting their roles.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cory-johannsen/chatroom/internal/admin"
	"github.com/cory-johannsen/chatroom/internal/chat"
	"github.com/cory-johannsen/chatroom/internal/config"
	"github.com/cory-johannsen/chatroom/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	userID := flag.String("user", "", "target user id (required)")
	role := flag.String("role", "", "role to assign: user, moderator, or admin (required)")
	name := flag.String("name", "", "display name; when set the user is created or updated first")
	flag.Parse()

	if *userID == "" || *role == "" {
		flag.Usage()
		os.Exit(1)
	}

	if !chat.ValidRole(chat.Role(*role)) {
		log.Fatalf("invalid role %q: must be one of user, moderator, admin", *role)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("connecting to database: %v", err)
	}
	defer pool.Close()

	repo := postgres.NewUserRepository(pool.DB())

	if *name != "" {
		err := repo.Upsert(ctx, admin.User{
			ID:          *userID,
			DisplayName: *name,
			Role:        chat.Role(*role),
			IsActive:    true,
		})
		if err != nil {
			log.Fatalf("creating user: %v", err)
		}
	}

	user, err := repo.GetUser(ctx, *userID)
	if err != nil {
		log.Fatalf("looking up user %q: %v", *userID, err)
	}

	if err := repo.SetRole(ctx, user.ID, chat.Role(*role)); err != nil {
		log.Fatalf("setting role: %v", err)
	}

	elapsed := time.Since(start)
	fmt.Fprintf(os.Stdout, "set role for %s (%s): %s -> %s [%s]\n",
		user.DisplayName, user.ID, user.Role, *role, elapsed)
}
