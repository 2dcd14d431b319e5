// Package rooms loads the catalogue of preconfigured chat rooms and seeds it
// into storage.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/chatroom/internal/chat"
)

// yamlCatalog is the top-level YAML structure of a catalogue file.
type yamlCatalog struct {
	Rooms []yamlRoom `yaml:"rooms"`
}

// yamlRoom is the YAML representation of a room.
type yamlRoom struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Host        string `yaml:"host"`
	Description string `yaml:"description"`
}

// LoadFromFile reads and validates a catalogue file.
//
// Precondition: path must point to a YAML catalogue file.
// Postcondition: Returns the validated rooms or a non-nil error.
func LoadFromFile(path string) ([]chat.Room, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading room catalogue %s: %w", path, err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses and validates a catalogue from YAML bytes.
//
// Postcondition: Returns rooms with unique non-empty ids and names, in file
// order, or a non-nil error describing every violation.
func LoadFromBytes(data []byte) ([]chat.Room, error) {
	var file yamlCatalog
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing room catalogue YAML: %w", err)
	}

	var (
		out  = make([]chat.Room, 0, len(file.Rooms))
		seen = make(map[string]bool, len(file.Rooms))
		errs []error
	)
	for i, yr := range file.Rooms {
		room := chat.Room{
			ID:          strings.TrimSpace(yr.ID),
			Name:        strings.TrimSpace(yr.Name),
			HostID:      strings.TrimSpace(yr.Host),
			Description: strings.TrimSpace(yr.Description),
		}
		switch {
		case room.ID == "":
			errs = append(errs, fmt.Errorf("room %d: id must not be empty", i))
			continue
		case seen[room.ID]:
			errs = append(errs, fmt.Errorf("room %q: duplicate id", room.ID))
			continue
		}
		seen[room.ID] = true
		if room.Name == "" {
			errs = append(errs, fmt.Errorf("room %q: name must not be empty", room.ID))
			continue
		}
		out = append(out, room)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("validating room catalogue: %w", err)
	}
	return out, nil
}

// Upserter stores catalogue rooms.
type Upserter interface {
	Upsert(ctx context.Context, room chat.Room) error
}

// Seed stores every room of the catalogue, stopping at the first failure.
//
// Postcondition: Returns the number of rooms stored.
func Seed(ctx context.Context, store Upserter, rooms []chat.Room, logger *zap.Logger) (int, error) {
	for i, room := range rooms {
		if err := store.Upsert(ctx, room); err != nil {
			return i, fmt.Errorf("seeding room %s: %w", room.ID, err)
		}
		logger.Debug("room seeded", zap.String("room_id", room.ID), zap.String("name", room.Name))
	}
	return len(rooms), nil
}
