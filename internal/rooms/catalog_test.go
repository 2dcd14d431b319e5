package rooms

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/chatroom/internal/chat"
)

const catalogYAML = `
rooms:
  - id: lobby
    name: Lobby
    description: |
      Say hello.
  - id: music
    name: "  Music  "
    host: u9
`

func TestLoadFromBytes(t *testing.T) {
	rooms, err := LoadFromBytes([]byte(catalogYAML))
	require.NoError(t, err)
	require.Len(t, rooms, 2)

	assert.Equal(t, chat.Room{ID: "lobby", Name: "Lobby", Description: "Say hello."}, rooms[0])
	assert.Equal(t, chat.Room{ID: "music", Name: "Music", HostID: "u9"}, rooms[1])
}

func TestLoadFromBytes_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"malformed", "rooms: [", "parsing"},
		{"missing id", "rooms:\n  - name: x\n", "id must not be empty"},
		{"missing name", "rooms:\n  - id: a\n", "name must not be empty"},
		{"duplicate", "rooms:\n  - {id: a, name: A}\n  - {id: a, name: B}\n", "duplicate id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadFromBytes_Empty(t *testing.T) {
	rooms, err := LoadFromBytes([]byte("rooms: []\n"))
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rooms.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o600))

	rooms, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Len(t, rooms, 2)

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

type recordingStore struct {
	rooms  []chat.Room
	failOn string
}

func (s *recordingStore) Upsert(_ context.Context, room chat.Room) error {
	if room.ID == s.failOn {
		return errors.New("db down")
	}
	s.rooms = append(s.rooms, room)
	return nil
}

func TestSeed(t *testing.T) {
	rooms, err := LoadFromBytes([]byte(catalogYAML))
	require.NoError(t, err)

	store := &recordingStore{}
	n, err := Seed(context.Background(), store, rooms, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, rooms, store.rooms)

	store = &recordingStore{failOn: "music"}
	n, err = Seed(context.Background(), store, rooms, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Equal(t, 1, n)
}
