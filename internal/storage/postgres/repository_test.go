package postgres_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/chatroom/internal/admin"
	"github.com/cory-johannsen/chatroom/internal/buffer"
	"github.com/cory-johannsen/chatroom/internal/chat"
	"github.com/cory-johannsen/chatroom/internal/storage/postgres"
	"github.com/cory-johannsen/chatroom/internal/testutil"
)

type repos struct {
	pool     *pgxpool.Pool
	users    *postgres.UserRepository
	rooms    *postgres.RoomRepository
	messages *postgres.MessageRepository
}

func setupRepos(t *testing.T) repos {
	t.Helper()
	pool := testutil.NewPool(t)
	return repos{
		pool:     pool,
		users:    postgres.NewUserRepository(pool),
		rooms:    postgres.NewRoomRepository(pool),
		messages: postgres.NewMessageRepository(pool),
	}
}

func msg(id, roomID string, at time.Time) buffer.Message {
	return buffer.Message{
		ID:          id,
		RoomID:      roomID,
		UserID:      "u1",
		DisplayName: "Alice",
		Body:        "body " + id,
		Kind:        buffer.KindText,
		CreatedAt:   at,
	}
}

func TestUserRepository_BanLifecycle(t *testing.T) {
	r := setupRepos(t)
	ctx := context.Background()

	require.NoError(t, r.users.Upsert(ctx, admin.User{ID: "u1", DisplayName: "Alice", IsActive: true}))

	active, err := r.users.IsActiveUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, active)

	active, err = r.users.IsActiveUser(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, active)

	status, err := r.users.BanStatus(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, status.Banned)

	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, r.users.SetBan(ctx, "u1", "spam", "mod1", at))

	status, err = r.users.BanStatus(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, status.Banned)
	assert.Equal(t, "spam", status.Reason)
	assert.Equal(t, "mod1", status.BannedBy)
	assert.True(t, at.Equal(status.BannedAt))

	require.NoError(t, r.users.ClearBan(ctx, "u1"))
	u, err := r.users.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, u.Banned)
	assert.Empty(t, u.BanReason)
	assert.True(t, u.BannedAt.IsZero())

	assert.ErrorIs(t, r.users.SetBan(ctx, "ghost", "", "mod1", at), admin.ErrUserNotFound)
	_, err = r.users.GetUser(ctx, "ghost")
	assert.ErrorIs(t, err, admin.ErrUserNotFound)

	status, err = r.users.BanStatus(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, status.Banned)
}

func TestUserRepository_SetRole(t *testing.T) {
	r := setupRepos(t)
	ctx := context.Background()

	require.NoError(t, r.users.Upsert(ctx, admin.User{ID: "u1", DisplayName: "Alice", IsActive: true}))
	require.NoError(t, r.users.SetRole(ctx, "u1", chat.RoleModerator))

	u, err := r.users.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, chat.RoleModerator, u.Role)

	assert.ErrorIs(t, r.users.SetRole(ctx, "u1", "overlord"), postgres.ErrInvalidRole)
	assert.ErrorIs(t, r.users.SetRole(ctx, "ghost", chat.RoleAdmin), admin.ErrUserNotFound)
}

func TestRoomRepository(t *testing.T) {
	r := setupRepos(t)
	ctx := context.Background()

	room, err := r.rooms.GetOrCreate(ctx, "lobby")
	require.NoError(t, err)
	assert.Equal(t, "lobby", room.ID)
	assert.Equal(t, "lobby", room.Name)
	assert.False(t, room.IsActive)

	require.NoError(t, r.rooms.Upsert(ctx, chat.Room{ID: "lobby", Name: "The Lobby", HostID: "h1", Description: "hi"}))
	require.NoError(t, r.rooms.SetViewerCount(ctx, "lobby", 3))
	require.NoError(t, r.rooms.SetActive(ctx, "lobby", true))

	room, err = r.rooms.GetOrCreate(ctx, "lobby")
	require.NoError(t, err)
	assert.Equal(t, "The Lobby", room.Name)
	assert.Equal(t, "h1", room.HostID)
	assert.Equal(t, 3, room.ViewerCount)
	assert.True(t, room.IsActive)

	_, err = r.rooms.Get(ctx, "nowhere")
	assert.ErrorIs(t, err, postgres.ErrRoomNotFound)
	assert.ErrorIs(t, r.rooms.SetActive(ctx, "nowhere", true), postgres.ErrRoomNotFound)
}

func TestMessageRepository_InsertBatchIsIdempotent(t *testing.T) {
	r := setupRepos(t)
	ctx := context.Background()
	_, err := r.rooms.GetOrCreate(ctx, "r1")
	require.NoError(t, err)

	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	batch := make([]buffer.Message, 0, 3)
	for i := range 3 {
		batch = append(batch, msg(fmt.Sprintf("m%d", i), "r1", base.Add(time.Duration(i)*time.Second)))
	}

	rejected, err := r.messages.InsertBatch(ctx, batch)
	require.NoError(t, err)
	assert.Empty(t, rejected)
	rejected, err = r.messages.InsertBatch(ctx, batch)
	require.NoError(t, err, "a retried batch must not fail")
	assert.Empty(t, rejected)

	room, err := r.rooms.Get(ctx, "r1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, room.MessageCount)

	recent, err := r.messages.Recent(ctx, "r1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "m2", recent[0].ID)
	assert.Equal(t, "m1", recent[1].ID)
	assert.Equal(t, buffer.KindText, recent[0].Kind)
	assert.True(t, base.Add(2*time.Second).Equal(recent[0].CreatedAt))
}

func TestMessageRepository_InsertBatchStoresGoodRowsOfMixedBatch(t *testing.T) {
	r := setupRepos(t)
	ctx := context.Background()
	_, err := r.rooms.GetOrCreate(ctx, "r1")
	require.NoError(t, err)

	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	nul := msg("nul", "r1", base.Add(time.Second))
	nul.Body = "a\x00b"
	batch := []buffer.Message{
		msg("ok1", "r1", base),
		nul,
		msg("orphan", "missing", base.Add(2*time.Second)),
		msg("ok2", "r1", base.Add(3*time.Second)),
	}

	rejected, err := r.messages.InsertBatch(ctx, batch)
	require.NoError(t, err)
	require.Len(t, rejected, 2)
	assert.Equal(t, "nul", rejected[0].Message.ID)
	assert.Equal(t, "orphan", rejected[1].Message.ID)
	for _, rej := range rejected {
		assert.Error(t, rej.Err)
	}

	recent, err := r.messages.Recent(ctx, "r1", 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "ok2", recent[0].ID)
	assert.Equal(t, "ok1", recent[1].ID)

	room, err := r.rooms.Get(ctx, "r1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, room.MessageCount)

	rejected, err = r.messages.InsertBatch(ctx, batch)
	require.NoError(t, err)
	assert.Len(t, rejected, 2)
	room, err = r.rooms.Get(ctx, "r1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, room.MessageCount, "a retried mixed batch must not recount stored rows")
}

func TestMessageRepository_Delete(t *testing.T) {
	r := setupRepos(t)
	ctx := context.Background()
	_, err := r.rooms.GetOrCreate(ctx, "r1")
	require.NoError(t, err)
	_, err = r.messages.InsertBatch(ctx, []buffer.Message{msg("m1", "r1", time.Now().UTC())})
	require.NoError(t, err)

	deleted, err := r.messages.DeleteMessage(ctx, "m1", "r2")
	require.NoError(t, err)
	assert.False(t, deleted, "room must match")

	deleted, err = r.messages.DeleteMessage(ctx, "m1", "r1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = r.messages.DeleteMessage(ctx, "m1", "r1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestPool_Health(t *testing.T) {
	pc := testutil.NewPostgresContainer(t)
	assert.NoError(t, pc.Pool.Health(context.Background(), time.Second))
}

func TestMigrate_NoChangeIsNotAnError(t *testing.T) {
	pc := testutil.NewPostgresContainer(t)
	first, err := postgres.Migrate(pc.DSN(), testutil.MigrationsDir(), "up", 0)
	require.NoError(t, err)
	assert.True(t, first.Changed)
	assert.EqualValues(t, 1, first.Version)

	again, err := postgres.Migrate(pc.DSN(), testutil.MigrationsDir(), "up", 0)
	require.NoError(t, err)
	assert.False(t, again.Changed)

	_, err = postgres.Migrate(pc.DSN(), testutil.MigrationsDir(), "sideways", 0)
	assert.Error(t, err)
}
