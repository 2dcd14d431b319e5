package admin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/chatroom/internal/chat"
)

type memUsers struct {
	mu    sync.Mutex
	users map[string]User
	err   error
}

func (m *memUsers) GetUser(_ context.Context, userID string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

func (m *memUsers) SetBan(_ context.Context, userID, reason, bannedBy string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	u := m.users[userID]
	u.Banned, u.BanReason, u.BannedBy, u.BannedAt = true, reason, bannedBy, at
	m.users[userID] = u
	return nil
}

func (m *memUsers) ClearBan(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[userID]
	u.Banned, u.BanReason, u.BannedBy, u.BannedAt = false, "", "", time.Time{}
	m.users[userID] = u
	return nil
}

type memMessages struct {
	stored map[string]bool
	err    error
}

func (m *memMessages) DeleteMessage(_ context.Context, messageID, _ string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	found := m.stored[messageID]
	delete(m.stored, messageID)
	return found, nil
}

type memCache struct {
	ids map[string]bool
}

func (m *memCache) Delete(id, _ string) bool {
	found := m.ids[id]
	delete(m.ids, id)
	return found
}

type sent struct {
	target    string
	frameType string
	payload   any
}

type recordingNotifier struct {
	disconnected []chat.BanNotice
	sent         []sent
}

func (n *recordingNotifier) DisconnectUser(userID string, notice chat.BanNotice) int {
	n.disconnected = append(n.disconnected, notice)
	return 1
}

func (n *recordingNotifier) NotifyModerators(frameType string, payload any) {
	n.sent = append(n.sent, sent{target: "moderators", frameType: frameType, payload: payload})
}

func (n *recordingNotifier) BroadcastRoom(roomID, frameType string, payload any) {
	n.sent = append(n.sent, sent{target: roomID, frameType: frameType, payload: payload})
}

var _ Notifier = (*chat.Server)(nil)

var (
	moderator = chat.Identity{UserID: "mod1", DisplayName: "Mod", Role: chat.RoleModerator}
	admin     = chat.Identity{UserID: "adm1", DisplayName: "Admin", Role: chat.RoleAdmin}
	plainUser = chat.Identity{UserID: "u2", DisplayName: "Bob", Role: chat.RoleUser}
)

type fixture struct {
	coord    *Coordinator
	users    *memUsers
	messages *memMessages
	cache    *memCache
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		users: &memUsers{users: map[string]User{
			"u1":   {ID: "u1", DisplayName: "Alice", Role: chat.RoleUser, IsActive: true},
			"adm1": {ID: "adm1", DisplayName: "Admin", Role: chat.RoleAdmin, IsActive: true},
			"adm2": {ID: "adm2", DisplayName: "Admin2", Role: chat.RoleAdmin, IsActive: true},
		}},
		messages: &memMessages{stored: map[string]bool{"stored": true}},
		cache:    &memCache{ids: map[string]bool{"cached": true}},
		notifier: &recordingNotifier{},
	}
	f.coord = NewCoordinator(f.users, f.messages, f.cache, f.notifier, zaptest.NewLogger(t))
	f.coord.now = func() time.Time { return time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC) }
	return f
}

func TestBanUser(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.coord.BanUser(context.Background(), "u1", "spam", moderator))

	u, _ := f.users.GetUser(context.Background(), "u1")
	assert.True(t, u.Banned)
	assert.Equal(t, "spam", u.BanReason)
	assert.Equal(t, "mod1", u.BannedBy)

	require.Len(t, f.notifier.disconnected, 1)
	assert.Equal(t, "u1", f.notifier.disconnected[0].UserID)
	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, "moderators", f.notifier.sent[0].target)
	assert.Equal(t, chat.TypeAdminUserBanned, f.notifier.sent[0].frameType)
}

func TestBanUser_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.coord.BanUser(ctx, "u1", "", plainUser), ErrForbidden)
	assert.ErrorIs(t, f.coord.BanUser(ctx, "nobody", "", moderator), ErrUserNotFound)
	assert.ErrorIs(t, f.coord.BanUser(ctx, "adm1", "", moderator), ErrForbidden)

	require.NoError(t, f.coord.BanUser(ctx, "u1", "", moderator))
	assert.ErrorIs(t, f.coord.BanUser(ctx, "u1", "", moderator), ErrAlreadyBanned)
	assert.Empty(t, f.notifier.disconnected[1:])
}

func TestBanUser_AdminMayBanAdmin(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.coord.BanUser(context.Background(), "adm2", "", admin))
}

func TestBanUser_StoreFailureNotifiesNobody(t *testing.T) {
	f := newFixture(t)
	f.users.err = errors.New("db down")

	err := f.coord.BanUser(context.Background(), "u1", "spam", moderator)
	require.Error(t, err)
	assert.Empty(t, f.notifier.disconnected)
	assert.Empty(t, f.notifier.sent)
}

func TestBanUser_ErrorsCarryProtocolCodes(t *testing.T) {
	f := newFixture(t)
	err := f.coord.BanUser(context.Background(), "nobody", "", moderator)

	var chatErr *chat.Error
	require.ErrorAs(t, err, &chatErr)
	assert.Equal(t, chat.CodeNotFound, chatErr.Code)
}

func TestUnbanUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.coord.UnbanUser(ctx, "u1", moderator), ErrNotBanned)
	require.NoError(t, f.coord.BanUser(ctx, "u1", "spam", moderator))
	require.NoError(t, f.coord.UnbanUser(ctx, "u1", moderator))

	u, _ := f.users.GetUser(ctx, "u1")
	assert.False(t, u.Banned)
	assert.Empty(t, u.BanReason)

	last := f.notifier.sent[len(f.notifier.sent)-1]
	assert.Equal(t, chat.TypeAdminUserUnbanned, last.frameType)
	assert.Equal(t, chat.UnbanNotice{UserID: "u1", UnbannedBy: "mod1"}, last.payload)

	assert.ErrorIs(t, f.coord.UnbanUser(ctx, "u1", plainUser), ErrForbidden)
	assert.ErrorIs(t, f.coord.UnbanUser(ctx, "nobody", moderator), ErrUserNotFound)
}

func TestDeleteMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.coord.DeleteMessage(ctx, "cached", "r1", moderator))
	require.NoError(t, f.coord.DeleteMessage(ctx, "stored", "r1", moderator))
	assert.ErrorIs(t, f.coord.DeleteMessage(ctx, "missing", "r1", moderator), ErrMessageNotFound)
	assert.ErrorIs(t, f.coord.DeleteMessage(ctx, "cached", "r1", plainUser), ErrForbidden)

	require.Len(t, f.notifier.sent, 2)
	assert.Equal(t, "r1", f.notifier.sent[0].target)
	assert.Equal(t, chat.TypeMessageDeleted, f.notifier.sent[0].frameType)
}

func TestDeleteMessage_StoreFailure(t *testing.T) {
	f := newFixture(t)
	f.messages.err = errors.New("db down")
	ctx := context.Background()

	require.NoError(t, f.coord.DeleteMessage(ctx, "cached", "r1", moderator), "a cached hit still counts")
	err := f.coord.DeleteMessage(ctx, "stored", "r1", moderator)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMessageNotFound)
}
