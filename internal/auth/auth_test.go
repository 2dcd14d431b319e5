package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/chatroom/internal/admin"
	"github.com/cory-johannsen/chatroom/internal/chat"
)

const secret = "0123456789abcdef0123"

func fixedVerifier(issuer string, at time.Time) *Verifier {
	return signedVerifier(secret, issuer, at)
}

func signedVerifier(key, issuer string, at time.Time) *Verifier {
	v := NewVerifier(key, issuer)
	v.now = func() time.Time { return at }
	return v
}

var epoch = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func TestVerifier_RoundTrip(t *testing.T) {
	v := fixedVerifier("chatroom", epoch)
	token, err := v.Issue("u1", "Alice", time.Hour)
	require.NoError(t, err)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "Alice", claims.DisplayName)
	assert.Equal(t, epoch.Add(time.Hour), claims.ExpiresAt)
}

func TestVerifier_Rejects(t *testing.T) {
	v := fixedVerifier("chatroom", epoch)
	good, err := v.Issue("u1", "Alice", time.Hour)
	require.NoError(t, err)

	forged, err := signedVerifier("another-secret-entirely", "chatroom", epoch).Issue("u1", "Alice", time.Hour)
	require.NoError(t, err)

	otherIssuer, err := fixedVerifier("elsewhere", epoch).Issue("u1", "Alice", time.Hour)
	require.NoError(t, err)

	noSubject, err := v.Issue("", "Alice", time.Hour)
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(epoch.Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "  ", ErrMissingToken},
		{"garbage", "not-a-jwt", ErrInvalidToken},
		{"forged", forged, ErrInvalidToken},
		{"issuer mismatch", otherIssuer, ErrInvalidToken},
		{"no subject", noSubject, ErrInvalidToken},
		{"alg none", unsigned, ErrInvalidToken},
		{"tampered", good + "x", ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestVerifier_Expired(t *testing.T) {
	issuer := fixedVerifier("", epoch)
	token, err := issuer.Issue("u1", "Alice", time.Minute)
	require.NoError(t, err)

	_, err = fixedVerifier("", epoch.Add(2*time.Minute)).Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

// Property: every issued, unexpired token verifies to the subject it was issued for.
func TestPropertyIssuedTokensVerify(t *testing.T) {
	v := fixedVerifier("chatroom", epoch)
	rapid.Check(t, func(rt *rapid.T) {
		id := rapid.StringMatching(`[a-z0-9-]{1,36}`).Draw(rt, "id")
		name := rapid.StringMatching(`[A-Za-z ]{0,20}`).Draw(rt, "name")
		ttl := time.Duration(rapid.IntRange(1, 86400).Draw(rt, "ttl")) * time.Second

		token, err := v.Issue(id, name, ttl)
		if err != nil {
			rt.Fatalf("Issue: %v", err)
		}
		claims, err := v.Verify(token)
		if err != nil {
			rt.Fatalf("Verify: %v", err)
		}
		if claims.UserID != id || claims.DisplayName != name {
			rt.Fatalf("got %+v, want %q/%q", claims, id, name)
		}
	})
}

type memDirectory struct {
	users map[string]admin.User
	err   error
}

func (d *memDirectory) GetUser(_ context.Context, userID string) (admin.User, error) {
	if d.err != nil {
		return admin.User{}, d.err
	}
	u, ok := d.users[userID]
	if !ok {
		return admin.User{}, admin.ErrUserNotFound
	}
	return u, nil
}

func (d *memDirectory) IsActiveUser(_ context.Context, userID string) (bool, error) {
	u, ok := d.users[userID]
	return ok && u.IsActive, d.err
}

func TestAuthenticator(t *testing.T) {
	v := fixedVerifier("", epoch)
	dir := &memDirectory{users: map[string]admin.User{
		"u1": {ID: "u1", DisplayName: "Alice", Role: chat.RoleModerator, IsActive: true},
		"u2": {ID: "u2", Role: chat.RoleUser},
	}}
	a := NewAuthenticator(v, dir)
	ctx := context.Background()

	token, err := v.Issue("u1", "Claimed", time.Hour)
	require.NoError(t, err)
	id, err := a.Verify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, chat.Identity{UserID: "u1", DisplayName: "Alice", Role: chat.RoleModerator}, id)

	token, err = v.Issue("u2", "Bob", time.Hour)
	require.NoError(t, err)
	id, err = a.Verify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "Bob", id.DisplayName, "falls back to the name claim")

	active, err := a.IsActiveUser(ctx, "u2")
	require.NoError(t, err)
	assert.False(t, active)

	token, err = v.Issue("ghost", "", time.Hour)
	require.NoError(t, err)
	_, err = a.Verify(ctx, token)
	assert.ErrorIs(t, err, ErrUnknownUser)

	dir.err = errors.New("db down")
	_, err = a.Verify(ctx, token)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownUser)
}
