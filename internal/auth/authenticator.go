package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/cory-johannsen/chatroom/internal/admin"
	"github.com/cory-johannsen/chatroom/internal/chat"
)

// ErrUnknownUser is returned when a valid token names a user that does not
// exist.
var ErrUnknownUser = errors.New("unknown user")

// Directory looks up accounts.
type Directory interface {
	GetUser(ctx context.Context, userID string) (admin.User, error)
	IsActiveUser(ctx context.Context, userID string) (bool, error)
}

// Authenticator resolves access tokens to identities using the stored
// account for role and display name.
type Authenticator struct {
	verifier  *Verifier
	directory Directory
}

var _ chat.Authenticator = (*Authenticator)(nil)

// NewAuthenticator creates an Authenticator.
//
// Precondition: verifier and directory must be non-nil.
func NewAuthenticator(verifier *Verifier, directory Directory) *Authenticator {
	return &Authenticator{verifier: verifier, directory: directory}
}

// Verify returns the identity token was issued to. The stored display name
// wins over the token's name claim.
func (a *Authenticator) Verify(ctx context.Context, token string) (chat.Identity, error) {
	claims, err := a.verifier.Verify(token)
	if err != nil {
		return chat.Identity{}, err
	}

	user, err := a.directory.GetUser(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, admin.ErrUserNotFound) {
			return chat.Identity{}, ErrUnknownUser
		}
		return chat.Identity{}, fmt.Errorf("loading user %s: %w", claims.UserID, err)
	}

	name := user.DisplayName
	if name == "" {
		name = claims.DisplayName
	}
	return chat.Identity{
		UserID:      claims.UserID,
		DisplayName: name,
		Role:        user.Role,
	}, nil
}

// IsActiveUser reports whether userID exists and is active.
func (a *Authenticator) IsActiveUser(ctx context.Context, userID string) (bool, error) {
	return a.directory.IsActiveUser(ctx, userID)
}
