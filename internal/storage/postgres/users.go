package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/chatroom/internal/admin"
	"github.com/cory-johannsen/chatroom/internal/chat"
)

// ErrInvalidRole is returned when an unrecognised role is supplied.
var ErrInvalidRole = errors.New("invalid role")

// UserRepository stores user accounts, their roles and ban state. It is the
// ban oracle and the user store of the moderation workflow.
type UserRepository struct {
	db *pgxpool.Pool
}

var (
	_ chat.BanOracle  = (*UserRepository)(nil)
	_ admin.UserStore = (*UserRepository)(nil)
)

// NewUserRepository creates a UserRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewUserRepository(db *pgxpool.Pool) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, display_name, role, is_active, is_banned, ban_reason, banned_by, banned_at`

func scanUser(row pgx.Row) (admin.User, error) {
	var (
		u        admin.User
		role     string
		bannedAt *time.Time
	)
	if err := row.Scan(&u.ID, &u.DisplayName, &role, &u.IsActive, &u.Banned, &u.BanReason, &u.BannedBy, &bannedAt); err != nil {
		return admin.User{}, err
	}
	u.Role = chat.Role(role)
	if bannedAt != nil {
		u.BannedAt = *bannedAt
	}
	return u, nil
}

// Upsert creates the user or updates its display name, role and active flag.
// Ban state is left untouched.
//
// Precondition: u.ID and u.DisplayName must be non-empty.
func (r *UserRepository) Upsert(ctx context.Context, u admin.User) error {
	role := u.Role
	if role == "" {
		role = chat.RoleUser
	}
	if !chat.ValidRole(role) {
		return ErrInvalidRole
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO users (id, display_name, role, is_active)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		 SET display_name = EXCLUDED.display_name,
		     role = EXCLUDED.role,
		     is_active = EXCLUDED.is_active`,
		u.ID, u.DisplayName, string(role), u.IsActive,
	)
	if err != nil {
		return fmt.Errorf("upserting user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by id.
//
// Postcondition: Returns the User or admin.ErrUserNotFound.
func (r *UserRepository) GetUser(ctx context.Context, userID string) (admin.User, error) {
	u, err := scanUser(r.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return admin.User{}, admin.ErrUserNotFound
		}
		return admin.User{}, fmt.Errorf("querying user: %w", err)
	}
	return u, nil
}

// IsActiveUser reports whether userID exists and is active. Unknown users are
// inactive.
func (r *UserRepository) IsActiveUser(ctx context.Context, userID string) (bool, error) {
	var active bool
	err := r.db.QueryRow(ctx, `SELECT is_active FROM users WHERE id = $1`, userID).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("querying user status: %w", err)
	}
	return active, nil
}

// BanStatus returns the current ban record of userID. Unknown users are not
// banned.
func (r *UserRepository) BanStatus(ctx context.Context, userID string) (chat.BanStatus, error) {
	u, err := r.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, admin.ErrUserNotFound) {
			return chat.BanStatus{}, nil
		}
		return chat.BanStatus{}, err
	}
	return chat.BanStatus{
		Banned:   u.Banned,
		Reason:   u.BanReason,
		BannedBy: u.BannedBy,
		BannedAt: u.BannedAt,
	}, nil
}

// SetBan marks userID as banned.
//
// Postcondition: the ban fields are set, or admin.ErrUserNotFound is returned.
func (r *UserRepository) SetBan(ctx context.Context, userID, reason, bannedBy string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users
		 SET is_banned = TRUE, ban_reason = $2, banned_by = $3, banned_at = $4
		 WHERE id = $1`,
		userID, reason, bannedBy, at,
	)
	if err != nil {
		return fmt.Errorf("setting ban: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return admin.ErrUserNotFound
	}
	return nil
}

// ClearBan removes the ban on userID and clears its ban fields.
//
// Postcondition: the ban fields are cleared, or admin.ErrUserNotFound is
// returned.
func (r *UserRepository) ClearBan(ctx context.Context, userID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users
		 SET is_banned = FALSE, ban_reason = '', banned_by = '', banned_at = NULL
		 WHERE id = $1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("clearing ban: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return admin.ErrUserNotFound
	}
	return nil
}

// SetRole updates the role of userID.
//
// Precondition: role must satisfy chat.ValidRole.
// Postcondition: the role is updated, or ErrInvalidRole / admin.ErrUserNotFound
// is returned.
func (r *UserRepository) SetRole(ctx context.Context, userID string, role chat.Role) error {
	if !chat.ValidRole(role) {
		return ErrInvalidRole
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE users SET role = $1 WHERE id = $2`,
		string(role), userID,
	)
	if err != nil {
		return fmt.Errorf("updating role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return admin.ErrUserNotFound
	}
	return nil
}
