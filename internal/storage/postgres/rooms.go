package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/chatroom/internal/chat"
)

// ErrRoomNotFound is returned when a room lookup yields no results.
var ErrRoomNotFound = errors.New("room not found")

// RoomRepository stores room metadata.
type RoomRepository struct {
	db *pgxpool.Pool
}

var _ chat.RoomStore = (*RoomRepository)(nil)

// NewRoomRepository creates a RoomRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewRoomRepository(db *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{db: db}
}

const roomColumns = `id, name, host_id, description, viewer_count, message_count, is_active, created_at`

func scanRoom(row pgx.Row) (chat.Room, error) {
	var room chat.Room
	err := row.Scan(&room.ID, &room.Name, &room.HostID, &room.Description,
		&room.ViewerCount, &room.MessageCount, &room.IsActive, &room.CreatedAt)
	return room, err
}

// Get retrieves a room by id.
//
// Postcondition: Returns the Room or ErrRoomNotFound.
func (r *RoomRepository) Get(ctx context.Context, roomID string) (chat.Room, error) {
	room, err := scanRoom(r.db.QueryRow(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE id = $1`, roomID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return chat.Room{}, ErrRoomNotFound
		}
		return chat.Room{}, fmt.Errorf("querying room: %w", err)
	}
	return room, nil
}

// GetOrCreate returns the room with id roomID, creating it named after its id
// if it does not exist.
func (r *RoomRepository) GetOrCreate(ctx context.Context, roomID string) (chat.Room, error) {
	room, err := scanRoom(r.db.QueryRow(ctx,
		`INSERT INTO rooms (id, name) VALUES ($1, $1)
		 ON CONFLICT (id) DO UPDATE SET id = rooms.id
		 RETURNING `+roomColumns,
		roomID,
	))
	if err != nil {
		return chat.Room{}, fmt.Errorf("getting or creating room: %w", err)
	}
	return room, nil
}

// Upsert creates room or updates its name, host and description. Counters and
// the active flag are left untouched.
//
// Precondition: room.ID and room.Name must be non-empty.
func (r *RoomRepository) Upsert(ctx context.Context, room chat.Room) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO rooms (id, name, host_id, description)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		 SET name = EXCLUDED.name,
		     host_id = EXCLUDED.host_id,
		     description = EXCLUDED.description,
		     updated_at = NOW()`,
		room.ID, room.Name, room.HostID, room.Description,
	)
	if err != nil {
		return fmt.Errorf("upserting room: %w", err)
	}
	return nil
}

// SetViewerCount records the number of users currently in roomID.
func (r *RoomRepository) SetViewerCount(ctx context.Context, roomID string, count int) error {
	return r.update(ctx, `UPDATE rooms SET viewer_count = $2, updated_at = NOW() WHERE id = $1`, roomID, count)
}

// SetActive records whether roomID currently has viewers.
func (r *RoomRepository) SetActive(ctx context.Context, roomID string, active bool) error {
	return r.update(ctx, `UPDATE rooms SET is_active = $2, updated_at = NOW() WHERE id = $1`, roomID, active)
}

func (r *RoomRepository) update(ctx context.Context, sql, roomID string, value any) error {
	tag, err := r.db.Exec(ctx, sql, roomID, value)
	if err != nil {
		return fmt.Errorf("updating room %s: %w", roomID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRoomNotFound
	}
	return nil
}
