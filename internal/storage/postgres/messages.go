package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/chatroom/internal/admin"
	"github.com/cory-johannsen/chatroom/internal/buffer"
	"github.com/cory-johannsen/chatroom/internal/chat"
)

// MessageRepository stores chat messages.
type MessageRepository struct {
	db *pgxpool.Pool
}

var (
	_ buffer.Store       = (*MessageRepository)(nil)
	_ admin.MessageStore = (*MessageRepository)(nil)
	_ chat.HistoryStore  = (*MessageRepository)(nil)
)

// NewMessageRepository creates a MessageRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewMessageRepository(db *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{db: db}
}

const insertMessageSQL = `
	INSERT INTO messages (id, room_id, user_id, display_name, body, kind, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (id) DO NOTHING
`

func insertArgs(m buffer.Message) []any {
	return []any{m.ID, m.RoomID, m.UserID, m.DisplayName, m.Body, string(m.Kind), m.CreatedAt}
}

// InsertBatch stores msgs and bumps the message count of each room. Messages
// already stored are skipped, so a retried batch never duplicates rows or
// inflates room message counts.
//
// The batch is first written in a single transaction. If the database refuses
// a row for its content (a data exception or integrity violation), the batch
// is rewritten one row per savepoint so the acceptable rows are still stored
// and each refused row is reported as a rejection.
//
// Postcondition: on a nil error every message not rejected is stored and
// counted. On a non-nil error no message outside the rejections was stored.
func (r *MessageRepository) InsertBatch(ctx context.Context, msgs []buffer.Message) ([]buffer.Rejection, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	err := r.insertAll(ctx, msgs)
	if err == nil || !isRowRejection(err) {
		return nil, err
	}
	return r.insertEach(ctx, msgs)
}

func (r *MessageRepository) insertAll(ctx context.Context, msgs []buffer.Message) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning message batch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	inserted, err := insertMessages(ctx, tx, msgs)
	if err != nil {
		return err
	}
	if err := bumpMessageCounts(ctx, tx, inserted); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing message batch: %w", err)
	}
	return nil
}

// insertEach writes every message under its own savepoint, skipping the ones
// the database refuses.
func (r *MessageRepository) insertEach(ctx context.Context, msgs []buffer.Message) ([]buffer.Rejection, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning message batch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var rejected []buffer.Rejection
	inserted := make(map[string]int64)
	for _, m := range msgs {
		sp, err := tx.Begin(ctx)
		if err != nil {
			return rejected, fmt.Errorf("opening savepoint for message %s: %w", m.ID, err)
		}
		ct, err := sp.Exec(ctx, insertMessageSQL, insertArgs(m)...)
		if err != nil {
			_ = sp.Rollback(ctx)
			if !isRowRejection(err) {
				return rejected, fmt.Errorf("inserting message %s: %w", m.ID, err)
			}
			rejected = append(rejected, buffer.Rejection{Message: m, Err: err})
			continue
		}
		if err := sp.Commit(ctx); err != nil {
			return rejected, fmt.Errorf("releasing savepoint for message %s: %w", m.ID, err)
		}
		inserted[m.RoomID] += ct.RowsAffected()
	}

	if err := bumpMessageCounts(ctx, tx, inserted); err != nil {
		return rejected, err
	}
	if err := tx.Commit(ctx); err != nil {
		return rejected, fmt.Errorf("committing message batch: %w", err)
	}
	return rejected, nil
}

// isRowRejection reports whether err is the database refusing a row for its
// content: SQLSTATE class 22 (data exception) or 23 (integrity constraint
// violation). Retrying such a row can never succeed.
func isRowRejection(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || len(pgErr.Code) < 2 {
		return false
	}
	switch pgErr.Code[:2] {
	case "22", "23":
		return true
	}
	return false
}

// insertMessages queues one insert per message and returns how many rows
// were new, per room.
func insertMessages(ctx context.Context, tx pgx.Tx, msgs []buffer.Message) (map[string]int64, error) {
	batch := &pgx.Batch{}
	for _, m := range msgs {
		batch.Queue(insertMessageSQL, insertArgs(m)...)
	}

	results := tx.SendBatch(ctx, batch)
	defer results.Close()

	inserted := make(map[string]int64)
	for _, m := range msgs {
		ct, err := results.Exec()
		if err != nil {
			return nil, fmt.Errorf("inserting message %s: %w", m.ID, err)
		}
		inserted[m.RoomID] += ct.RowsAffected()
	}
	if err := results.Close(); err != nil {
		return nil, fmt.Errorf("closing message batch: %w", err)
	}
	return inserted, nil
}

func bumpMessageCounts(ctx context.Context, tx pgx.Tx, inserted map[string]int64) error {
	batch := &pgx.Batch{}
	for roomID, n := range inserted {
		if n == 0 {
			continue
		}
		batch.Queue(
			`UPDATE rooms SET message_count = message_count + $2, updated_at = NOW() WHERE id = $1`,
			roomID, n,
		)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("updating room message counts: %w", err)
	}
	return nil
}

// DeleteMessage removes a stored message.
//
// Postcondition: Returns true if a row was deleted.
func (r *MessageRepository) DeleteMessage(ctx context.Context, messageID, roomID string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM messages WHERE id = $1 AND room_id = $2`,
		messageID, roomID,
	)
	if err != nil {
		return false, fmt.Errorf("deleting message: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Recent returns up to limit stored messages of roomID, newest first.
func (r *MessageRepository) Recent(ctx context.Context, roomID string, limit int) ([]buffer.Message, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, room_id, user_id, display_name, body, kind, created_at
		 FROM messages
		 WHERE room_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		roomID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying recent messages: %w", err)
	}
	defer rows.Close()

	var out []buffer.Message
	for rows.Next() {
		var (
			m    buffer.Message
			kind string
		)
		if err := rows.Scan(&m.ID, &m.RoomID, &m.UserID, &m.DisplayName, &m.Body, &kind, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Kind = buffer.Kind(kind)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return out, nil
}
