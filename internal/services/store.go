package services

import (
	"context"
	"errors"
	"fmt"

	"chat-realtime/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MessageStore is the system of record for rooms, membership, and persisted
// messages. The engine never bypasses it for authorization decisions.
type MessageStore interface {
	// GetRoomMembership returns the actor ids allowed in the room.
	// ErrRoomNotFound when the room does not exist.
	GetRoomMembership(ctx context.Context, roomID string) ([]string, error)

	// AppendMessage persists a message and fills in CreatedAt.
	AppendMessage(ctx context.Context, msg *models.Message) error

	// GetMessages returns the most recent messages, oldest first.
	GetMessages(ctx context.Context, roomID string, limit int) ([]models.Message, error)

	// RecipientMessageIDs returns ids of messages in the room that were
	// not sent by the actor, oldest first. A non-empty only list restricts
	// the result to ids from that list, which is how callers reject ids
	// that belong to some other room.
	RecipientMessageIDs(ctx context.Context, roomID, actorID string, only []string) ([]string, error)

	// MarkSeen flags the given messages as seen.
	MarkSeen(ctx context.Context, roomID string, messageIDs []string) error
}

// PostgresStore is the single authoritative MessageStore implementation.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) GetRoomMembership(ctx context.Context, roomID string) ([]string, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM rooms WHERE id = $1)`, roomID).Scan(&exists)
	if err != nil {
		return nil, storeErr("check room", err)
	}
	if !exists {
		return nil, ErrRoomNotFound
	}

	rows, err := s.pool.Query(ctx, `SELECT actor_id FROM room_participants WHERE room_id = $1`, roomID)
	if err != nil {
		return nil, storeErr("query membership", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("scan membership", err)
		}
		members = append(members, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("read membership", err)
	}
	return members, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	query := `INSERT INTO messages (id, room, actor_id, username, content) VALUES ($1, $2, $3, $4, $5) RETURNING created_at`
	err := s.pool.QueryRow(ctx, query, msg.ID, msg.Room, msg.ActorID, msg.Username, msg.Content).Scan(&msg.CreatedAt)
	if err != nil {
		return storeErr("append message", err)
	}
	return nil
}

func (s *PostgresStore) GetMessages(ctx context.Context, roomID string, limit int) ([]models.Message, error) {
	query := `SELECT id, room, actor_id, username, content, seen, created_at FROM messages WHERE room = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, query, roomID, limit)
	if err != nil {
		return nil, storeErr("query messages", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.Room, &msg.ActorID, &msg.Username, &msg.Content, &msg.Seen, &msg.CreatedAt); err != nil {
			return nil, storeErr("scan message", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("read messages", err)
	}

	// Reverse to show oldest first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *PostgresStore) RecipientMessageIDs(ctx context.Context, roomID, actorID string, only []string) ([]string, error) {
	query := `SELECT id FROM messages WHERE room = $1 AND actor_id <> $2 ORDER BY created_at`
	args := []interface{}{roomID, actorID}
	if len(only) > 0 {
		query = `SELECT id FROM messages WHERE room = $1 AND actor_id <> $2 AND id = ANY($3) ORDER BY created_at`
		args = append(args, only)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query recipients", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("scan recipients", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("read recipients", err)
	}
	return ids, nil
}

func (s *PostgresStore) MarkSeen(ctx context.Context, roomID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE messages SET seen = true WHERE room = $1 AND id = ANY($2)`, roomID, messageIDs)
	if err != nil {
		return storeErr("mark seen", err)
	}
	return nil
}

// storeErr classifies store failures as dependency outages so callers can
// surface them as retryable. Missing rows stay NotFound.
func storeErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrRoomNotFound)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrDependencyUnavailable, err)
}
