package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/npezzotti/go-voicechat/internal/types"
)

const (
	defaultMessageLimit = 20
	maxMessageLimit     = 100

	// largest value of the integer seq_id column
	maxSeqId = 1<<31 - 1
)

const roomColumns = "id, external_id, name, description, passcode_hash, created_by, seq_id, created_at, updated_at"

func scanRoom(row interface{ Scan(...any) error }) (Room, error) {
	var room Room
	err := row.Scan(
		&room.Id,
		&room.ExternalId,
		&room.Name,
		&room.Description,
		&room.PasscodeHash,
		&room.CreatedBy,
		&room.SeqId,
		&room.CreatedAt,
		&room.UpdatedAt,
	)

	return room, err
}

func (db *PgVoiceChatRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, error) {
	now := time.Now().UTC()

	var passcodeHash sql.NullString
	if params.PasscodeHash != "" {
		passcodeHash = sql.NullString{String: params.PasscodeHash, Valid: true}
	}

	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO rooms (external_id, name, description, passcode_hash, created_by, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $6) RETURNING "+roomColumns,
		params.ExternalId,
		params.Name,
		params.Description,
		passcodeHash,
		params.CreatedBy,
		now,
	)

	return scanRoom(row)
}

func (db *PgVoiceChatRepository) GetRoomByExternalId(ctx context.Context, externalId string) (Room, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+roomColumns+" FROM rooms WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	return scanRoom(row)
}

func (db *PgVoiceChatRepository) ListRooms(ctx context.Context) ([]Room, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+roomColumns+" FROM rooms ORDER BY updated_at DESC",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := make([]Room, 0)
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}

		rooms = append(rooms, room)
	}

	return rooms, rows.Err()
}

func (db *PgVoiceChatRepository) DeleteRoom(ctx context.Context, id int) error {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM rooms WHERE id = $1", id)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}

	return nil
}

// CreateMessage stores a message under the room's next sequence id. The
// room row is locked by the update so concurrent writers get distinct ids.
func (db *PgVoiceChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var seqId int
	err = tx.QueryRowContext(ctx,
		"UPDATE rooms SET seq_id = seq_id + 1, updated_at = $2 WHERE id = $1 RETURNING seq_id",
		params.RoomId,
		createdAt,
	).Scan(&seqId)
	if err != nil {
		return Message{}, fmt.Errorf("increment seq id: %w", err)
	}

	var audioMs sql.NullInt64
	if params.AudioMs > 0 {
		audioMs = sql.NullInt64{Int64: int64(params.AudioMs), Valid: true}
	}

	msg := Message{
		SeqId:     seqId,
		RoomId:    params.RoomId,
		Role:      params.Role,
		Content:   params.Content,
		SessionId: params.SessionId,
		AudioMs:   audioMs,
		CreatedAt: createdAt,
	}

	err = tx.QueryRowContext(ctx,
		"INSERT INTO messages (room_id, seq_id, role, content, session_id, audio_ms, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id",
		msg.RoomId,
		msg.SeqId,
		string(msg.Role),
		msg.Content,
		msg.SessionId,
		msg.AudioMs,
		msg.CreatedAt,
	).Scan(&msg.Id)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit: %w", err)
	}

	return msg, nil
}

func (db *PgVoiceChatRepository) UpdateMessageAudio(ctx context.Context, messageId, audioMs int) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET audio_ms = $2 WHERE id = $1",
		messageId,
		audioMs,
	)

	return err
}

// GetMessages returns messages with after < seq_id < before, newest first.
func (db *PgVoiceChatRepository) GetMessages(ctx context.Context, params GetMessagesParams) ([]Message, error) {
	// nothing sorts after the largest seq id
	if params.After >= maxSeqId {
		return []Message{}, nil
	}

	var upper, lower int = maxSeqId, 0
	if params.Before > 0 {
		upper = params.Before - 1
	}

	if params.After > 0 {
		lower = params.After + 1
	}

	limit := params.Limit
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, seq_id, room_id, role, content, session_id, audio_ms, created_at FROM messages "+
			"WHERE room_id = $1 AND seq_id BETWEEN $2 AND $3 ORDER BY seq_id DESC LIMIT $4",
		params.RoomId,
		lower,
		upper,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows, limit)
}

// GetRecentMessages returns the last n messages of a room, oldest first.
func (db *PgVoiceChatRepository) GetRecentMessages(ctx context.Context, roomId, n int) ([]Message, error) {
	if n <= 0 {
		return []Message{}, nil
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, seq_id, room_id, role, content, session_id, audio_ms, created_at FROM ("+
			"SELECT * FROM messages WHERE room_id = $1 ORDER BY seq_id DESC LIMIT $2"+
			") recent ORDER BY seq_id ASC",
		roomId,
		n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows, n)
}

func scanMessages(rows *sql.Rows, capacity int) ([]Message, error) {
	messages := make([]Message, 0, capacity)
	for rows.Next() {
		var (
			msg  Message
			role string
		)
		if err := rows.Scan(
			&msg.Id,
			&msg.SeqId,
			&msg.RoomId,
			&role,
			&msg.Content,
			&msg.SessionId,
			&msg.AudioMs,
			&msg.CreatedAt,
		); err != nil {
			return nil, err
		}

		msg.Role = types.Role(role)
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}
