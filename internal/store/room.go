package store

import (
	"database/sql"
	"time"
)

// UpsertRoom inserts or updates a room record.
func (db *DB) UpsertRoom(r *Room) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO rooms (room_id, name, unread_count, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE rooms.name END,
			unread_count = excluded.unread_count,
			last_message_at = MAX(rooms.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= rooms.last_message_at THEN excluded.last_message_preview ELSE rooms.last_message_preview END,
			updated_at = excluded.updated_at`,
		r.RoomID, r.Name, r.UnreadCount, r.LastMessageAt, r.LastMessagePreview, now)
	return err
}

// IncrementUnread bumps a room's unread count, creating the room if needed.
func (db *DB) IncrementUnread(roomID string, lastMessageAt int64, preview string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO rooms (room_id, unread_count, last_message_at, last_message_preview, updated_at)
		VALUES (?, 1, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			unread_count = rooms.unread_count + 1,
			last_message_at = MAX(rooms.last_message_at, excluded.last_message_at),
			last_message_preview = excluded.last_message_preview,
			updated_at = excluded.updated_at`,
		roomID, lastMessageAt, preview, now)
	return err
}

// MarkRoomRead resets a room's unread count.
func (db *DB) MarkRoomRead(roomID string) error {
	_, err := db.Exec(`UPDATE rooms SET unread_count = 0, updated_at = ? WHERE room_id = ?`,
		time.Now().UnixMilli(), roomID)
	return err
}

// ListRooms returns all rooms sorted by last message timestamp descending.
func (db *DB) ListRooms() ([]Room, error) {
	rows, err := db.Query(`
		SELECT room_id, name, unread_count, last_message_at, last_message_preview
		FROM rooms
		ORDER BY last_message_at DESC, room_id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var rooms []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.RoomID, &r.Name, &r.UnreadCount, &r.LastMessageAt, &r.LastMessagePreview); err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

// GetRoom returns a single room, or nil if it does not exist.
func (db *DB) GetRoom(roomID string) (*Room, error) {
	var r Room
	err := db.QueryRow(`
		SELECT room_id, name, unread_count, last_message_at, last_message_preview
		FROM rooms WHERE room_id = ?`, roomID).
		Scan(&r.RoomID, &r.Name, &r.UnreadCount, &r.LastMessageAt, &r.LastMessagePreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
