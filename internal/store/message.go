package store

import "time"

// InsertMessage stores a message. Returns false if (conversation_id, msg_id)
// already exists; existing rows are never rewritten.
func (db *DB) InsertMessage(m *Message) (bool, error) {
	res, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, sender_name, body, kind, sent_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO NOTHING`,
		m.ConversationID, m.MsgID, m.SenderID, m.SenderName, m.Body, m.Kind, m.SentAt, time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListMessages returns up to limit most recent messages of a conversation,
// oldest first.
func (db *DB) ListMessages(conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, sender_id, sender_name, body, kind, sent_at
		FROM (
			SELECT * FROM messages
			WHERE conversation_id = ?
			ORDER BY sent_at DESC, msg_id DESC
			LIMIT ?
		)
		ORDER BY sent_at ASC, msg_id ASC`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.SenderID, &m.SenderName, &m.Body, &m.Kind, &m.SentAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
