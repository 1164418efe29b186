package store

import (
	"fmt"
	"time"
)

// QueueOutbox adds a message to the send outbox. Re-queueing an existing
// client message ID (an explicit retry) resets it to queued.
func (db *DB) QueueOutbox(e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, conversation_id, sender_id, sender_name, body, sent_at, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'queued', 0, ?, ?)
		ON CONFLICT(client_msg_id) DO UPDATE SET
			status = 'queued',
			attempts = 0,
			error_message = '',
			updated_at = excluded.updated_at`,
		e.ClientMsgID, e.ConversationID, e.SenderID, e.SenderName, e.Body, e.SentAt, now, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the server message ID.
func (db *DB) MarkOutboxSent(clientMsgID, serverMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_msg_id = ?, updated_at = ? WHERE client_msg_id = ?`, serverMsgID, now, clientMsgID)
	return err
}

// RequeueOutbox records a failed attempt and puts the entry back in the queue.
func (db *DB) RequeueOutbox(clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'queued', attempts = attempts + 1, error_message = ?, updated_at = ? WHERE client_msg_id = ?`, errMsg, now, clientMsgID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', attempts = attempts + 1, error_message = ?, updated_at = ? WHERE client_msg_id = ?`, errMsg, now, clientMsgID)
	return err
}

// RequeueStaleOutbox puts entries left in 'sending' by an interrupted run
// back in the queue and returns how many were reset.
func (db *DB) RequeueStaleOutbox() (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE outbox SET status = 'queued', updated_at = ? WHERE status = 'sending'`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteOutbox removes an entry; used when a failed send is discarded.
func (db *DB) DeleteOutbox(clientMsgID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE client_msg_id = ?`, clientMsgID)
	return err
}

// PendingOutbox returns outbox entries that are still queued.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	return db.outboxByStatus("queued")
}

// FailedOutbox returns entries that exhausted their attempts.
func (db *DB) FailedOutbox() ([]OutboxEntry, error) {
	return db.outboxByStatus("failed")
}

func (db *DB) outboxByStatus(status string) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, conversation_id, sender_id, sender_name, body, sent_at, status, attempts, error_message, server_msg_id
		FROM outbox WHERE status = ? ORDER BY created_at ASC, id ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.ConversationID, &e.SenderID, &e.SenderName, &e.Body, &e.SentAt, &e.Status, &e.Attempts, &e.ErrorMessage, &e.ServerMsgID); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
