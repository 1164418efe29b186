package realtime

import (
	"context"
	"fmt"
	"time"
)

// EventType is the document operation carried by a pushed record.
type EventType string

const (
	EventCreate EventType = "create"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Record is a chat message document as stored by the backend. Fields are
// raw; validation into chat.Message happens in the synchronizer.
type Record struct {
	Event          EventType `json:"event,omitempty"`
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	Body           string    `json:"body"`
	Kind           string    `json:"kind"`
	SentAt         time.Time `json:"sent_at"`
}

// Ack confirms a record was persisted by the backend.
type Ack struct {
	ID         string
	ReceivedAt time.Time
}

// Stream is a live subscription to a conversation.
type Stream interface {
	// Done is closed when the transport drops or Close is called.
	Done() <-chan struct{}
	Close() error
}

// Channel is the real-time document service holding conversations.
type Channel interface {
	Subscribe(ctx context.Context, conversationID string, onEvent func(Record)) (Stream, error)
	ListInitial(ctx context.Context, conversationID string) ([]Record, error)
	Send(ctx context.Context, rec Record) (Ack, error)
}

// TransportError reports a subscribe/list/send failure against the backend.
// Callers retry these silently.
type TransportError struct {
	Op             string
	ConversationID string
	Err            error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("realtime %s %s: %v", e.Op, e.ConversationID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
