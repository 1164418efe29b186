package store

// Room is a conversation the local actor takes part in, with its unread badge count.
type Room struct {
	RoomID             string
	Name               string
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
}

// Message is a persisted chat message of the local channel.
type Message struct {
	ID             int64
	ConversationID string
	MsgID          string
	SenderID       string
	SenderName     string
	Body           string
	Kind           string
	SentAt         int64 // unix millis
}

// OutboxEntry represents an outgoing message waiting for the channel.
type OutboxEntry struct {
	ID             int64
	ClientMsgID    string
	ConversationID string
	SenderID       string
	SenderName     string
	Body           string
	SentAt         int64
	Status         string // queued, sending, sent, failed
	Attempts       int
	ErrorMessage   string
	ServerMsgID    string
}

// DeliveryStat is one (kind, day) bucket of delivered notifications.
type DeliveryStat struct {
	Kind  string
	Day   string
	Count int
}
