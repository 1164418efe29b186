package chat

import (
	"fmt"
	"strings"
	"time"
)

// SystemSender is the sender ID used for messages generated by the orchestrator.
const SystemSender = "system"

// Kind discriminates message content.
type Kind string

const (
	KindText    Kind = "text"
	KindSystem  Kind = "system"
	KindBooking Kind = "booking"
)

// ParseKind validates a raw kind coming off the wire. An empty kind is
// treated as text, matching documents written before the field existed.
func ParseKind(raw string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(raw))); k {
	case "":
		return KindText, nil
	case KindText, KindSystem, KindBooking:
		return k, nil
	default:
		return "", fmt.Errorf("unknown message kind %q", raw)
	}
}

// Delivery tracks the two-phase lifecycle of locally sent messages.
// Messages received from the channel are always Confirmed.
type Delivery string

const (
	Pending   Delivery = "pending"
	Confirmed Delivery = "confirmed"
	Failed    Delivery = "failed"
)

// Message is a single chat message. Content fields never change after
// creation; only the feed owner updates Delivery.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	SenderName     string
	Body           string
	Kind           Kind
	SentAt         time.Time
	Delivery       Delivery
}

// Before reports whether m sorts before o in the feed's total order:
// SentAt first, ID as tie-break.
func (m Message) Before(o Message) bool {
	if !m.SentAt.Equal(o.SentAt) {
		return m.SentAt.Before(o.SentAt)
	}
	return m.ID < o.ID
}

// IsFromPeer reports whether the message was written by someone other than
// the orchestrator or the local actor.
func (m Message) IsFromPeer(localID string) bool {
	return m.SenderID != SystemSender && m.SenderID != localID
}

// ConversationID derives the room ID shared by a customer and a provider.
func ConversationID(localID, counterpartyID string) string {
	return localID + "_" + counterpartyID
}
