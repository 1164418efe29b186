package notify

import (
	"context"

	"github.com/matheus3301/chatbook/internal/chat"
)

// MessageAlerter raises a low-priority chat notification for incoming
// peer messages.
type MessageAlerter struct {
	d *Dispatcher
}

// NewMessageAlerter creates an alerter dispatching through d.
func NewMessageAlerter(d *Dispatcher) *MessageAlerter {
	return &MessageAlerter{d: d}
}

// Alert dispatches a chat notification for msg.
func (a *MessageAlerter) Alert(msg chat.Message) {
	a.d.Dispatch(context.Background(), ChatMessage(msg.SenderName, msg.Body, msg.ConversationID))
}
