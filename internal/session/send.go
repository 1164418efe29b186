package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/chatbook/internal/bus"
	"github.com/matheus3301/chatbook/internal/chat"
	"github.com/matheus3301/chatbook/internal/outbox"
	"go.uber.org/zap"
)

// SendMessage appends body as a pending message and hands it to the
// outbox. A message the outbox cannot accept is marked failed and stays
// in the feed.
func (m *Machine) SendMessage(body string) (chat.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return chat.Message{}, ErrEmptyMessage
	}

	m.mu.Lock()
	if !m.s.IsOpen {
		m.mu.Unlock()
		return chat.Message{}, ErrNoSession
	}
	name := m.cfg.LocalName
	if m.s.Customer.Name != "" {
		name = m.s.Customer.Name
	}
	msg := chat.Message{
		ID:             m.newID(),
		ConversationID: m.s.ConversationID(m.cfg.LocalID),
		SenderID:       m.cfg.LocalID,
		SenderName:     name,
		Body:           body,
		Kind:           chat.KindText,
		SentAt:         m.now().Truncate(time.Millisecond),
		Delivery:       chat.Pending,
	}
	m.feed.Insert(msg)
	m.mu.Unlock()

	m.publishEvent(bus.KindMessageAppended, msg)
	if err := m.enqueue(msg); err != nil {
		msg.Delivery = chat.Failed
		return msg, err
	}
	m.publish()
	return msg, nil
}

func (m *Machine) enqueue(msg chat.Message) error {
	var err error
	if m.outbox == nil {
		err = fmt.Errorf("no outbox configured")
	} else {
		err = m.outbox.Enqueue(msg)
	}
	if err != nil {
		m.logger.Error("failed to queue message", zap.String("msg_id", msg.ID), zap.Error(err))
		m.MarkDelivery(msg.ID, chat.Failed)
		return fmt.Errorf("queue message: %w", err)
	}
	return nil
}

// MarkDelivery sets the delivery state of a feed message.
func (m *Machine) MarkDelivery(id string, d chat.Delivery) bool {
	m.mu.Lock()
	ok := m.feed != nil && m.feed.SetDelivery(id, d)
	m.mu.Unlock()
	if ok {
		m.publish()
	}
	return ok
}

// Retry re-sends a failed message.
func (m *Machine) Retry(id string) error {
	m.mu.Lock()
	msg, err := m.failedLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.feed.SetDelivery(id, chat.Pending)
	msg.Delivery = chat.Pending
	m.mu.Unlock()

	if err := m.enqueue(msg); err != nil {
		return err
	}
	m.publish()
	return nil
}

// Discard removes a failed message from the feed and the outbox.
func (m *Machine) Discard(id string) error {
	m.mu.Lock()
	if _, err := m.failedLocked(id); err != nil {
		m.mu.Unlock()
		return err
	}
	m.feed.Remove(id)
	m.mu.Unlock()

	if m.outbox != nil {
		if err := m.outbox.Discard(id); err != nil {
			m.logger.Warn("failed to discard outbox entry", zap.String("msg_id", id), zap.Error(err))
		}
	}
	m.publish()
	return nil
}

func (m *Machine) failedLocked(id string) (chat.Message, error) {
	if m.feed == nil {
		return chat.Message{}, ErrNoSession
	}
	msg, ok := m.feed.Get(id)
	if !ok {
		return chat.Message{}, fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	if msg.Delivery != chat.Failed {
		return chat.Message{}, fmt.Errorf("message %s is %s, not failed", id, msg.Delivery)
	}
	return msg, nil
}

// WatchDelivery applies outbox results to the feed until ctx is done. It blocks.
func (m *Machine) WatchDelivery(ctx context.Context, b *bus.Bus) {
	ch, unsub := b.Subscribe("message.send_", 64)
	defer unsub()
	for {
		select {
		case evt := <-ch:
			res, ok := evt.Payload.(outbox.Result)
			if !ok {
				continue
			}
			switch evt.Kind {
			case bus.KindSendAck:
				m.MarkDelivery(res.ClientMsgID, chat.Confirmed)
			case bus.KindSendFailed:
				m.MarkDelivery(res.ClientMsgID, chat.Failed)
			}
		case <-ctx.Done():
			return
		}
	}
}
