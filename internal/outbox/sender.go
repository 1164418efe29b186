package outbox

import (
	"context"
	"time"

	"github.com/matheus3301/chatbook/internal/bus"
	"github.com/matheus3301/chatbook/internal/chat"
	"github.com/matheus3301/chatbook/internal/realtime"
	"github.com/matheus3301/chatbook/internal/store"
	"go.uber.org/zap"
)

// Channel is the part of the realtime channel the sender needs.
type Channel interface {
	Send(ctx context.Context, rec realtime.Record) (realtime.Ack, error)
}

// Result is the payload of send_ack and send_failed events.
type Result struct {
	ClientMsgID    string
	ConversationID string
	ServerMsgID    string
	Error          string
}

// Config tunes the sender.
type Config struct {
	PollInterval time.Duration
	// MaxAttempts is how many transport failures a message absorbs before
	// it is reported as failed.
	MaxAttempts int
}

// Sender drains the outbox into the realtime channel. Transport errors are
// retried silently; only exhausted messages surface as send_failed.
type Sender struct {
	db      *store.DB
	channel Channel
	bus     *bus.Bus
	cfg     Config
	logger  *zap.Logger
	cancel  context.CancelFunc
	kick    chan struct{}
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, ch Channel, b *bus.Bus, cfg Config, logger *zap.Logger) *Sender {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		db:      db,
		channel: ch,
		bus:     b,
		cfg:     cfg,
		logger:  logger,
		kick:    make(chan struct{}, 1),
	}
}

// Enqueue stores an optimistic message for delivery. Enqueueing the same
// message again resets its attempts, which is how an explicit retry works.
func (s *Sender) Enqueue(m chat.Message) error {
	err := s.db.QueueOutbox(&store.OutboxEntry{
		ClientMsgID:    m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		Body:           m.Body,
		SentAt:         m.SentAt.UnixMilli(),
	})
	if err != nil {
		return err
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
	return nil
}

// Discard drops a message from the outbox.
func (s *Sender) Discard(clientMsgID string) error {
	return s.db.DeleteOutbox(clientMsgID)
}

// Failed lists the messages that exhausted their send attempts.
func (s *Sender) Failed() ([]store.OutboxEntry, error) {
	return s.db.FailedOutbox()
}

// Start begins polling the outbox for pending messages.
func (s *Sender) Start(ctx context.Context) {
	if n, err := s.db.RequeueStaleOutbox(); err != nil {
		s.logger.Error("failed to requeue stale outbox entries", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("requeued interrupted sends", zap.Int64("count", n))
	}
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-s.kick:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}

		ack, err := s.channel.Send(ctx, realtime.Record{
			Event:          realtime.EventCreate,
			ID:             entry.ClientMsgID,
			ConversationID: entry.ConversationID,
			SenderID:       entry.SenderID,
			SenderName:     entry.SenderName,
			Body:           entry.Body,
			Kind:           string(chat.KindText),
			SentAt:         time.UnixMilli(entry.SentAt),
		})
		if err != nil {
			s.handleFailure(entry, err)
			continue
		}

		if err := s.db.MarkOutboxSent(entry.ClientMsgID, ack.ID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}
		s.logger.Info("message sent", zap.String("client_msg_id", entry.ClientMsgID), zap.String("server_msg_id", ack.ID))
		s.bus.Publish(bus.NewEvent(bus.KindSendAck, Result{
			ClientMsgID:    entry.ClientMsgID,
			ConversationID: entry.ConversationID,
			ServerMsgID:    ack.ID,
		}))
	}
}

func (s *Sender) handleFailure(entry store.OutboxEntry, sendErr error) {
	if entry.Attempts+1 < s.cfg.MaxAttempts {
		s.logger.Debug("send failed, will retry",
			zap.String("client_msg_id", entry.ClientMsgID), zap.Int("attempt", entry.Attempts+1), zap.Error(sendErr))
		if err := s.db.RequeueOutbox(entry.ClientMsgID, sendErr.Error()); err != nil {
			s.logger.Error("failed to requeue", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}
		return
	}

	s.logger.Warn("send failed", zap.String("client_msg_id", entry.ClientMsgID), zap.Error(sendErr))
	if err := s.db.MarkOutboxFailed(entry.ClientMsgID, sendErr.Error()); err != nil {
		s.logger.Error("failed to mark failed", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}
	s.bus.Publish(bus.NewEvent(bus.KindSendFailed, Result{
		ClientMsgID:    entry.ClientMsgID,
		ConversationID: entry.ConversationID,
		Error:          sendErr.Error(),
	}))
}
