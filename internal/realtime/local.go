package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/chatbook/internal/bus"
	"github.com/matheus3301/chatbook/internal/store"
	"go.uber.org/zap"
)

// Local is a single-process channel backed by the app database for history
// and the event bus for pushes. It serves offline use and tests.
type Local struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
}

// NewLocal creates a local channel.
func NewLocal(db *store.DB, b *bus.Bus, logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{db: db, bus: b, logger: logger}
}

// Subscribe delivers records published for conversationID until ctx is done
// or the stream is closed.
func (l *Local) Subscribe(ctx context.Context, conversationID string, onEvent func(Record)) (Stream, error) {
	ch, unsub := l.bus.Subscribe(bus.KindRealtimeMessage, 256)
	s := newStream(unsub)

	go func() {
		defer s.Close()
		for {
			select {
			case evt := <-ch:
				rec, ok := evt.Payload.(Record)
				if !ok || rec.ConversationID != conversationID {
					continue
				}
				onEvent(rec)
			case <-ctx.Done():
				return
			case <-s.Done():
				return
			}
		}
	}()
	return s, nil
}

// ListInitial returns the stored history of a conversation, oldest first.
func (l *Local) ListInitial(_ context.Context, conversationID string) ([]Record, error) {
	msgs, err := l.db.ListMessages(conversationID, 100)
	if err != nil {
		return nil, &TransportError{Op: "list", ConversationID: conversationID, Err: err}
	}
	recs := make([]Record, 0, len(msgs))
	for _, m := range msgs {
		recs = append(recs, Record{
			Event:          EventCreate,
			ID:             m.MsgID,
			ConversationID: m.ConversationID,
			SenderID:       m.SenderID,
			SenderName:     m.SenderName,
			Body:           m.Body,
			Kind:           m.Kind,
			SentAt:         time.UnixMilli(m.SentAt),
		})
	}
	return recs, nil
}

// Send persists the record and pushes it to subscribers. Sending an ID
// that already exists is acknowledged without a second push.
func (l *Local) Send(_ context.Context, rec Record) (Ack, error) {
	added, err := l.db.InsertMessage(&store.Message{
		ConversationID: rec.ConversationID,
		MsgID:          rec.ID,
		SenderID:       rec.SenderID,
		SenderName:     rec.SenderName,
		Body:           rec.Body,
		Kind:           rec.Kind,
		SentAt:         rec.SentAt.UnixMilli(),
	})
	if err != nil {
		return Ack{}, &TransportError{Op: "send", ConversationID: rec.ConversationID, Err: err}
	}
	if added {
		rec.Event = EventCreate
		l.bus.Publish(bus.NewEvent(bus.KindRealtimeMessage, rec))
	} else {
		l.logger.Debug("duplicate send acknowledged", zap.String("msg_id", rec.ID))
	}
	return Ack{ID: rec.ID, ReceivedAt: time.Now()}, nil
}

type stream struct {
	done    chan struct{}
	once    sync.Once
	release func()
}

func newStream(release func()) *stream {
	return &stream{done: make(chan struct{}), release: release}
}

func (s *stream) Done() <-chan struct{} {
	return s.done
}

func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		if s.release != nil {
			s.release()
		}
	})
	return nil
}
