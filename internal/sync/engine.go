package sync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/chatbook/internal/chat"
	"github.com/matheus3301/chatbook/internal/realtime"
	"go.uber.org/zap"
)

// Sink receives every message newly merged into a conversation feed.
type Sink = func(chat.Message)

// Alerter produces the sound/vibration side effect for incoming peer messages.
type Alerter interface {
	Alert(msg chat.Message)
}

// Alerters fans a message out to several alerters in order.
type Alerters []Alerter

func (as Alerters) Alert(msg chat.Message) {
	for _, a := range as {
		if a != nil {
			a.Alert(msg)
		}
	}
}

// Config tunes the synchronizer.
type Config struct {
	// LocalID is the actor whose own messages never trigger alerts.
	LocalID string
	// ResubscribeStep is the linear backoff unit between reconnect attempts.
	ResubscribeStep time.Duration
	// ResubscribeMax caps a single backoff wait.
	ResubscribeMax time.Duration
}

// Synchronizer keeps a duplicate-free, (sentAt, id)-ordered feed per
// conversation on top of a realtime channel, reconnecting silently.
type Synchronizer struct {
	channel realtime.Channel
	alerter Alerter
	cfg     Config
	logger  *zap.Logger
}

// NewSynchronizer creates a synchronizer. alerter may be nil.
func NewSynchronizer(ch realtime.Channel, alerter Alerter, cfg Config, logger *zap.Logger) *Synchronizer {
	if cfg.ResubscribeStep <= 0 {
		cfg.ResubscribeStep = time.Second
	}
	if cfg.ResubscribeMax <= 0 {
		cfg.ResubscribeMax = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{channel: ch, alerter: alerter, cfg: cfg, logger: logger}
}

// Subscribe starts syncing a conversation and returns its unsubscribe func.
// It satisfies the session package's feed source.
func (s *Synchronizer) Subscribe(ctx context.Context, conversationID string, sink Sink) (func(), error) {
	sub, err := s.Open(ctx, conversationID, sink)
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

// Open starts syncing a conversation. History is read on every successful
// (re)subscribe; pushed records are merged as they arrive.
func (s *Synchronizer) Open(ctx context.Context, conversationID string, sink Sink) (*Subscription, error) {
	if conversationID == "" {
		return nil, errors.New("sync: empty conversation id")
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		s:              s,
		conversationID: conversationID,
		sink:           sink,
		feed:           chat.NewFeed(),
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	go sub.run(ctx)
	return sub, nil
}

func (s *Synchronizer) delay(attempt int) time.Duration {
	d := time.Duration(attempt) * s.cfg.ResubscribeStep
	if d > s.cfg.ResubscribeMax {
		d = s.cfg.ResubscribeMax
	}
	return d
}

// Subscription is one conversation's live feed.
type Subscription struct {
	s              *Synchronizer
	conversationID string
	sink           Sink

	mu     sync.Mutex
	feed   *chat.Feed
	closed atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	reconnects atomic.Int64
}

// Messages returns the merged feed.
func (sub *Subscription) Messages() []chat.Message {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.feed.Messages()
}

// Reconnects returns how many times the transport was re-established.
func (sub *Subscription) Reconnects() int64 {
	return sub.reconnects.Load()
}

// Unsubscribe stops delivery and releases the transport. It never blocks
// and is safe to call more than once.
func (sub *Subscription) Unsubscribe() {
	if sub.closed.Swap(true) {
		return
	}
	sub.cancel()
}

// Done is closed once the sync loop has exited.
func (sub *Subscription) Done() <-chan struct{} {
	return sub.done
}

func (sub *Subscription) run(ctx context.Context) {
	defer close(sub.done)
	logger := sub.s.logger.With(zap.String("conversation", sub.conversationID))

	attempt := 0
	connected := false
	for ctx.Err() == nil {
		stream, err := sub.s.channel.Subscribe(ctx, sub.conversationID, func(rec realtime.Record) {
			sub.merge(rec, true)
		})
		if err != nil {
			attempt++
			logger.Debug("subscribe failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
			if !sleep(ctx, sub.s.delay(attempt)) {
				return
			}
			continue
		}

		// The first seed is history; after a reconnect the re-read fills a
		// gap of messages that were live while the stream was down.
		if err := sub.seed(ctx, connected); err != nil {
			_ = stream.Close()
			attempt++
			logger.Debug("history load failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
			if !sleep(ctx, sub.s.delay(attempt)) {
				return
			}
			continue
		}
		if connected {
			sub.reconnects.Add(1)
			logger.Info("feed resubscribed", zap.Int("attempts", attempt))
		}
		connected = true
		attempt = 0

		select {
		case <-stream.Done():
			attempt++
			logger.Debug("transport dropped, resubscribing")
			if !sleep(ctx, sub.s.delay(attempt)) {
				return
			}
		case <-ctx.Done():
			_ = stream.Close()
			return
		}
	}
}

func (sub *Subscription) seed(ctx context.Context, live bool) error {
	recs, err := sub.s.channel.ListInitial(ctx, sub.conversationID)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		sub.merge(rec, live)
	}
	return nil
}

// merge validates a record and inserts it into the feed. Only newly added
// messages reach the sink; only live or back-filled peer messages raise
// an alert.
func (sub *Subscription) merge(rec realtime.Record, live bool) {
	if rec.Event != "" && rec.Event != realtime.EventCreate {
		return
	}
	msg, err := toMessage(rec, sub.conversationID)
	if err != nil {
		sub.s.logger.Warn("dropping invalid record",
			zap.String("conversation", sub.conversationID), zap.String("msg_id", rec.ID), zap.Error(err))
		return
	}

	sub.mu.Lock()
	if sub.closed.Load() {
		sub.mu.Unlock()
		return
	}
	added := sub.feed.Insert(msg)
	sub.mu.Unlock()
	if !added {
		return
	}

	if sub.sink != nil {
		sub.sink(msg)
	}
	if live && sub.s.alerter != nil && msg.IsFromPeer(sub.s.cfg.LocalID) {
		sub.s.alerter.Alert(msg)
	}
}

func toMessage(rec realtime.Record, conversationID string) (chat.Message, error) {
	if rec.ID == "" {
		return chat.Message{}, errors.New("missing id")
	}
	if rec.ConversationID != "" && rec.ConversationID != conversationID {
		return chat.Message{}, errors.New("record belongs to another conversation")
	}
	kind, err := chat.ParseKind(rec.Kind)
	if err != nil {
		return chat.Message{}, err
	}
	name := rec.SenderName
	if name == "" {
		name = "Unknown"
	}
	return chat.Message{
		ID:             rec.ID,
		ConversationID: conversationID,
		SenderID:       rec.SenderID,
		SenderName:     name,
		Body:           rec.Body,
		Kind:           kind,
		SentAt:         rec.SentAt,
		Delivery:       chat.Confirmed,
	}, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
