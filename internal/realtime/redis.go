package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Redis is a channel backed by Redis: a sorted set per conversation keeps
// history scored by send time, and pub/sub carries live records.
type Redis struct {
	client  *redis.Client
	logger  *zap.Logger
	prefix  string
	history int64
}

// NewRedis creates a Redis-backed channel. prefix namespaces every key.
func NewRedis(client *redis.Client, prefix string, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "chatbook"
	}
	return &Redis{client: client, logger: logger, prefix: prefix, history: 100}
}

func (r *Redis) historyKey(conversationID string) string {
	return fmt.Sprintf("%s:history:%s", r.prefix, conversationID)
}

func (r *Redis) idsKey(conversationID string) string {
	return fmt.Sprintf("%s:ids:%s", r.prefix, conversationID)
}

func (r *Redis) topic(conversationID string) string {
	return fmt.Sprintf("%s:conv:%s", r.prefix, conversationID)
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return &TransportError{Op: "ping", Err: err}
	}
	return nil
}

// Subscribe opens a pub/sub subscription for the conversation. The stream's
// Done channel closes when the underlying message channel closes.
func (r *Redis) Subscribe(ctx context.Context, conversationID string, onEvent func(Record)) (Stream, error) {
	sub := r.client.Subscribe(ctx, r.topic(conversationID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, &TransportError{Op: "subscribe", ConversationID: conversationID, Err: err}
	}

	s := newStream(func() { _ = sub.Close() })
	go func() {
		defer s.Close()
		ch := sub.Channel()
		for {
			select {
			case m, ok := <-ch:
				if !ok {
					return
				}
				var rec Record
				if err := json.Unmarshal([]byte(m.Payload), &rec); err != nil {
					r.logger.Warn("dropping undecodable record", zap.String("channel", m.Channel), zap.Error(err))
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

// ListInitial returns the most recent history, oldest first.
func (r *Redis) ListInitial(ctx context.Context, conversationID string) ([]Record, error) {
	raw, err := r.client.ZRange(ctx, r.historyKey(conversationID), -r.history, -1).Result()
	if err != nil {
		return nil, &TransportError{Op: "list", ConversationID: conversationID, Err: err}
	}
	recs := make([]Record, 0, len(raw))
	for _, item := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			r.logger.Warn("skipping undecodable history item", zap.String("conversation", conversationID), zap.Error(err))
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Send stores the record in history and publishes it. The ID set makes a
// resend of the same ID a no-op.
func (r *Redis) Send(ctx context.Context, rec Record) (Ack, error) {
	rec.Event = EventCreate
	data, err := json.Marshal(rec)
	if err != nil {
		return Ack{}, fmt.Errorf("encode record: %w", err)
	}

	added, err := r.client.SAdd(ctx, r.idsKey(rec.ConversationID), rec.ID).Result()
	if err != nil {
		return Ack{}, &TransportError{Op: "send", ConversationID: rec.ConversationID, Err: err}
	}
	if added == 0 {
		return Ack{ID: rec.ID, ReceivedAt: time.Now()}, nil
	}

	score := float64(rec.SentAt.UnixMilli())
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, r.historyKey(rec.ConversationID), &redis.Z{Score: score, Member: data})
		p.Publish(ctx, r.topic(rec.ConversationID), data)
		return nil
	})
	if err != nil {
		// Let a retry go through the ID gate again.
		_ = r.client.SRem(ctx, r.idsKey(rec.ConversationID), rec.ID).Err()
		return Ack{}, &TransportError{Op: "send", ConversationID: rec.ConversationID, Err: err}
	}
	return Ack{ID: rec.ID, ReceivedAt: time.Now()}, nil
}
