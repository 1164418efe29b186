// Package unread derives unread badge counts from the room collection.
package unread

import (
	"context"
	"fmt"
	"sync"

	"github.com/matheus3301/chatbook/internal/bus"
	"github.com/matheus3301/chatbook/internal/store"
	"go.uber.org/zap"
)

// Room is the read-only view of a room the aggregator needs.
type Room struct {
	ID          string
	UnreadCount int
}

// Snapshot is the derived unread state.
type Snapshot struct {
	TotalUnread  int
	UnreadByRoom map[string]int
	HasUnread    bool
}

// Compute derives a snapshot from rooms alone. Repeated room IDs are summed
// and negative counts count as zero.
func Compute(rooms []Room) Snapshot {
	s := Snapshot{UnreadByRoom: make(map[string]int, len(rooms))}
	for _, r := range rooms {
		n := max(r.UnreadCount, 0)
		s.UnreadByRoom[r.ID] += n
		s.TotalUnread += n
	}
	s.HasUnread = s.TotalUnread > 0
	return s
}

// Source supplies the current room collection.
type Source interface {
	Rooms(ctx context.Context) ([]Room, error)
}

// StoreSource reads rooms from the app database.
type StoreSource struct {
	DB *store.DB
}

func (s StoreSource) Rooms(context.Context) ([]Room, error) {
	rows, err := s.DB.ListRooms()
	if err != nil {
		return nil, err
	}
	rooms := make([]Room, len(rows))
	for i, r := range rows {
		rooms[i] = Room{ID: r.RoomID, UnreadCount: r.UnreadCount}
	}
	return rooms, nil
}

// Aggregator holds the latest snapshot and recomputes it from the source
// whenever rooms change. It never adjusts counts on its own.
type Aggregator struct {
	source Source
	logger *zap.Logger

	mu   sync.RWMutex
	snap Snapshot
}

// NewAggregator creates an aggregator with an empty snapshot.
func NewAggregator(source Source, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{source: source, logger: logger, snap: Compute(nil)}
}

// Refresh recomputes the snapshot from the source.
func (a *Aggregator) Refresh(ctx context.Context) (Snapshot, error) {
	rooms, err := a.source.Rooms(ctx)
	if err != nil {
		return a.Snapshot(), fmt.Errorf("load rooms: %w", err)
	}
	s := Compute(rooms)
	a.mu.Lock()
	a.snap = s
	a.mu.Unlock()
	return s, nil
}

// Snapshot returns the latest computed snapshot.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := Snapshot{
		TotalUnread:  a.snap.TotalUnread,
		HasUnread:    a.snap.HasUnread,
		UnreadByRoom: make(map[string]int, len(a.snap.UnreadByRoom)),
	}
	for k, v := range a.snap.UnreadByRoom {
		out.UnreadByRoom[k] = v
	}
	return out
}

// Watch refreshes on every room event until ctx is done. It blocks.
func (a *Aggregator) Watch(ctx context.Context, b *bus.Bus) {
	ch, unsub := b.Subscribe("room.", 64)
	defer unsub()
	if _, err := a.Refresh(ctx); err != nil {
		a.logger.Warn("unread refresh failed", zap.Error(err))
	}
	for {
		select {
		case <-ch:
			if _, err := a.Refresh(ctx); err != nil {
				a.logger.Warn("unread refresh failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
