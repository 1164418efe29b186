package unread

import (
	"github.com/matheus3301/chatbook/internal/bus"
	"github.com/matheus3301/chatbook/internal/chat"
	"github.com/matheus3301/chatbook/internal/store"
	"go.uber.org/zap"
)

const previewLen = 80

// Tracker keeps room unread counts in the store as peer messages arrive.
// It is an alerter for the synchronizer.
type Tracker struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
}

// NewTracker creates a tracker. b may be nil.
func NewTracker(db *store.DB, b *bus.Bus, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{db: db, bus: b, logger: logger}
}

// Alert counts msg as unread in its room. A room without a name takes the
// sender's.
func (t *Tracker) Alert(msg chat.Message) {
	preview := []rune(msg.Body)
	if len(preview) > previewLen {
		preview = preview[:previewLen]
	}
	if err := t.db.IncrementUnread(msg.ConversationID, msg.SentAt.UnixMilli(), string(preview)); err != nil {
		t.logger.Error("failed to count unread", zap.String("room_id", msg.ConversationID), zap.Error(err))
		return
	}
	if err := t.nameRoom(msg.ConversationID, msg.SenderName); err != nil {
		t.logger.Warn("failed to name room", zap.String("room_id", msg.ConversationID), zap.Error(err))
	}
	t.changed(msg.ConversationID)
}

func (t *Tracker) nameRoom(roomID, name string) error {
	if name == "" {
		return nil
	}
	room, err := t.db.GetRoom(roomID)
	if err != nil || room == nil || room.Name != "" {
		return err
	}
	room.Name = name
	return t.db.UpsertRoom(room)
}

// Room returns the stored room, or nil if nothing arrived in it yet.
func (t *Tracker) Room(roomID string) (*store.Room, error) {
	return t.db.GetRoom(roomID)
}

// MarkRead clears a room's unread count.
func (t *Tracker) MarkRead(roomID string) error {
	if err := t.db.MarkRoomRead(roomID); err != nil {
		return err
	}
	t.changed(roomID)
	return nil
}

func (t *Tracker) changed(roomID string) {
	if t.bus != nil {
		t.bus.Publish(bus.NewEvent(bus.KindRoomsChanged, roomID))
	}
}
