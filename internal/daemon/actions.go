package daemon

import (
	"context"
	"errors"
	"strings"

	"github.com/matheus3301/chatbook/internal/notify"
	"github.com/matheus3301/chatbook/internal/session"
	"github.com/matheus3301/chatbook/internal/unread"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var errUnknownRoom = errors.New("room is not a conversation of the local user")

type actionParams struct {
	fx.In

	Dispatcher *notify.Dispatcher
	Machine    *session.Machine
	Tracker    *unread.Tracker
	Logger     *zap.Logger
}

// registerActions routes chat notification clicks to the session and the
// unread counts.
func registerActions(ap actionParams) {
	logger := ap.Logger.Named("actions")
	d := ap.Dispatcher

	d.OnAction("mark_read", func(ctx context.Context, ev notify.ActionEvent) {
		room := ev.Data["room_id"]
		if room == "" {
			logger.Warn("mark_read without room", zap.String("tag", ev.Tag))
			return
		}
		if err := ap.Tracker.MarkRead(room); err != nil {
			logger.Error("mark room read failed", zap.String("room_id", room), zap.Error(err))
			return
		}
		d.ClearByTag(ctx, ev.Tag)
	})

	show := func(ctx context.Context, ev notify.ActionEvent) {
		room := ev.Data["room_id"]
		if err := openRoom(ap, room, ev.Data["sender_name"]); err != nil {
			logger.Warn("open room from notification failed",
				zap.String("action", ev.Action), zap.String("room_id", room), zap.Error(err))
			return
		}
		if err := ap.Tracker.MarkRead(room); err != nil {
			logger.Warn("mark room read failed", zap.String("room_id", room), zap.Error(err))
		}
		d.ClearByTag(ctx, ev.Tag)
	}
	// Quick reply has no inline input here; it lands in the room like open.
	d.OnAction("open", show)
	d.OnAction("reply", show)

	d.OnAction("settings", func(context.Context, notify.ActionEvent) {
		logger.Info("notification settings requested", zap.String("permission", string(d.Permission())))
	})
}

// openRoom restores the session when it already shows room, otherwise opens
// a booking session with the room's counterparty.
func openRoom(ap actionParams, room, name string) error {
	m := ap.Machine
	localID := m.LocalID()
	peer, ok := strings.CutPrefix(room, localID+"_")
	if !ok || peer == "" {
		return errUnknownRoom
	}
	if s := m.Snapshot(); s.IsOpen && s.ConversationID(localID) == room {
		return m.Maximize()
	}
	if name == "" {
		if r, err := ap.Tracker.Room(room); err == nil && r != nil {
			name = r.Name
		}
	}
	return m.Open(session.Counterparty{ID: peer, Name: name}, session.ModeBook)
}
