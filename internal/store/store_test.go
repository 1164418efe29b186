package store

import (
	"context"
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + notification stats)", result.Version)
	}
}

func TestRoomUpsertAndList(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertRoom(&Room{RoomID: "u1_t1", Name: "Ayu", UnreadCount: 2, LastMessageAt: 1000, LastMessagePreview: "hi"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertRoom(&Room{RoomID: "u1_t2", Name: "Budi", UnreadCount: 0, LastMessageAt: 2000}); err != nil {
		t.Fatal(err)
	}
	// Name is kept when the update carries none.
	if err := db.UpsertRoom(&Room{RoomID: "u1_t1", UnreadCount: 3, LastMessageAt: 1500, LastMessagePreview: "again"}); err != nil {
		t.Fatal(err)
	}

	rooms, err := db.ListRooms()
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 2 {
		t.Fatalf("got %d rooms, want 2", len(rooms))
	}
	if rooms[0].RoomID != "u1_t2" {
		t.Errorf("first room = %q, want u1_t2 (most recent)", rooms[0].RoomID)
	}
	if rooms[1].Name != "Ayu" || rooms[1].UnreadCount != 3 || rooms[1].LastMessagePreview != "again" {
		t.Errorf("room = %+v, want Ayu/3/again", rooms[1])
	}
}

func TestIncrementUnreadAndMarkRead(t *testing.T) {
	db := testDB(t)

	for i := 0; i < 3; i++ {
		if err := db.IncrementUnread("r1", int64(1000+i), "msg"); err != nil {
			t.Fatal(err)
		}
	}
	r, err := db.GetRoom("r1")
	if err != nil {
		t.Fatal(err)
	}
	if r == nil || r.UnreadCount != 3 {
		t.Fatalf("room = %+v, want unread 3", r)
	}

	if err := db.MarkRoomRead("r1"); err != nil {
		t.Fatal(err)
	}
	r, _ = db.GetRoom("r1")
	if r.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", r.UnreadCount)
	}

	missing, err := db.GetRoom("nope")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("expected nil for missing room")
	}
}

func TestInsertMessageIdempotent(t *testing.T) {
	db := testDB(t)

	msg := &Message{ConversationID: "c1", MsgID: "m1", SenderID: "t1", Body: "hello", Kind: "text", SentAt: 1000}
	added, err := db.InsertMessage(msg)
	if err != nil {
		t.Fatal(err)
	}
	if !added {
		t.Fatal("first insert should add")
	}
	msg.Body = "rewritten"
	added, err = db.InsertMessage(msg)
	if err != nil {
		t.Fatal(err)
	}
	if added {
		t.Error("second insert with same id should be ignored")
	}

	msgs, err := db.ListMessages("c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Body != "hello" {
		t.Fatalf("got %+v, want single unchanged message", msgs)
	}
}

func TestListMessagesOldestFirstWithinLimit(t *testing.T) {
	db := testDB(t)

	for i, id := range []string{"a", "b", "c", "d"} {
		if _, err := db.InsertMessage(&Message{ConversationID: "c1", MsgID: id, Body: id, Kind: "text", SentAt: int64(1000 * (i + 1))}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := db.InsertMessage(&Message{ConversationID: "other", MsgID: "x", Kind: "text", SentAt: 1}); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 3)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, m := range msgs {
		ids = append(ids, m.MsgID)
	}
	want := []string{"b", "c", "d"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestOutboxLifecycle(t *testing.T) {
	db := testDB(t)

	entry := &OutboxEntry{ClientMsgID: "client1", ConversationID: "c1", SenderID: "u1", Body: "test msg", SentAt: 1000}
	if err := db.QueueOutbox(entry); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ClientMsgID != "client1" {
		t.Fatalf("pending = %+v, want client1", pending)
	}

	if err := db.RequeueOutbox("client1", "timeout"); err != nil {
		t.Fatal(err)
	}
	pending, _ = db.PendingOutbox()
	if len(pending) != 1 || pending[0].Attempts != 1 || pending[0].ErrorMessage != "timeout" {
		t.Fatalf("after requeue = %+v, want attempts 1", pending)
	}

	if err := db.MarkOutboxFailed("client1", "timeout"); err != nil {
		t.Fatal(err)
	}
	failed, _ := db.FailedOutbox()
	if len(failed) != 1 || failed[0].Attempts != 2 {
		t.Fatalf("failed = %+v, want one entry with 2 attempts", failed)
	}

	// Explicit retry resets the entry.
	if err := db.QueueOutbox(entry); err != nil {
		t.Fatal(err)
	}
	pending, _ = db.PendingOutbox()
	if len(pending) != 1 || pending[0].Attempts != 0 {
		t.Fatalf("after retry = %+v, want attempts reset", pending)
	}

	if err := db.MarkOutboxSending("client1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSent("client1", "server1"); err != nil {
		t.Fatal(err)
	}
	pending, _ = db.PendingOutbox()
	if len(pending) != 0 {
		t.Errorf("got %d pending after sent, want 0", len(pending))
	}

	if err := db.DeleteOutbox("client1"); err != nil {
		t.Fatal(err)
	}
}

func TestRequeueStaleOutbox(t *testing.T) {
	db := testDB(t)
	for _, id := range []string{"a", "b"} {
		if err := db.QueueOutbox(&OutboxEntry{ClientMsgID: id, ConversationID: "c1", Body: id}); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.MarkOutboxSending("a"); err != nil {
		t.Fatal(err)
	}
	n, err := db.RequeueStaleOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("requeued %d, want 1", n)
	}
	pending, _ := db.PendingOutbox()
	if len(pending) != 2 {
		t.Errorf("pending = %d, want 2", len(pending))
	}
}

func TestRecordDelivery(t *testing.T) {
	db := testDB(t)

	for _, k := range []string{"chat", "chat", "booking"} {
		if err := db.RecordDelivery(k, "2026-10-15"); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.RecordDelivery("chat", "2026-10-14"); err != nil {
		t.Fatal(err)
	}

	stats, err := db.DeliveryStats()
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 3 {
		t.Fatalf("got %d buckets, want 3", len(stats))
	}
	if stats[0] != (DeliveryStat{Kind: "booking", Day: "2026-10-15", Count: 1}) {
		t.Errorf("stats[0] = %+v", stats[0])
	}
	if stats[1] != (DeliveryStat{Kind: "chat", Day: "2026-10-15", Count: 2}) {
		t.Errorf("stats[1] = %+v", stats[1])
	}
}

func TestOpenContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.db")
	db, err := OpenContext(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}

	if _, err := Open(filepath.Join(t.TempDir(), "missing", "dir", "app.db")); err == nil {
		t.Error("expected error for a database in a missing directory")
	}
}
