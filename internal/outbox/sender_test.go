package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatbook/internal/bus"
	"github.com/matheus3301/chatbook/internal/chat"
	"github.com/matheus3301/chatbook/internal/realtime"
	"github.com/matheus3301/chatbook/internal/store"
	"go.uber.org/zap"
)

// mockChannel records calls and fails the first failN sends.
type mockChannel struct {
	mu    sync.Mutex
	calls []realtime.Record
	failN int
}

func (m *mockChannel) Send(_ context.Context, rec realtime.Record) (realtime.Ack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, rec)
	if m.failN != 0 {
		if m.failN > 0 {
			m.failN--
		}
		return realtime.Ack{}, &realtime.TransportError{Op: "send", ConversationID: rec.ConversationID, Err: errors.New("offline")}
	}
	return realtime.Ack{ID: rec.ID, ReceivedAt: time.Now()}, nil
}

func (m *mockChannel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func pendingMsg(id string) chat.Message {
	return chat.Message{
		ID: id, ConversationID: "u1_t1", SenderID: "u1", SenderName: "Me",
		Body: "hello", Kind: chat.KindText, SentAt: time.UnixMilli(1000), Delivery: chat.Pending,
	}
}

func waitEvent(t *testing.T, ch <-chan bus.Event) bus.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return bus.Event{}
}

func TestSenderDeliversQueuedMessages(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockChannel{}
	logger, _ := zap.NewDevelopment()
	s := NewSender(db, mock, b, Config{PollInterval: 10 * time.Millisecond}, logger)

	ch, unsub := b.Subscribe(bus.KindSendAck, 10)
	defer unsub()

	s.Start(context.Background())
	defer s.Stop()
	if err := s.Enqueue(pendingMsg("c1")); err != nil {
		t.Fatal(err)
	}

	evt := waitEvent(t, ch)
	res := evt.Payload.(Result)
	if res.ClientMsgID != "c1" || res.ServerMsgID != "c1" || res.ConversationID != "u1_t1" {
		t.Errorf("ack = %+v", res)
	}
	if mock.callCount() != 1 {
		t.Fatalf("got %d send calls, want 1", mock.callCount())
	}
	rec := mock.calls[0]
	if rec.Body != "hello" || rec.SenderID != "u1" || !rec.SentAt.Equal(time.UnixMilli(1000)) {
		t.Errorf("sent record = %+v", rec)
	}

	pending, _ := db.PendingOutbox()
	if len(pending) != 0 {
		t.Errorf("got %d pending, want 0", len(pending))
	}
}

func TestSenderRetriesTransportErrorsSilently(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockChannel{failN: 2}
	s := NewSender(db, mock, b, Config{PollInterval: 10 * time.Millisecond, MaxAttempts: 3}, nil)

	all, unsub := b.Subscribe("message.", 10)
	defer unsub()

	s.Start(context.Background())
	defer s.Stop()
	if err := s.Enqueue(pendingMsg("c1")); err != nil {
		t.Fatal(err)
	}

	evt := waitEvent(t, all)
	if evt.Kind != bus.KindSendAck {
		t.Fatalf("first event = %s, want only an ack", evt.Kind)
	}
	if mock.callCount() != 3 {
		t.Errorf("send calls = %d, want 3", mock.callCount())
	}
}

func TestSenderReportsExhaustedFailure(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockChannel{failN: -1}
	s := NewSender(db, mock, b, Config{PollInterval: 10 * time.Millisecond, MaxAttempts: 2}, nil)

	ch, unsub := b.Subscribe(bus.KindSendFailed, 10)
	defer unsub()

	s.Start(context.Background())
	defer s.Stop()
	if err := s.Enqueue(pendingMsg("c1")); err != nil {
		t.Fatal(err)
	}

	res := waitEvent(t, ch).Payload.(Result)
	if res.ClientMsgID != "c1" || res.Error == "" {
		t.Errorf("failure = %+v", res)
	}
	failed, _ := db.FailedOutbox()
	if len(failed) != 1 || failed[0].Attempts != 2 {
		t.Fatalf("failed entries = %+v", failed)
	}

	// An explicit retry puts the message back with fresh attempts.
	mock.mu.Lock()
	mock.failN = 0
	mock.mu.Unlock()
	acks, unsubAck := b.Subscribe(bus.KindSendAck, 10)
	defer unsubAck()
	if err := s.Enqueue(pendingMsg("c1")); err != nil {
		t.Fatal(err)
	}
	if got := waitEvent(t, acks).Payload.(Result); got.ClientMsgID != "c1" {
		t.Errorf("retry ack = %+v", got)
	}
}

func TestSenderDiscard(t *testing.T) {
	db := testDB(t)
	s := NewSender(db, &mockChannel{}, bus.New(), Config{}, nil)
	if err := s.Enqueue(pendingMsg("c1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Discard("c1"); err != nil {
		t.Fatal(err)
	}
	pending, _ := db.PendingOutbox()
	if len(pending) != 0 {
		t.Errorf("pending = %d after discard", len(pending))
	}
}

func TestSenderStopHaltsProcessing(t *testing.T) {
	db := testDB(t)
	mock := &mockChannel{}
	s := NewSender(db, mock, bus.New(), Config{PollInterval: 10 * time.Millisecond}, nil)
	s.Start(context.Background())
	s.Stop()
	time.Sleep(20 * time.Millisecond)

	if err := s.Enqueue(pendingMsg("c1")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if mock.callCount() != 0 {
		t.Errorf("send calls after stop = %d", mock.callCount())
	}
}
