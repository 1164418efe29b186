package notify

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatbook/internal/bus"
	"github.com/matheus3301/chatbook/internal/chat"
	"github.com/matheus3301/chatbook/internal/store"
)

type mockPlatform struct {
	mu         sync.Mutex
	permission Permission
	answer     Permission
	requests   int
	shown      []Payload
	closed     []string
	pushErr    error
	pushCalls  int
	showErr    error
}

func (m *mockPlatform) Permission() Permission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.permission
}

func (m *mockPlatform) RequestPermission(context.Context) (Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests++
	m.permission = m.answer
	return m.answer, nil
}

func (m *mockPlatform) Show(_ context.Context, p Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.showErr != nil {
		return m.showErr
	}
	m.shown = append(m.shown, p)
	return nil
}

func (m *mockPlatform) CloseTag(_ context.Context, tag string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, tag)
	return 1, nil
}

func (m *mockPlatform) SubscribePush(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushCalls++
	return m.pushErr
}

func (m *mockPlatform) shownCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.shown)
}

func (m *mockPlatform) lastShown() Payload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shown[len(m.shown)-1]
}

func granted() *mockPlatform {
	return &mockPlatform{permission: PermissionGranted, answer: PermissionGranted}
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestDispatchNoopWithoutPermission(t *testing.T) {
	for _, perm := range []Permission{PermissionDefault, PermissionDenied} {
		t.Run(string(perm), func(t *testing.T) {
			p := &mockPlatform{permission: perm}
			d := NewDispatcher(p, nil, nil, nil, nil)
			d.Dispatch(context.Background(), Payload{Title: "hi"})
			if p.shownCount() != 0 || len(d.Queue()) != 0 {
				t.Errorf("shown=%d queue=%d, want 0/0", p.shownCount(), len(d.Queue()))
			}
		})
	}
}

func TestDispatchNilPlatformIsSilent(t *testing.T) {
	d := NewDispatcher(nil, nil, nil, nil, nil)
	cancel := d.Dispatch(context.Background(), Payload{Title: "hi"})
	cancel()
	if _, err := d.RequestPermission(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("RequestPermission err = %v, want ErrUnavailable", err)
	}
}

func TestDispatchShowErrorIsSwallowed(t *testing.T) {
	p := granted()
	p.showErr = errors.New("platform gone")
	d := NewDispatcher(p, nil, nil, nil, nil)
	d.Dispatch(context.Background(), Payload{Title: "hi"})
	if len(d.Queue()) != 1 {
		t.Errorf("queue = %d, want 1", len(d.Queue()))
	}
}

func TestQueueCapEvictsOldest(t *testing.T) {
	d := NewDispatcher(granted(), nil, nil, nil, nil)
	for i := 0; i < 51; i++ {
		d.Dispatch(context.Background(), Payload{Title: fmt.Sprintf("n%d", i)})
	}
	q := d.Queue()
	if len(q) != QueueCapacity {
		t.Fatalf("queue len = %d, want %d", len(q), QueueCapacity)
	}
	if q[0].Title != "n1" || q[len(q)-1].Title != "n50" {
		t.Errorf("queue spans %s..%s, want n1..n50", q[0].Title, q[len(q)-1].Title)
	}
}

func TestPriorityResolution(t *testing.T) {
	tests := []struct {
		priority    Priority
		interaction bool
		vibration   []int
	}{
		{PriorityLow, false, PatternChat.Vibration()},
		{PriorityMedium, false, PatternPayment.Vibration()},
		{PriorityHigh, true, PatternUrgent.Vibration()},
		{PriorityUrgent, true, PatternUrgent.Vibration()},
	}
	for _, tt := range tests {
		t.Run(string(tt.priority), func(t *testing.T) {
			p := granted()
			d := NewDispatcher(p, nil, nil, nil, nil)
			d.Dispatch(context.Background(), Payload{Title: "x", Priority: tt.priority, RequireInteraction: !tt.interaction})
			got := p.lastShown()
			if got.RequireInteraction != tt.interaction {
				t.Errorf("RequireInteraction = %v, want %v", got.RequireInteraction, tt.interaction)
			}
			if fmt.Sprint(got.Vibration) != fmt.Sprint(tt.vibration) {
				t.Errorf("Vibration = %v, want %v", got.Vibration, tt.vibration)
			}
			if len(got.Actions) != 2 || got.Icon == "" || got.Kind != "unknown" {
				t.Errorf("defaults not applied: %+v", got)
			}
		})
	}
}

func TestScheduleDelayedCancelNeverDelivers(t *testing.T) {
	p := granted()
	d := NewDispatcher(p, nil, nil, nil, nil)
	cancel := d.ScheduleDelayed(Payload{Title: "reminder"}, 20*time.Millisecond)
	cancel()
	cancel()
	time.Sleep(60 * time.Millisecond)
	if p.shownCount() != 0 {
		t.Errorf("shown = %d, want 0", p.shownCount())
	}
	if d.Pending() != 0 {
		t.Errorf("pending = %d, want 0", d.Pending())
	}
}

func TestScheduleDelayedFires(t *testing.T) {
	p := granted()
	b := bus.New()
	ch, unsub := b.Subscribe("notify.", 4)
	defer unsub()
	d := NewDispatcher(p, nil, nil, b, nil)

	d.ScheduleDelayed(Payload{Title: "reminder", Kind: "reminder"}, 5*time.Millisecond)
	select {
	case evt := <-ch:
		if got := evt.Payload.(Payload); got.Title != "reminder" {
			t.Errorf("delivered %q, want reminder", got.Title)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for scheduled delivery")
	}
	if len(d.Queue()) != 1 {
		t.Errorf("queue = %d, want 1", len(d.Queue()))
	}
}

func TestSameTagSupersedesPending(t *testing.T) {
	p := granted()
	d := NewDispatcher(p, nil, nil, nil, nil)
	d.ScheduleDelayed(Payload{Title: "old", Tag: "reminder-b1"}, 20*time.Millisecond)
	d.ScheduleDelayed(Payload{Title: "new", Tag: "reminder-b1"}, 20*time.Millisecond)
	if d.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", d.Pending())
	}
	deadline := time.Now().Add(2 * time.Second)
	for p.shownCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(40 * time.Millisecond)
	if p.shownCount() != 1 || p.lastShown().Title != "new" {
		t.Errorf("shown = %d (last %q), want only new", p.shownCount(), p.lastShown().Title)
	}
}

func TestImmediateDispatchSupersedesScheduledTag(t *testing.T) {
	p := granted()
	d := NewDispatcher(p, nil, nil, nil, nil)
	d.ScheduleDelayed(Payload{Title: "later", Tag: "booking-b1"}, 20*time.Millisecond)
	d.Dispatch(context.Background(), Payload{Title: "now", Tag: "booking-b1"})
	if d.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", d.Pending())
	}
	time.Sleep(60 * time.Millisecond)
	if p.shownCount() != 1 || p.lastShown().Title != "now" {
		t.Errorf("shown = %d (last %q), want only now", p.shownCount(), p.lastShown().Title)
	}
}

func TestDispatchScheduledAtDefers(t *testing.T) {
	p := granted()
	d := NewDispatcher(p, nil, nil, nil, nil)
	at := time.Now().Add(time.Hour)
	cancel := d.Dispatch(context.Background(), Payload{Title: "later", ScheduledAt: &at})
	if p.shownCount() != 0 || d.Pending() != 1 {
		t.Fatalf("shown=%d pending=%d, want 0/1", p.shownCount(), d.Pending())
	}
	cancel()
	if d.Pending() != 0 {
		t.Errorf("pending after cancel = %d", d.Pending())
	}

	past := time.Now().Add(-time.Minute)
	d.Dispatch(context.Background(), Payload{Title: "now", ScheduledAt: &past})
	if p.shownCount() != 1 {
		t.Errorf("past ScheduledAt should deliver immediately")
	}
}

func TestCloseCancelsPending(t *testing.T) {
	p := granted()
	d := NewDispatcher(p, nil, nil, nil, nil)
	d.ScheduleDelayed(Payload{Title: "a"}, 10*time.Millisecond)
	d.ScheduleDelayed(Payload{Title: "b", Tag: "t"}, 10*time.Millisecond)
	d.Close()
	d.ScheduleDelayed(Payload{Title: "c"}, time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	if p.shownCount() != 0 || d.Pending() != 0 {
		t.Errorf("shown=%d pending=%d after Close", p.shownCount(), d.Pending())
	}
}

func TestRequestPermissionGrantedWelcomesOnce(t *testing.T) {
	p := &mockPlatform{permission: PermissionDefault, answer: PermissionGranted}
	p.pushErr = errors.New("no push service")
	d := NewDispatcher(p, StaticPrompter(true), nil, nil, nil)

	perm, err := d.RequestPermission(context.Background())
	if err != nil || perm != PermissionGranted {
		t.Fatalf("RequestPermission = (%v, %v)", perm, err)
	}
	if p.shownCount() != 1 || p.lastShown().Tag != "welcome" {
		t.Errorf("expected one welcome notification, got %d", p.shownCount())
	}
	if p.pushCalls != 1 {
		t.Errorf("push subscribe calls = %d, want 1", p.pushCalls)
	}

	if _, err := d.RequestPermission(context.Background()); err != nil {
		t.Fatal(err)
	}
	if p.shownCount() != 1 || p.requests != 1 {
		t.Errorf("second request should be a no-op: shown=%d requests=%d", p.shownCount(), p.requests)
	}
}

func TestRequestPermissionDeclinedPromptSkipsPlatform(t *testing.T) {
	p := &mockPlatform{permission: PermissionDefault, answer: PermissionGranted}
	d := NewDispatcher(p, StaticPrompter(false), nil, nil, nil)
	perm, err := d.RequestPermission(context.Background())
	if err != nil || perm != PermissionDefault {
		t.Fatalf("got (%v, %v), want (default, nil)", perm, err)
	}
	if p.requests != 0 {
		t.Errorf("platform prompted %d times, want 0", p.requests)
	}
	if d.Permission() != PermissionDefault {
		t.Errorf("permission = %v", d.Permission())
	}
}

func TestRequestPermissionDenied(t *testing.T) {
	p := &mockPlatform{permission: PermissionDefault, answer: PermissionDenied}
	d := NewDispatcher(p, StaticPrompter(true), nil, nil, nil)
	perm, err := d.RequestPermission(context.Background())
	if !errors.Is(err, ErrPermissionDenied) || perm != PermissionDenied {
		t.Fatalf("got (%v, %v), want denied", perm, err)
	}
	d.Dispatch(context.Background(), Payload{Title: "x"})
	if p.shownCount() != 0 {
		t.Error("dispatch after denial should be a no-op")
	}
}

func TestClearByTagAndActions(t *testing.T) {
	p := granted()
	d := NewDispatcher(p, nil, nil, nil, nil)

	if n := d.ClearByTag(context.Background(), "booking-1"); n != 1 {
		t.Errorf("ClearByTag = %d, want 1", n)
	}

	var got ActionEvent
	d.OnAction("open", func(_ context.Context, ev ActionEvent) { got = ev })
	if !d.HandleAction(context.Background(), ActionEvent{Action: "open", Tag: "chat-x"}) {
		t.Error("open should be handled")
	}
	if got.Tag != "chat-x" {
		t.Errorf("handler got %+v", got)
	}
	if !d.HandleAction(context.Background(), ActionEvent{Action: "dismiss", Tag: "chat-x"}) {
		t.Error("dismiss should clear the tag")
	}
	if d.HandleAction(context.Background(), ActionEvent{Action: "reply"}) {
		t.Error("reply has no handler")
	}
	if len(p.closed) != 2 || p.closed[1] != "chat-x" {
		t.Errorf("closed tags = %v", p.closed)
	}
}

func TestActionDataFilledFromDeliveredPayload(t *testing.T) {
	p := granted()
	d := NewDispatcher(p, nil, nil, nil, nil)
	d.Dispatch(context.Background(), ChatMessage("Ana", "hi", "u1_t1"))

	var got ActionEvent
	d.OnAction("mark_read", func(_ context.Context, ev ActionEvent) { got = ev })
	d.HandleAction(context.Background(), ActionEvent{Action: "mark_read", Tag: "chat-u1_t1"})
	if got.Data["room_id"] != "u1_t1" || got.Data["sender_name"] != "Ana" {
		t.Errorf("handler data = %v", got.Data)
	}

	explicit := map[string]string{"room_id": "other"}
	d.HandleAction(context.Background(), ActionEvent{Action: "mark_read", Tag: "chat-u1_t1", Data: explicit})
	if got.Data["room_id"] != "other" {
		t.Errorf("explicit data overwritten: %v", got.Data)
	}

	d.ClearByTag(context.Background(), "chat-u1_t1")
	d.HandleAction(context.Background(), ActionEvent{Action: "mark_read", Tag: "chat-u1_t1"})
	if got.Data != nil {
		t.Errorf("cleared tag still carries data: %v", got.Data)
	}
}

func TestStatsByKindAndDay(t *testing.T) {
	db := testDB(t)
	d := NewDispatcher(granted(), nil, db, nil, nil)
	day1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return day1 }
	d.Dispatch(context.Background(), Payload{Kind: "chat"})
	d.Dispatch(context.Background(), Payload{Kind: "chat"})
	d.now = func() time.Time { return day1.AddDate(0, 0, 1) }
	d.Dispatch(context.Background(), Payload{Kind: "booking"})

	s, err := d.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if s.Total != 3 || s.ByKind["chat"] != 2 || s.ByKind["booking"] != 1 {
		t.Errorf("stats = %+v", s)
	}
	if s.ByDay["2026-03-01"] != 2 || s.ByDay["2026-03-02"] != 1 {
		t.Errorf("by day = %v", s.ByDay)
	}
}

func TestMessageAlerter(t *testing.T) {
	p := granted()
	d := NewDispatcher(p, nil, nil, nil, nil)
	NewMessageAlerter(d).Alert(chat.Message{ID: "m1", ConversationID: "u1_t1", SenderName: "Ana", Body: "hi"})
	got := p.lastShown()
	if got.Tag != "chat-u1_t1" || got.Priority != PriorityLow || got.Kind != "chat" {
		t.Errorf("alert payload = %+v", got)
	}
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{"", PriorityLow, false},
		{"HIGH", PriorityHigh, false},
		{" urgent ", PriorityUrgent, false},
		{"critical", "", true},
	}
	for _, tt := range tests {
		got, err := ParsePriority(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParsePriority(%q) = (%v, %v)", tt.in, got, err)
		}
	}
}

func TestLogPlatformTracksTags(t *testing.T) {
	p := NewLogPlatform(PermissionDefault, PermissionGranted, nil)
	d := NewDispatcher(p, StaticPrompter(true), nil, nil, nil)
	if _, err := d.RequestPermission(context.Background()); err != nil {
		t.Fatal(err)
	}
	d.Dispatch(context.Background(), BookingUpdate("b1", "accepted", "ok", PriorityMedium))
	d.Dispatch(context.Background(), BookingUpdate("b1", "on_the_way", "ok", PriorityMedium))
	if n := d.ClearByTag(context.Background(), BookingTag("b1")); n != 2 {
		t.Errorf("cleared %d, want 2", n)
	}
}
