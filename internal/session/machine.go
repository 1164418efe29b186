package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatbook/internal/bus"
	"github.com/matheus3301/chatbook/internal/chat"
	"github.com/matheus3301/chatbook/internal/notify"
	"go.uber.org/zap"
)

// FeedSource streams a conversation's merged feed into sink until the
// returned unsubscribe func is called.
type FeedSource interface {
	Subscribe(ctx context.Context, conversationID string, sink func(chat.Message)) (func(), error)
}

// Notifier is the notification surface the session drives.
type Notifier interface {
	Dispatch(ctx context.Context, p notify.Payload) notify.Cancel
	ScheduleDelayed(p notify.Payload, delay time.Duration) notify.Cancel
	ClearByTag(ctx context.Context, tag string) int
}

// Outbox accepts optimistic messages for delivery.
type Outbox interface {
	Enqueue(m chat.Message) error
	Discard(clientMsgID string) error
}

var (
	ErrNoSession      = errors.New("no open session")
	ErrNoBooking      = errors.New("session has no booking")
	ErrUnknownMessage = errors.New("unknown message")
	ErrEmptyMessage   = errors.New("message body is empty")
)

// Config holds the local actor and timing knobs.
type Config struct {
	LocalID   string
	LocalName string
	// ReminderLead is how long before a scheduled booking the reminder fires.
	ReminderLead time.Duration
	// CountdownTick is how long one countdown second lasts.
	CountdownTick time.Duration
	// ResponseTimeout is how long a new booking waits for the provider
	// to answer before it expires.
	ResponseTimeout time.Duration
	// ConfirmTimeout is how long an accepted booking waits for the next
	// update before it expires.
	ConfirmTimeout time.Duration
}

// Deps are the collaborators of a Machine. Any of them may be nil.
type Deps struct {
	Feeds    FeedSource
	Notifier Notifier
	Outbox   Outbox
	Bus      *bus.Bus
	Logger   *zap.Logger
}

// Machine is the single writer of session state. Every operation is one
// step under mu; subscribe, dispatch, enqueue and publish run after the
// lock is released. Cancels held by the session never block, so Close can
// run them under the lock before the reset.
type Machine struct {
	cfg      Config
	feeds    FeedSource
	notifier Notifier
	outbox   Outbox
	bus      *bus.Bus
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
	ctx      context.Context
	stop     context.CancelFunc

	mu   sync.Mutex
	s    Session
	feed *chat.Feed
	// gen changes whenever the session is replaced or torn down; deliveries
	// and late side effects tagged with an older gen are dropped.
	gen            uint64
	subGen         uint64
	unsubscribe    func()
	cancelReminder func()
	stopCountdown  func()
	countdownGen   uint64
}

// NewMachine creates a machine with no session.
func NewMachine(cfg Config, deps Deps) *Machine {
	if cfg.ReminderLead <= 0 {
		cfg.ReminderLead = time.Hour
	}
	if cfg.CountdownTick <= 0 {
		cfg.CountdownTick = time.Second
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 5 * time.Minute
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = time.Minute
	}
	if cfg.LocalName == "" {
		cfg.LocalName = cfg.LocalID
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Machine{
		cfg:      cfg,
		feeds:    deps.Feeds,
		notifier: deps.Notifier,
		outbox:   deps.Outbox,
		bus:      deps.Bus,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
		ctx:      ctx,
		stop:     stop,
	}
}

// LocalID returns the local actor ID.
func (m *Machine) LocalID() string {
	return m.cfg.LocalID
}

// Snapshot returns a copy of the current session.
func (m *Machine) Snapshot() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Session {
	s := m.s
	if m.feed != nil {
		s.Messages = m.feed.Messages()
	}
	if s.ScheduledAt != nil {
		at := *s.ScheduledAt
		s.ScheduledAt = &at
	}
	if s.Countdown != nil {
		n := *s.Countdown
		s.Countdown = &n
	}
	if s.Booking != nil {
		b := *s.Booking
		s.Booking = &b
	}
	if s.Customer.Coordinates != nil {
		c := *s.Customer.Coordinates
		s.Customer.Coordinates = &c
	}
	return s
}

// Open opens (or re-opens) the session with cp and locks it. A different
// counterparty replaces the session and its history; the same counterparty
// keeps its messages and booking but restarts the booking draft.
func (m *Machine) Open(cp Counterparty, mode Mode) error {
	if cp.ID == "" {
		return errors.New("counterparty id is required")
	}
	if cp.Name == "" {
		cp.Name = cp.ID
	}

	m.mu.Lock()
	if m.s.Counterparty.ID != cp.ID {
		m.releaseLocked()
		m.gen++
		m.feed = chat.NewFeed()
		m.s = Session{}
	} else {
		m.s.SelectedDuration = 0
		m.s.Customer = Customer{}
		m.s.ScheduledAt = nil
	}
	m.s.IsOpen = true
	m.s.IsMinimized = false
	m.s.Locked = true
	m.s.Counterparty = cp
	m.s.Mode = mode
	m.s.Step = StepDuration

	needSub := m.subGen != m.gen
	m.subGen = m.gen
	gen := m.gen
	conv := m.s.ConversationID(m.cfg.LocalID)
	m.mu.Unlock()

	m.logger.Info("session opened", zap.String("counterparty", cp.ID), zap.String("mode", string(mode)))
	if needSub {
		m.subscribe(gen, conv)
	}
	m.publish()
	return nil
}

func (m *Machine) subscribe(gen uint64, conv string) {
	if m.feeds == nil {
		return
	}
	unsub, err := m.feeds.Subscribe(m.ctx, conv, func(msg chat.Message) { m.receive(gen, msg) })
	if err != nil {
		m.logger.Error("feed subscribe failed", zap.String("conversation", conv), zap.Error(err))
		return
	}
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		unsub()
		return
	}
	m.unsubscribe = unsub
	m.mu.Unlock()
}

// receive merges a synchronized message. An echo of a pending local send
// confirms it.
func (m *Machine) receive(gen uint64, msg chat.Message) {
	m.mu.Lock()
	if gen != m.gen || m.feed == nil {
		m.mu.Unlock()
		return
	}
	added := m.feed.Insert(msg)
	confirmed := false
	if !added {
		if cur, ok := m.feed.Get(msg.ID); ok && cur.Delivery == chat.Pending {
			confirmed = m.feed.SetDelivery(msg.ID, chat.Confirmed)
		}
	}
	m.mu.Unlock()

	if added {
		m.publishEvent(bus.KindMessageAppended, msg)
	}
	if added || confirmed {
		m.publish()
	}
}

// AppendMessage inserts msg into the feed in (SentAt, ID) order. It
// reports false when there is no session or the ID is already present.
func (m *Machine) AppendMessage(msg chat.Message) bool {
	if msg.Delivery == "" {
		msg.Delivery = chat.Confirmed
	}
	m.mu.Lock()
	if m.feed == nil {
		m.mu.Unlock()
		return false
	}
	added := m.feed.Insert(msg)
	m.mu.Unlock()
	if added {
		m.publishEvent(bus.KindMessageAppended, msg)
		m.publish()
	}
	return added
}

// Advance moves to step to. Entering chat confirms the booking: one system
// summary message, one "booking confirmed" notification, and for scheduled
// sessions a reminder ReminderLead before the slot.
func (m *Machine) Advance(to Step) error {
	return m.step(func(Step) (Step, error) { return to, nil })
}

// Back returns to the previous step. There is no way back from duration or chat.
func (m *Machine) Back() error {
	return m.step(func(from Step) (Step, error) {
		to, ok := previous[from]
		if !ok {
			if from == StepChat {
				return "", &InvalidTransitionError{From: from, To: StepConfirmation}
			}
			return "", &InvalidTransitionError{From: from, To: from}
		}
		return to, nil
	})
}

func (m *Machine) step(target func(from Step) (Step, error)) error {
	m.mu.Lock()
	if !m.s.IsOpen {
		m.mu.Unlock()
		return ErrNoSession
	}
	from := m.s.Step
	to, err := target(from)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}
	m.s.Step = to
	var effects []func()
	if to == StepChat {
		effects = m.enterChatLocked()
	}
	m.mu.Unlock()

	m.logger.Debug("booking step", zap.String("from", string(from)), zap.String("to", string(to)))
	for _, fn := range effects {
		fn()
	}
	m.publish()
	return nil
}

func (m *Machine) enterChatLocked() []func() {
	now := m.now()
	booking := &Booking{
		ID:        m.newID(),
		Status:    BookingPending,
		Duration:  m.s.SelectedDuration,
		CreatedAt: now,
	}
	m.s.Booking = booking
	m.startBookingCountdownLocked(m.cfg.ResponseTimeout)

	summary := m.summaryLocked()
	msg := m.systemMessageLocked(summary)
	name := m.s.Counterparty.Name
	gen := m.gen

	effects := []func(){
		func() { m.publishEvent(bus.KindMessageAppended, msg) },
	}
	if m.notifier == nil {
		return effects
	}
	confirmed := notify.BookingConfirmed(booking.ID, name, summary)
	effects = append(effects, func() { m.notifier.Dispatch(m.ctx, confirmed) })

	if m.s.Mode == ModeSchedule && m.s.ScheduledAt != nil {
		at := *m.s.ScheduledAt
		if delay := at.Add(-m.cfg.ReminderLead).Sub(now); delay > 0 {
			reminder := notify.BookingReminder(booking.ID, name, at)
			effects = append(effects, func() { m.scheduleReminder(gen, reminder, delay) })
		}
	}
	return effects
}

func (m *Machine) scheduleReminder(gen uint64, p notify.Payload, delay time.Duration) {
	cancel := m.notifier.ScheduleDelayed(p, delay)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.s.Booking == nil || m.s.Booking.Status.Final() {
		cancel()
		return
	}
	if m.cancelReminder != nil {
		m.cancelReminder()
	}
	m.cancelReminder = cancel
}

func (m *Machine) summaryLocked() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Booking confirmed: %d min with %s", m.s.SelectedDuration, m.s.Counterparty.Name)
	if m.s.ScheduledAt != nil {
		fmt.Fprintf(&b, " on %s", m.s.ScheduledAt.Format("Mon 2 Jan 15:04"))
	}
	if m.s.Customer.Name != "" {
		fmt.Fprintf(&b, " for %s", m.s.Customer.Name)
	}
	if m.s.Customer.Location != "" {
		fmt.Fprintf(&b, " at %s", m.s.Customer.Location)
	}
	b.WriteString(".")
	return b.String()
}

func (m *Machine) systemMessageLocked(body string) chat.Message {
	msg := chat.Message{
		ID:             m.newID(),
		ConversationID: m.s.ConversationID(m.cfg.LocalID),
		SenderID:       chat.SystemSender,
		SenderName:     "System",
		Body:           body,
		Kind:           chat.KindSystem,
		SentAt:         m.now(),
		Delivery:       chat.Confirmed,
	}
	m.feed.Insert(msg)
	return msg
}

// SetDuration records the selected session length in minutes.
func (m *Machine) SetDuration(mins int) error {
	if mins <= 0 {
		return fmt.Errorf("duration must be positive, got %d", mins)
	}
	return m.mutate(func(s *Session) { s.SelectedDuration = mins })
}

// SetCustomerDetails records the customer's contact details.
func (m *Machine) SetCustomerDetails(c Customer) error {
	return m.mutate(func(s *Session) { s.Customer = c })
}

// SetSchedule records the slot of a scheduled booking.
func (m *Machine) SetSchedule(at time.Time) error {
	return m.mutate(func(s *Session) { s.ScheduledAt = &at })
}

// Minimize hides the session window. Lock and booking state are kept.
func (m *Machine) Minimize() error {
	return m.mutate(func(s *Session) { s.IsMinimized = true })
}

// Maximize shows the session window again.
func (m *Machine) Maximize() error {
	return m.mutate(func(s *Session) { s.IsMinimized = false })
}

// Lock prevents Close until Unlock.
func (m *Machine) Lock() error {
	return m.mutate(func(s *Session) { s.Locked = true })
}

// Unlock allows Close.
func (m *Machine) Unlock() error {
	return m.mutate(func(s *Session) { s.Locked = false })
}

func (m *Machine) mutate(fn func(s *Session)) error {
	m.mu.Lock()
	if !m.s.IsOpen {
		m.mu.Unlock()
		return ErrNoSession
	}
	fn(&m.s)
	m.mu.Unlock()
	m.publish()
	return nil
}

// Close tears the session down: feed subscription, countdown and reminder
// are cancelled, then state is reset. It does nothing while locked and
// reports whether the session was closed.
func (m *Machine) Close() bool {
	m.mu.Lock()
	if !m.s.IsOpen {
		m.mu.Unlock()
		return false
	}
	if m.s.Locked {
		m.mu.Unlock()
		m.logger.Info("close ignored, session is locked")
		return false
	}
	m.releaseLocked()
	m.gen++
	m.feed = nil
	m.s = Session{}
	m.mu.Unlock()

	m.logger.Info("session closed")
	m.publish()
	return true
}

// Shutdown releases every resource regardless of the lock.
func (m *Machine) Shutdown() {
	m.mu.Lock()
	m.releaseLocked()
	m.gen++
	m.mu.Unlock()
	m.stop()
}

func (m *Machine) releaseLocked() {
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	m.stopCountdownLocked()
	if m.cancelReminder != nil {
		m.cancelReminder()
		m.cancelReminder = nil
	}
}

func (m *Machine) publish() {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.NewEvent(bus.KindSessionChanged, m.Snapshot()))
}

func (m *Machine) publishEvent(kind string, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.NewEvent(kind, payload))
}
