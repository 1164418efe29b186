// Package console is the line-oriented front end of the daemon. Each line
// is one command against the session, notification and unread state.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatbook/internal/bus"
	"github.com/matheus3301/chatbook/internal/chat"
	"github.com/matheus3301/chatbook/internal/gesture"
	"github.com/matheus3301/chatbook/internal/notify"
	"github.com/matheus3301/chatbook/internal/outbox"
	"github.com/matheus3301/chatbook/internal/realtime"
	"github.com/matheus3301/chatbook/internal/session"
	"github.com/matheus3301/chatbook/internal/store"
	"github.com/matheus3301/chatbook/internal/unread"
	"go.uber.org/zap"
)

// ErrQuit is returned by Execute for the quit command.
var ErrQuit = errors.New("quit")

// Channel injects counterparty messages for the recv command.
type Channel interface {
	Send(ctx context.Context, rec realtime.Record) (realtime.Ack, error)
}

// FailedSends lists outbox entries that gave up.
type FailedSends interface {
	Failed() ([]store.OutboxEntry, error)
}

// Deps are the components the console drives. Channel, Tracker and Unread
// may be nil; their commands then report an error. Outbox and Bus only add
// lines to queue and stats.
type Deps struct {
	Machine    *session.Machine
	Dispatcher *notify.Dispatcher
	Unread     *unread.Aggregator
	Tracker    *unread.Tracker
	Channel    Channel
	Outbox     FailedSends
	Bus        *bus.Bus
	Gesture    gesture.Config
	Logger     *zap.Logger
}

// Console executes commands and writes their output to out.
type Console struct {
	deps     Deps
	registry *Registry
	swipes   *gesture.Recognizer
	logger   *zap.Logger
	now      func() time.Time

	mu  sync.Mutex
	out io.Writer
}

// New creates a console writing to out.
func New(deps Deps, out io.Writer) *Console {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Console{
		deps:     deps,
		registry: NewRegistry(),
		logger:   logger,
		now:      time.Now,
		out:      out,
	}
	c.swipes = gesture.New(deps.Gesture, gesture.Handlers{
		OnSwipeUp:    func() { c.report(deps.Machine.Maximize()) },
		OnSwipeDown:  func() { c.report(deps.Machine.Minimize()) },
		OnSwipeLeft:  func() { c.report(deps.Machine.Back()) },
		OnSwipeRight: func() { c.closeSession() },
	})
	c.setupCommands()
	return c
}

// Run executes lines from in until EOF, quit, or ctx is done.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := c.Execute(ctx, scanner.Text())
		if errors.Is(err, ErrQuit) {
			return nil
		}
		if err != nil {
			c.printf("error: %v\n", err)
		}
	}
	return scanner.Err()
}

// Execute runs a single command line. Blank lines and '#' comments are ignored.
func (c *Console) Execute(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}
	cmd := ParseCommand(line)
	action, ok := c.registry.Lookup(cmd.Name)
	if !ok {
		return fmt.Errorf("unknown command %q (try help)", cmd.Name)
	}
	c.logger.Debug("console command", zap.String("command", cmd.Name))
	return action.Handler(ctx, cmd)
}

// Watch prints peer messages, send failures and delivered notifications
// until ctx is done. It blocks.
func (c *Console) Watch(ctx context.Context, b *bus.Bus) {
	msgs, unsubMsgs := b.Subscribe("message.", 64)
	defer unsubMsgs()
	notes, unsubNotes := b.Subscribe("notify.", 64)
	defer unsubNotes()
	localID := c.deps.Machine.LocalID()

	for {
		select {
		case evt := <-msgs:
			switch p := evt.Payload.(type) {
			case chat.Message:
				if evt.Kind == bus.KindMessageAppended && p.IsFromPeer(localID) {
					c.printf("%s: %s\n", p.SenderName, p.Body)
				}
			case outbox.Result:
				if evt.Kind == bus.KindSendFailed {
					c.printf("send failed: %s (%s)\n", p.ClientMsgID, p.Error)
				}
			}
		case evt := <-notes:
			if p, ok := evt.Payload.(notify.Payload); ok {
				c.printf("[notification] %s: %s\n", p.Title, p.Body)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.out, format, args...)
}

func (c *Console) report(err error) {
	if err != nil {
		c.printf("error: %v\n", err)
	}
}

func (c *Console) setupCommands() {
	r := c.registry
	r.Add("help", &Action{Usage: "help", Description: "List commands", Handler: c.cmdHelp}, "?")
	r.Add("quit", &Action{Usage: "quit", Description: "Stop the daemon",
		Handler: func(context.Context, Command) error { return ErrQuit }}, "exit")

	r.Add("open", &Action{Usage: "open <id> [book|schedule|price] [name]", Description: "Open a session", Handler: c.cmdOpen})
	r.Add("step", &Action{Usage: "step <duration|details|confirmation|chat>", Description: "Move to a booking step", Handler: c.cmdStep})
	r.Add("back", &Action{Usage: "back", Description: "Return to the previous step",
		Handler: func(context.Context, Command) error { return c.deps.Machine.Back() }})
	r.Add("duration", &Action{Usage: "duration <minutes>", Description: "Select the session length", Handler: c.cmdDuration})
	r.Add("details", &Action{Usage: "details <name> | <contact> | <location>", Description: "Set customer details", Handler: c.cmdDetails})
	r.Add("schedule", &Action{Usage: "schedule <RFC3339|+duration>", Description: "Set the booking slot", Handler: c.cmdSchedule})
	r.Add("min", &Action{Usage: "min", Description: "Minimize the session",
		Handler: func(context.Context, Command) error { return c.deps.Machine.Minimize() }}, "minimize")
	r.Add("max", &Action{Usage: "max", Description: "Restore the session",
		Handler: func(context.Context, Command) error { return c.deps.Machine.Maximize() }}, "maximize")
	r.Add("lock", &Action{Usage: "lock", Description: "Prevent closing the session",
		Handler: func(context.Context, Command) error { return c.deps.Machine.Lock() }})
	r.Add("unlock", &Action{Usage: "unlock", Description: "Allow closing the session",
		Handler: func(context.Context, Command) error { return c.deps.Machine.Unlock() }})
	r.Add("close", &Action{Usage: "close", Description: "Close the session",
		Handler: func(context.Context, Command) error { c.closeSession(); return nil }})
	r.Add("show", &Action{Usage: "show", Description: "Print the session and its messages", Handler: c.cmdShow})

	r.Add("send", &Action{Usage: "send <text>", Description: "Send a message", Handler: c.cmdSend})
	r.Add("recv", &Action{Usage: "recv <text>", Description: "Deliver a message from the counterparty", Handler: c.cmdRecv})
	r.Add("retry", &Action{Usage: "retry <message id>", Description: "Resend a failed message",
		Handler: func(_ context.Context, cmd Command) error { return c.deps.Machine.Retry(cmd.Args) }})
	r.Add("discard", &Action{Usage: "discard <message id>", Description: "Drop a failed message",
		Handler: func(_ context.Context, cmd Command) error { return c.deps.Machine.Discard(cmd.Args) }})

	r.Add("booking", &Action{Usage: "booking <status>", Description: "Apply a booking status update", Handler: c.cmdBooking})
	r.Add("countdown", &Action{Usage: "countdown <seconds>|stop", Description: "Start or stop the countdown", Handler: c.cmdCountdown})
	r.Add("swipe", &Action{Usage: "swipe <x0> <y0> <x1> <y1> <ms>", Description: "Replay a pointer gesture", Handler: c.cmdSwipe})

	r.Add("unread", &Action{Usage: "unread", Description: "Show unread counts", Handler: c.cmdUnread})
	r.Add("read", &Action{Usage: "read <room id>", Description: "Mark a room read", Handler: c.cmdRead})

	r.Add("permission", &Action{Usage: "permission", Description: "Request notification permission", Handler: c.cmdPermission})
	r.Add("notify", &Action{Usage: "notify <title> | <body> [| priority]", Description: "Dispatch a notification", Handler: c.cmdNotify})
	r.Add("clear", &Action{Usage: "clear <tag>", Description: "Dismiss notifications with a tag", Handler: c.cmdClear})
	r.Add("action", &Action{Usage: "action <action> [tag]", Description: "Click a notification action", Handler: c.cmdAction})
	r.Add("queue", &Action{Usage: "queue", Description: "List queued notifications", Handler: c.cmdQueue})
	r.Add("stats", &Action{Usage: "stats", Description: "Show notification delivery stats", Handler: c.cmdStats})
}

func (c *Console) cmdHelp(context.Context, Command) error {
	c.printf("commands:\n%s\n", strings.Join(c.registry.Help(), "\n"))
	return nil
}

func (c *Console) cmdOpen(_ context.Context, cmd Command) error {
	f := cmd.Fields()
	if len(f) == 0 {
		return errors.New("usage: open <id> [book|schedule|price] [name]")
	}
	mode := session.ModeBook
	if len(f) > 1 {
		m, err := session.ParseMode(f[1])
		if err != nil {
			return err
		}
		mode = m
	}
	cp := session.Counterparty{ID: f[0], Name: strings.Join(f[min(2, len(f)):], " ")}
	if err := c.deps.Machine.Open(cp, mode); err != nil {
		return err
	}
	if c.deps.Tracker != nil {
		s := c.deps.Machine.Snapshot()
		if err := c.deps.Tracker.MarkRead(s.ConversationID(c.deps.Machine.LocalID())); err != nil {
			c.logger.Warn("mark room read failed", zap.Error(err))
		}
	}
	c.printf("opened session with %s (%s)\n", cp.ID, mode)
	return nil
}

func (c *Console) cmdStep(_ context.Context, cmd Command) error {
	step, err := session.ParseStep(cmd.Args)
	if err != nil {
		return err
	}
	return c.deps.Machine.Advance(step)
}

func (c *Console) cmdDuration(_ context.Context, cmd Command) error {
	mins, err := strconv.Atoi(cmd.Args)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", cmd.Args, err)
	}
	return c.deps.Machine.SetDuration(mins)
}

func (c *Console) cmdDetails(_ context.Context, cmd Command) error {
	parts := cmd.Parts()
	if len(parts) == 0 || parts[0] == "" {
		return errors.New("usage: details <name> | <contact> | <location>")
	}
	cust := session.Customer{Name: parts[0]}
	if len(parts) > 1 {
		cust.Contact = parts[1]
	}
	if len(parts) > 2 {
		cust.Location = parts[2]
	}
	return c.deps.Machine.SetCustomerDetails(cust)
}

func (c *Console) cmdSchedule(_ context.Context, cmd Command) error {
	at, err := c.parseWhen(cmd.Args)
	if err != nil {
		return err
	}
	return c.deps.Machine.SetSchedule(at)
}

func (c *Console) parseWhen(raw string) (time.Time, error) {
	if rel, ok := strings.CutPrefix(raw, "+"); ok {
		d, err := time.ParseDuration(rel)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid offset %q: %w", raw, err)
		}
		return c.now().Add(d), nil
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: %w", raw, err)
	}
	return at, nil
}

func (c *Console) closeSession() {
	s := c.deps.Machine.Snapshot()
	switch {
	case c.deps.Machine.Close():
		c.printf("session closed\n")
	case !s.IsOpen:
		c.printf("no open session\n")
	default:
		c.printf("session is locked\n")
	}
}

func (c *Console) cmdShow(context.Context, Command) error {
	s := c.deps.Machine.Snapshot()
	if !s.IsOpen {
		c.printf("no open session\n")
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "session %s (%s) mode=%s step=%s locked=%v minimized=%v\n",
		s.Counterparty.Name, s.Counterparty.ID, s.Mode, s.Step, s.Locked, s.IsMinimized)
	if s.SelectedDuration > 0 {
		fmt.Fprintf(&b, "  duration: %d min\n", s.SelectedDuration)
	}
	if s.ScheduledAt != nil {
		fmt.Fprintf(&b, "  scheduled: %s\n", s.ScheduledAt.Format(time.RFC3339))
	}
	if s.Booking != nil {
		fmt.Fprintf(&b, "  booking: %s %s\n", s.Booking.ID, s.Booking.Status)
	}
	if s.Countdown != nil {
		fmt.Fprintf(&b, "  countdown: %ds\n", *s.Countdown)
	}
	for _, m := range s.Messages {
		mark := ""
		if m.Delivery != chat.Confirmed {
			mark = " [" + string(m.Delivery) + "]"
		}
		fmt.Fprintf(&b, "  %s %s: %s%s (%s)\n", m.SentAt.Format("15:04:05"), m.SenderName, m.Body, mark, m.ID)
	}
	c.printf("%s", b.String())
	return nil
}

func (c *Console) cmdSend(_ context.Context, cmd Command) error {
	msg, err := c.deps.Machine.SendMessage(cmd.Args)
	if err != nil {
		return err
	}
	c.printf("queued %s\n", msg.ID)
	return nil
}

func (c *Console) cmdRecv(ctx context.Context, cmd Command) error {
	if c.deps.Channel == nil {
		return errors.New("no realtime channel")
	}
	body := strings.TrimSpace(cmd.Args)
	if body == "" {
		return session.ErrEmptyMessage
	}
	s := c.deps.Machine.Snapshot()
	if !s.IsOpen {
		return session.ErrNoSession
	}
	_, err := c.deps.Channel.Send(ctx, realtime.Record{
		Event:          realtime.EventCreate,
		ID:             uuid.NewString(),
		ConversationID: s.ConversationID(c.deps.Machine.LocalID()),
		SenderID:       s.Counterparty.ID,
		SenderName:     s.Counterparty.Name,
		Body:           body,
		Kind:           string(chat.KindText),
		SentAt:         c.now(),
	})
	return err
}

func (c *Console) cmdBooking(_ context.Context, cmd Command) error {
	status, err := session.ParseBookingStatus(cmd.Args)
	if err != nil {
		return err
	}
	return c.deps.Machine.UpdateBooking(status)
}

func (c *Console) cmdCountdown(_ context.Context, cmd Command) error {
	if cmd.Args == "stop" {
		c.deps.Machine.StopCountdown()
		return nil
	}
	secs, err := strconv.Atoi(cmd.Args)
	if err != nil {
		return fmt.Errorf("invalid countdown %q: %w", cmd.Args, err)
	}
	return c.deps.Machine.StartCountdown(secs, func() { c.printf("countdown expired\n") })
}

func (c *Console) cmdSwipe(_ context.Context, cmd Command) error {
	f := cmd.Fields()
	if len(f) != 5 {
		return errors.New("usage: swipe <x0> <y0> <x1> <y1> <ms>")
	}
	v := make([]float64, len(f))
	for i, s := range f {
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", s, err)
		}
		v[i] = n
	}
	start := c.now()
	c.swipes.PointerDown(v[0], v[1], start)
	c.swipes.PointerMove(v[2], v[3])
	dir := c.swipes.PointerUp(v[2], v[3], start.Add(time.Duration(v[4]*float64(time.Millisecond))))
	c.printf("swipe: %s\n", dir)
	return nil
}

func (c *Console) cmdUnread(ctx context.Context, _ Command) error {
	if c.deps.Unread == nil {
		return errors.New("unread counts unavailable")
	}
	s, err := c.deps.Unread.Refresh(ctx)
	if err != nil {
		return err
	}
	rooms := make([]string, 0, len(s.UnreadByRoom))
	for id, n := range s.UnreadByRoom {
		if n > 0 {
			rooms = append(rooms, id)
		}
	}
	sort.Strings(rooms)
	c.printf("unread: %d\n", s.TotalUnread)
	for _, id := range rooms {
		label := id
		if c.deps.Tracker != nil {
			if r, err := c.deps.Tracker.Room(id); err == nil && r != nil && r.Name != "" {
				label = id + " (" + r.Name + ")"
			}
		}
		c.printf("  %s: %d\n", label, s.UnreadByRoom[id])
	}
	return nil
}

func (c *Console) cmdRead(_ context.Context, cmd Command) error {
	if c.deps.Tracker == nil {
		return errors.New("unread counts unavailable")
	}
	if cmd.Args == "" {
		return errors.New("usage: read <room id>")
	}
	return c.deps.Tracker.MarkRead(cmd.Args)
}

func (c *Console) cmdPermission(ctx context.Context, _ Command) error {
	perm, err := c.deps.Dispatcher.RequestPermission(ctx)
	if err != nil {
		return err
	}
	c.printf("notification permission: %s\n", perm)
	return nil
}

func (c *Console) cmdNotify(ctx context.Context, cmd Command) error {
	parts := cmd.Parts()
	if len(parts) < 2 {
		return errors.New("usage: notify <title> | <body> [| priority]")
	}
	p := notify.Payload{Title: parts[0], Body: parts[1], Kind: "manual"}
	if len(parts) > 2 {
		prio, err := notify.ParsePriority(parts[2])
		if err != nil {
			return err
		}
		p.Priority = prio
	}
	if c.deps.Dispatcher.Permission() != notify.PermissionGranted {
		c.printf("notifications are not permitted\n")
		return nil
	}
	c.deps.Dispatcher.Dispatch(ctx, p)
	return nil
}

func (c *Console) cmdClear(ctx context.Context, cmd Command) error {
	if cmd.Args == "" {
		return errors.New("usage: clear <tag>")
	}
	c.printf("cleared %d\n", c.deps.Dispatcher.ClearByTag(ctx, cmd.Args))
	return nil
}

func (c *Console) cmdAction(ctx context.Context, cmd Command) error {
	f := cmd.Fields()
	if len(f) == 0 {
		return errors.New("usage: action <action> [tag]")
	}
	ev := notify.ActionEvent{Action: f[0]}
	if len(f) > 1 {
		ev.Tag = f[1]
	}
	if !c.deps.Dispatcher.HandleAction(ctx, ev) {
		c.printf("no handler for %s\n", ev.Action)
	}
	return nil
}

func (c *Console) cmdQueue(context.Context, Command) error {
	q := c.deps.Dispatcher.Queue()
	c.printf("queued notifications: %d (pending %d)\n", len(q), c.deps.Dispatcher.Pending())
	for _, p := range q {
		c.printf("  [%s] %s %s\n", p.Priority, p.Tag, p.Title)
	}
	if c.deps.Outbox == nil {
		return nil
	}
	failed, err := c.deps.Outbox.Failed()
	if err != nil {
		return err
	}
	c.printf("failed sends: %d\n", len(failed))
	for _, e := range failed {
		c.printf("  %s after %d attempts: %s\n", e.ClientMsgID, e.Attempts, e.ErrorMessage)
	}
	return nil
}

func (c *Console) cmdStats(context.Context, Command) error {
	s, err := c.deps.Dispatcher.Stats()
	if err != nil {
		return err
	}
	kinds := make([]string, 0, len(s.ByKind))
	for k := range s.ByKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	c.printf("delivered: %d\n", s.Total)
	for _, k := range kinds {
		c.printf("  %s: %d\n", k, s.ByKind[k])
	}
	if c.deps.Bus != nil {
		c.printf("dropped events: %d\n", c.deps.Bus.Dropped())
	}
	return nil
}
