// Package notify delivers local notifications: permission lifecycle,
// bounded queue, priority resolution, delayed delivery and action routing.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatbook/internal/bus"
	"github.com/matheus3301/chatbook/internal/store"
	"go.uber.org/zap"
)

// QueueCapacity bounds the dispatched-payload queue.
const QueueCapacity = 50

// Cancel aborts a pending delivery. Calling it more than once, or after
// delivery, does nothing.
type Cancel func()

func noop() {}

// Recorder persists delivery metrics.
type Recorder interface {
	RecordDelivery(kind, day string) error
	DeliveryStats() ([]store.DeliveryStat, error)
}

// ActionEvent is a user click on a notification action. A nil Data is
// filled from the delivered notification with the same tag.
type ActionEvent struct {
	Action string
	Tag    string
	Data   map[string]string
}

// ActionHandler reacts to a notification action.
type ActionHandler func(ctx context.Context, ev ActionEvent)

// Stats summarizes delivered notifications.
type Stats struct {
	Total  int
	ByKind map[string]int
	ByDay  map[string]int
}

type timer struct {
	id      uint64
	tag     string
	t       *time.Timer
	payload Payload
}

// Dispatcher is the notification entry point. Platform failures never reach
// callers of Dispatch; they are logged and the call becomes a no-op.
type Dispatcher struct {
	platform Platform
	prompter Prompter
	recorder Recorder
	bus      *bus.Bus
	logger   *zap.Logger
	now      func() time.Time

	mu         sync.Mutex
	permission Permission
	welcomed   bool
	queue      []Payload
	nextID     uint64
	timers     map[uint64]*timer
	byTag      map[string]uint64
	shown      map[string]Payload
	handlers   map[string]ActionHandler
	closed     bool
}

// NewDispatcher creates a dispatcher. platform, prompter, recorder and b may
// be nil; a nil platform turns every delivery into a logged no-op.
func NewDispatcher(platform Platform, prompter Prompter, recorder Recorder, b *bus.Bus, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prompter == nil {
		prompter = StaticPrompter(true)
	}
	perm := PermissionDefault
	if platform != nil {
		perm = platform.Permission()
	}
	return &Dispatcher{
		platform:   platform,
		prompter:   prompter,
		recorder:   recorder,
		bus:        b,
		logger:     logger,
		now:        time.Now,
		permission: perm,
		timers:     make(map[uint64]*timer),
		byTag:      make(map[string]uint64),
		shown:      make(map[string]Payload),
		handlers:   make(map[string]ActionHandler),
	}
}

// Permission returns the current permission state.
func (d *Dispatcher) Permission() Permission {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.permission
}

// RequestPermission runs the explanatory prompt and then the platform
// request. Declining the explanation leaves the state at default without
// touching the platform. The first grant shows the welcome notification
// and subscribes to push delivery; a push failure is only logged.
func (d *Dispatcher) RequestPermission(ctx context.Context) (Permission, error) {
	if d.platform == nil {
		return PermissionDefault, ErrUnavailable
	}

	d.mu.Lock()
	switch d.permission {
	case PermissionGranted, PermissionPrompt:
		p := d.permission
		d.mu.Unlock()
		return p, nil
	}
	prev := d.permission
	d.permission = PermissionPrompt
	d.mu.Unlock()

	ok, err := d.prompter.Explain(ctx)
	if err != nil || !ok {
		d.setPermission(PermissionDefault)
		if err != nil {
			return PermissionDefault, fmt.Errorf("explain notifications: %w", err)
		}
		d.logger.Info("notification prompt declined")
		return PermissionDefault, nil
	}

	perm, err := d.platform.RequestPermission(ctx)
	if err != nil {
		d.setPermission(prev)
		return prev, fmt.Errorf("request notification permission: %w", err)
	}
	d.setPermission(perm)

	switch perm {
	case PermissionGranted:
	case PermissionDenied:
		d.logger.Info("notification permission denied")
		return perm, ErrPermissionDenied
	default:
		return perm, nil
	}

	d.logger.Info("notification permission granted")
	d.mu.Lock()
	first := !d.welcomed
	d.welcomed = true
	d.mu.Unlock()
	if first {
		if err := d.platform.SubscribePush(ctx); err != nil {
			d.logger.Warn("push subscription failed", zap.Error(err))
		}
		d.Dispatch(ctx, Welcome())
	}
	return perm, nil
}

func (d *Dispatcher) setPermission(p Permission) {
	d.mu.Lock()
	d.permission = p
	d.mu.Unlock()
}

// Dispatch queues and delivers a payload. It is a silent no-op unless
// permission is granted. A payload with a future ScheduledAt is deferred
// and the returned Cancel aborts it; otherwise delivery is immediate.
func (d *Dispatcher) Dispatch(ctx context.Context, p Payload) Cancel {
	d.mu.Lock()
	if perm := d.permission; perm != PermissionGranted {
		d.mu.Unlock()
		d.logger.Debug("notification dropped, permission not granted",
			zap.String("tag", p.Tag), zap.String("permission", string(perm)))
		return noop
	}
	p = resolve(p)
	d.enqueueLocked(p)
	if old, ok := d.byTag[p.Tag]; ok && p.Tag != "" {
		d.cancelLocked(old)
		d.logger.Debug("scheduled notification superseded", zap.String("tag", p.Tag))
	}

	if p.ScheduledAt != nil {
		if delay := p.ScheduledAt.Sub(d.now()); delay > 0 {
			if d.closed {
				d.mu.Unlock()
				return noop
			}
			cancel := d.scheduleLocked(p, delay, false)
			d.mu.Unlock()
			return cancel
		}
	}
	d.mu.Unlock()

	d.deliver(ctx, p)
	return noop
}

// ScheduleDelayed dispatches p after delay. A pending payload with the same
// non-empty tag is superseded and never fires.
func (d *Dispatcher) ScheduleDelayed(p Payload, delay time.Duration) Cancel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return noop
	}
	p.ScheduledAt = nil
	return d.scheduleLocked(p, delay, true)
}

func (d *Dispatcher) scheduleLocked(p Payload, delay time.Duration, redispatch bool) Cancel {
	if p.Tag != "" {
		if old, ok := d.byTag[p.Tag]; ok {
			d.cancelLocked(old)
			d.logger.Debug("scheduled notification superseded", zap.String("tag", p.Tag))
		}
	}

	d.nextID++
	id := d.nextID
	tm := &timer{id: id, tag: p.Tag, payload: p}
	tm.t = time.AfterFunc(delay, func() { d.fire(id, redispatch) })
	d.timers[id] = tm
	if p.Tag != "" {
		d.byTag[p.Tag] = id
	}
	d.logger.Debug("notification scheduled",
		zap.String("tag", p.Tag), zap.Time("at", d.now().Add(delay)))

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.cancelLocked(id)
	}
}

func (d *Dispatcher) cancelLocked(id uint64) {
	tm, ok := d.timers[id]
	if !ok {
		return
	}
	tm.t.Stop()
	delete(d.timers, id)
	if d.byTag[tm.tag] == id {
		delete(d.byTag, tm.tag)
	}
}

func (d *Dispatcher) fire(id uint64, redispatch bool) {
	d.mu.Lock()
	tm, ok := d.timers[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.timers, id)
	if d.byTag[tm.tag] == id {
		delete(d.byTag, tm.tag)
	}
	granted := d.permission == PermissionGranted
	d.mu.Unlock()

	ctx := context.Background()
	if redispatch {
		d.Dispatch(ctx, tm.payload)
		return
	}
	if granted {
		d.deliver(ctx, tm.payload)
	}
}

func (d *Dispatcher) enqueueLocked(p Payload) {
	d.queue = append(d.queue, p)
	if len(d.queue) > QueueCapacity {
		copy(d.queue, d.queue[1:])
		d.queue[len(d.queue)-1] = Payload{}
		d.queue = d.queue[:QueueCapacity]
	}
}

func (d *Dispatcher) deliver(ctx context.Context, p Payload) {
	if d.platform == nil {
		d.logger.Debug("no notification platform", zap.String("tag", p.Tag))
		return
	}
	if err := d.platform.Show(ctx, p); err != nil {
		d.logger.Warn("notification delivery failed", zap.String("tag", p.Tag), zap.Error(err))
		return
	}
	if p.Tag != "" {
		d.mu.Lock()
		d.shown[p.Tag] = p
		d.mu.Unlock()
	}
	if d.recorder != nil {
		day := d.now().Format(time.DateOnly)
		if err := d.recorder.RecordDelivery(p.Kind, day); err != nil {
			d.logger.Warn("record notification metric", zap.Error(err))
		}
	}
	if d.bus != nil {
		d.bus.Publish(bus.NewEvent(bus.KindNotifyDelivered, p))
	}
}

// Queue returns a copy of the queued payloads, oldest first.
func (d *Dispatcher) Queue() []Payload {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Payload, len(d.queue))
	copy(out, d.queue)
	return out
}

// Pending returns how many deferred deliveries are outstanding.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

// ClearByTag dismisses visible notifications sharing tag and returns how
// many were closed.
func (d *Dispatcher) ClearByTag(ctx context.Context, tag string) int {
	d.mu.Lock()
	delete(d.shown, tag)
	d.mu.Unlock()
	if d.platform == nil {
		return 0
	}
	n, err := d.platform.CloseTag(ctx, tag)
	if err != nil {
		d.logger.Warn("clear notifications failed", zap.String("tag", tag), zap.Error(err))
		return 0
	}
	d.logger.Debug("notifications cleared", zap.String("tag", tag), zap.Int("count", n))
	return n
}

// OnAction registers the handler for an action name, replacing any previous one.
func (d *Dispatcher) OnAction(action string, h ActionHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[action] = h
}

// HandleAction routes a clicked action. An unhandled "dismiss" clears the
// tag. It reports whether anything handled the event.
func (d *Dispatcher) HandleAction(ctx context.Context, ev ActionEvent) bool {
	d.mu.Lock()
	h, ok := d.handlers[ev.Action]
	if ev.Data == nil {
		ev.Data = d.shown[ev.Tag].Data
	}
	d.mu.Unlock()
	if ok {
		h(ctx, ev)
		return true
	}
	if ev.Action == "dismiss" && ev.Tag != "" {
		d.ClearByTag(ctx, ev.Tag)
		return true
	}
	d.logger.Debug("unhandled notification action", zap.String("action", ev.Action))
	return false
}

// Stats aggregates the recorded delivery metrics.
func (d *Dispatcher) Stats() (Stats, error) {
	s := Stats{ByKind: make(map[string]int), ByDay: make(map[string]int)}
	if d.recorder == nil {
		return s, nil
	}
	rows, err := d.recorder.DeliveryStats()
	if err != nil {
		return s, fmt.Errorf("load notification stats: %w", err)
	}
	for _, r := range rows {
		s.Total += r.Count
		s.ByKind[r.Kind] += r.Count
		s.ByDay[r.Day] += r.Count
	}
	return s, nil
}

// Close cancels every pending delivery. Later schedules are no-ops.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for id := range d.timers {
		d.cancelLocked(id)
	}
}
