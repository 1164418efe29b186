package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatbook/internal/bus"
	"github.com/matheus3301/chatbook/internal/notify"
	"go.uber.org/zap"
)

// UpdateBooking applies a lifecycle change from the provider side. It
// appends a system notice, clears earlier notifications for the booking
// and dispatches the new status under the same tag. Accepting starts the
// confirm countdown; final statuses cancel the pending reminder and the
// countdown.
func (m *Machine) UpdateBooking(status BookingStatus) error {
	if status == BookingPending || status == BookingExpired {
		return fmt.Errorf("booking cannot be set to %s", status)
	}

	m.mu.Lock()
	if !m.s.IsOpen {
		m.mu.Unlock()
		return ErrNoSession
	}
	cur := m.s.Booking
	if cur == nil {
		m.mu.Unlock()
		return ErrNoBooking
	}
	if cur.Status == status {
		m.mu.Unlock()
		return nil
	}
	if cur.Status.Final() {
		m.mu.Unlock()
		return fmt.Errorf("booking %s is already %s", cur.ID, cur.Status)
	}
	effects := m.setBookingStatusLocked(status)
	m.mu.Unlock()

	for _, fn := range effects {
		fn()
	}
	m.publish()
	return nil
}

// expireBooking runs when a lifecycle countdown reaches zero. It only
// applies while the booking it was started for still has status from.
func (m *Machine) expireBooking(gen uint64, bookingID string, from BookingStatus) {
	m.mu.Lock()
	b := m.s.Booking
	if m.gen != gen || b == nil || b.ID != bookingID || b.Status != from {
		m.mu.Unlock()
		return
	}
	effects := m.setBookingStatusLocked(BookingExpired)
	m.mu.Unlock()

	for _, fn := range effects {
		fn()
	}
	m.publish()
}

func (m *Machine) setBookingStatusLocked(status BookingStatus) []func() {
	next := *m.s.Booking
	next.Status = status
	m.s.Booking = &next
	text, priority := bookingNotice(status, m.s.Counterparty.Name)
	msg := m.systemMessageLocked(text)

	switch {
	case status == BookingAccepted:
		m.startBookingCountdownLocked(m.cfg.ConfirmTimeout)
	case status.Final():
		if m.cancelReminder != nil {
			m.cancelReminder()
			m.cancelReminder = nil
		}
		m.stopCountdownLocked()
	default:
		m.stopCountdownLocked()
	}

	effects := []func(){
		func() {
			m.logger.Info("booking updated", zap.String("booking_id", next.ID), zap.String("status", string(status)))
		},
		func() { m.publishEvent(bus.KindMessageAppended, msg) },
	}
	if m.notifier != nil {
		effects = append(effects, func() {
			m.notifier.ClearByTag(m.ctx, notify.BookingTag(next.ID))
			m.notifier.Dispatch(m.ctx, notify.BookingUpdate(next.ID, string(status), text, priority))
		})
	}
	return effects
}

// startBookingCountdownLocked counts timeout down for the current booking
// in its current status and expires the booking if nothing changes it.
func (m *Machine) startBookingCountdownLocked(timeout time.Duration) {
	seconds := max(int(timeout/time.Second), 1)
	gen, id, from := m.gen, m.s.Booking.ID, m.s.Booking.Status
	m.startCountdownLocked(seconds, func() { m.expireBooking(gen, id, from) })
}

func bookingNotice(status BookingStatus, name string) (string, notify.Priority) {
	switch status {
	case BookingAccepted:
		return name + " accepted your booking.", notify.PriorityMedium
	case BookingRejected:
		return name + " declined your booking.", notify.PriorityHigh
	case BookingOnTheWay:
		return name + " is on the way.", notify.PriorityMedium
	case BookingCompleted:
		return "Your session with " + name + " is complete.", notify.PriorityLow
	case BookingCancelled:
		return "Your booking with " + name + " was cancelled.", notify.PriorityHigh
	case BookingExpired:
		return "Your booking request with " + name + " has expired.", notify.PriorityHigh
	default:
		return "Booking " + string(status) + ".", notify.PriorityLow
	}
}

// StartCountdown counts seconds down once per tick, replacing any running
// countdown. onExpire runs outside the session lock when it reaches zero.
func (m *Machine) StartCountdown(seconds int, onExpire func()) error {
	if seconds <= 0 {
		return fmt.Errorf("countdown must be positive, got %d", seconds)
	}

	m.mu.Lock()
	if !m.s.IsOpen {
		m.mu.Unlock()
		return ErrNoSession
	}
	m.startCountdownLocked(seconds, onExpire)
	m.mu.Unlock()

	m.publish()
	return nil
}

func (m *Machine) startCountdownLocked(seconds int, onExpire func()) {
	if m.stopCountdown != nil {
		m.stopCountdown()
	}
	m.countdownGen++
	left := seconds
	m.s.Countdown = &left

	done := make(chan struct{})
	var once sync.Once
	m.stopCountdown = func() { once.Do(func() { close(done) }) }
	go m.runCountdown(m.countdownGen, done, m.cfg.CountdownTick, onExpire)
}

func (m *Machine) runCountdown(id uint64, done <-chan struct{}, tick time.Duration, onExpire func()) {
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
		}

		m.mu.Lock()
		if m.countdownGen != id || m.s.Countdown == nil {
			m.mu.Unlock()
			return
		}
		left := *m.s.Countdown - 1
		expired := left <= 0
		if expired {
			m.s.Countdown = nil
			m.stopCountdown = nil
		} else {
			m.s.Countdown = &left
		}
		m.mu.Unlock()

		m.publish()
		if expired {
			if onExpire != nil {
				onExpire()
			}
			return
		}
	}
}

// StopCountdown cancels the running countdown without firing it.
func (m *Machine) StopCountdown() {
	m.mu.Lock()
	m.stopCountdownLocked()
	m.mu.Unlock()
	m.publish()
}

func (m *Machine) stopCountdownLocked() {
	if m.stopCountdown != nil {
		m.stopCountdown()
		m.stopCountdown = nil
	}
	m.countdownGen++
	m.s.Countdown = nil
}
