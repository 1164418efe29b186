package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/chatbook/internal/chat"
)

// Mode is why the session was opened.
type Mode string

const (
	ModeBook     Mode = "book"
	ModeSchedule Mode = "schedule"
	ModePrice    Mode = "price"
)

// ParseMode validates a mode name. Empty means book.
func ParseMode(raw string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(raw))); m {
	case "":
		return ModeBook, nil
	case ModeBook, ModeSchedule, ModePrice:
		return m, nil
	default:
		return "", fmt.Errorf("unknown session mode %q", raw)
	}
}

// Counterparty is the provider on the other side of the conversation.
type Counterparty struct {
	ID   string
	Name string
}

type LatLng struct {
	Lat float64
	Lng float64
}

// Customer holds the details collected in the details step.
type Customer struct {
	Name        string
	Contact     string
	Location    string
	Coordinates *LatLng
}

// BookingStatus is the lifecycle of a confirmed booking.
type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingAccepted  BookingStatus = "accepted"
	BookingRejected  BookingStatus = "rejected"
	BookingOnTheWay  BookingStatus = "on_the_way"
	BookingCompleted BookingStatus = "completed"
	BookingCancelled BookingStatus = "cancelled"
	BookingExpired   BookingStatus = "expired"
)

// ParseBookingStatus validates a lifecycle status.
func ParseBookingStatus(raw string) (BookingStatus, error) {
	switch s := BookingStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case BookingPending, BookingAccepted, BookingRejected, BookingOnTheWay, BookingCompleted, BookingCancelled, BookingExpired:
		return s, nil
	default:
		return "", fmt.Errorf("unknown booking status %q", raw)
	}
}

// Final reports whether no further updates are accepted.
func (s BookingStatus) Final() bool {
	return s == BookingRejected || s == BookingCompleted || s == BookingCancelled || s == BookingExpired
}

type Booking struct {
	ID        string
	Status    BookingStatus
	Duration  int
	CreatedAt time.Time
}

// Session is a snapshot of the chat session. The zero value is "no session".
type Session struct {
	IsOpen           bool
	IsMinimized      bool
	Locked           bool
	Counterparty     Counterparty
	Mode             Mode
	Step             Step
	SelectedDuration int
	Customer         Customer
	ScheduledAt      *time.Time
	Countdown        *int
	Booking          *Booking
	Messages         []chat.Message
}

// ConversationID returns the room shared with the counterparty.
func (s Session) ConversationID(localID string) string {
	return chat.ConversationID(localID, s.Counterparty.ID)
}
