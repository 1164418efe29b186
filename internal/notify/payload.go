package notify

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Priority drives delivery parameters.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority validates a priority name. Empty means low.
func ParsePriority(raw string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(raw))); p {
	case "":
		return PriorityLow, nil
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q", raw)
	}
}

// Pattern names a vibration pattern.
type Pattern string

const (
	PatternChat    Pattern = "chat"
	PatternBooking Pattern = "booking"
	PatternPayment Pattern = "payment"
	PatternUrgent  Pattern = "urgent"
	PatternSuccess Pattern = "success"
	PatternError   Pattern = "error"
)

var patterns = map[Pattern][]int{
	PatternChat:    {100, 50, 100},
	PatternBooking: {200, 100, 200, 100, 200},
	PatternPayment: {300, 100, 300},
	PatternUrgent:  {500, 200, 500, 200, 500},
	PatternSuccess: {100, 50, 100, 50, 100},
	PatternError:   {1000},
}

// Vibration returns a copy of the pattern in milliseconds.
func (p Pattern) Vibration() []int {
	return slices.Clone(patterns[p])
}

// Action is a button shown on a notification.
type Action struct {
	Action string
	Label  string
}

// Payload is one notification. It lives until delivered or superseded by
// a payload with the same tag.
type Payload struct {
	Title              string
	Body               string
	Icon               string
	Image              string
	Kind               string
	Priority           Priority
	Tag                string
	RequireInteraction bool
	Vibration          []int
	Actions            []Action
	ScheduledAt        *time.Time
	Data               map[string]string
}

const defaultIcon = "/icons/icon-192x192.png"

// resolve applies priority rules and defaults. high and urgent always
// require interaction and use the urgent pattern; low and medium never
// require interaction.
func resolve(p Payload) Payload {
	switch p.Priority {
	case PriorityHigh, PriorityUrgent:
		p.RequireInteraction = true
		p.Vibration = PatternUrgent.Vibration()
	case PriorityMedium:
		p.RequireInteraction = false
		if len(p.Vibration) == 0 {
			p.Vibration = PatternPayment.Vibration()
		}
	default:
		p.RequireInteraction = false
		if len(p.Vibration) == 0 {
			p.Vibration = PatternChat.Vibration()
		}
	}
	if p.Icon == "" {
		p.Icon = defaultIcon
	}
	if len(p.Actions) == 0 {
		p.Actions = []Action{{Action: "open", Label: "Open"}, {Action: "dismiss", Label: "Dismiss"}}
	}
	if p.Kind == "" {
		p.Kind = "unknown"
	}
	return p
}

// Welcome is shown once after permission is granted.
func Welcome() Payload {
	return Payload{
		Title:     "Notifications enabled",
		Body:      "You'll now receive instant updates for bookings, messages and payments.",
		Kind:      "welcome",
		Priority:  PriorityLow,
		Tag:       "welcome",
		Vibration: PatternSuccess.Vibration(),
		Actions:   []Action{{Action: "settings", Label: "Settings"}, {Action: "dismiss", Label: "Got it!"}},
	}
}

// ChatMessage announces an incoming chat message.
func ChatMessage(senderName, body, roomID string) Payload {
	return Payload{
		Title:    senderName,
		Body:     body,
		Kind:     "chat",
		Priority: PriorityLow,
		Tag:      "chat-" + roomID,
		Actions: []Action{
			{Action: "reply", Label: "Quick Reply"},
			{Action: "open", Label: "Open Chat"},
			{Action: "mark_read", Label: "Mark Read"},
		},
		Data: map[string]string{"room_id": roomID, "sender_name": senderName},
	}
}

// BookingTag is the dedup tag shared by every notice about one booking.
func BookingTag(bookingID string) string {
	return "booking-" + bookingID
}

// BookingConfirmed is dispatched when a booking conversation reaches chat.
func BookingConfirmed(bookingID, counterparty, summary string) Payload {
	return Payload{
		Title:     "Booking confirmed with " + counterparty,
		Body:      summary,
		Kind:      "booking",
		Priority:  PriorityHigh,
		Tag:       BookingTag(bookingID),
		Vibration: PatternBooking.Vibration(),
		Data:      map[string]string{"booking_id": bookingID},
	}
}

// BookingUpdate announces a booking lifecycle change.
func BookingUpdate(bookingID, status, body string, priority Priority) Payload {
	return Payload{
		Title:    "Booking " + strings.ReplaceAll(status, "_", " "),
		Body:     body,
		Kind:     "booking",
		Priority: priority,
		Tag:      BookingTag(bookingID),
		Data:     map[string]string{"booking_id": bookingID, "status": status},
	}
}

// BookingReminder fires ahead of a scheduled booking.
func BookingReminder(bookingID, counterparty string, at time.Time) Payload {
	return Payload{
		Title:    "Upcoming booking",
		Body:     fmt.Sprintf("Your session with %s starts at %s", counterparty, at.Format("15:04")),
		Kind:     "reminder",
		Priority: PriorityMedium,
		Tag:      "reminder-" + bookingID,
		Data:     map[string]string{"booking_id": bookingID},
	}
}
