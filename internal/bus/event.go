package bus

import "time"

// Event kinds published by the orchestrator. Subscribers filter by prefix,
// so "session." receives every session event.
const (
	KindSessionChanged  = "session.changed"
	KindMessageAppended = "message.appended"
	KindSendAck         = "message.send_ack"
	KindSendFailed      = "message.send_failed"
	KindRoomsChanged    = "room.changed"
	KindRealtimeMessage = "realtime.message"
	KindNotifyDelivered = "notify.delivered"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
