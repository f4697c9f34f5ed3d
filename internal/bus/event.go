package bus

import "time"

// Event kinds published by the sync engine. Subscribers filter by prefix,
// so "message." receives every message event.
const (
	KindMessageAppended      = "message.appended"
	KindMessageStatusChanged = "message.status_changed"
	KindOutboxState          = "outbox.state"
	KindOutboxStateChanged   = "outbox.state_changed"
	KindStorageDegraded      = "storage.degraded"
	KindPresenceChanged      = "presence.changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// MessagePayload identifies the message an event refers to.
type MessagePayload struct {
	ChatID    string
	MessageID string
	Status    string
}

// OutboxPayload carries the queue processor's exposed flags.
type OutboxPayload struct {
	Online  bool
	Pending int
}

// PresencePayload reports the local participant's announced presence.
type PresencePayload struct {
	Participant string
	Online      bool
}

// DegradedPayload describes a local storage operation that failed. The
// in-memory view stays authoritative until the store recovers.
type DegradedPayload struct {
	Op     string
	ChatID string
	Err    string
}
