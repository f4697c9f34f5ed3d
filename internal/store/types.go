package store

import "errors"

// Status is the delivery state of a message.
type Status string

const (
	// StatusSending is transient: set and resolved within one send.
	StatusSending Status = "sending"
	// StatusSent is terminal success.
	StatusSent Status = "sent"
	// StatusQueued means durably pending in the outbox.
	StatusQueued Status = "queued"
	// StatusFailed means retries were exhausted.
	StatusFailed Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusSending, StatusSent, StatusQueued, StatusFailed:
		return true
	}
	return false
}

const (
	// MaxChatMessages caps each conversation log.
	MaxChatMessages = 100
	// MaxOutboxEntries caps the global outbox.
	MaxOutboxEntries = 50
)

// ErrNoProfile is returned when no local profile has been registered.
var ErrNoProfile = errors.New("no local profile")

// Message is one chat message. ID is the client-generated idempotency key.
type Message struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Sender    string `json:"sender"`
	Timestamp int64  `json:"timestamp"` // unix ms
	Status    Status `json:"status"`
}

// OutboxEntry is a message waiting for remote delivery.
type OutboxEntry struct {
	ChatID     string
	Message    Message
	RetryCount int
}

// Profile is the single local user record.
type Profile struct {
	Name  string
	Phone string
}
