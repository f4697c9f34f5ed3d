// Package sync keeps an open conversation's visible message list consistent
// with the local store and the remote live tail.
package sync

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidParticipant is returned for participant ids with too few digits.
var ErrInvalidParticipant = errors.New("invalid participant id")

const minParticipantDigits = 10

// NormalizeParticipant strips everything but digits from a phone number and
// rejects results shorter than ten digits.
func NormalizeParticipant(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() < minParticipantDigits {
		return "", fmt.Errorf("%w: %q", ErrInvalidParticipant, raw)
	}
	return b.String(), nil
}

// ChatID returns the conversation id of a and b. It does not depend on
// argument order.
func ChatID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "_" + b
}

// NewMessageID returns "<unix ms>_<9 random hex chars>".
func NewMessageID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("%d_%s", now.UnixMilli(), suffix)
}
