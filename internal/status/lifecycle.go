package status

import (
	"fmt"
	"sync"
)

// AppState is the foreground/background state reported by the UI.
type AppState string

const (
	Foreground AppState = "foreground"
	Background AppState = "background"
)

// ParseAppState accepts "foreground"/"active" and "background"/"inactive".
func ParseAppState(s string) (AppState, error) {
	switch s {
	case "foreground", "active":
		return Foreground, nil
	case "background", "inactive":
		return Background, nil
	}
	return "", fmt.Errorf("unknown app state %q", s)
}

// Target returns the processor state an app state maps to.
func (a AppState) Target() State {
	if a == Background {
		return Paused
	}
	return Active
}

// Lifecycle is the app-state event source injected into the queue
// processor. Only changes are forwarded; repeated reports of the current
// state are dropped.
type Lifecycle struct {
	mu      sync.Mutex
	current AppState
	events  chan AppState
}

// NewLifecycle creates a lifecycle source in the given initial state.
func NewLifecycle(initial AppState) *Lifecycle {
	if initial != Background {
		initial = Foreground
	}
	return &Lifecycle{current: initial, events: make(chan AppState, 16)}
}

// Report records a new app state. Reports whether it was a change.
func (l *Lifecycle) Report(s AppState) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s == l.current {
		return false
	}
	l.current = s
	// Keep the newest state when the consumer lags.
	for {
		select {
		case l.events <- s:
			return true
		default:
			select {
			case <-l.events:
			default:
			}
		}
	}
}

// Current returns the last reported state.
func (l *Lifecycle) Current() AppState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Events returns the channel of state changes.
func (l *Lifecycle) Events() <-chan AppState {
	return l.events
}
