package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/parley/internal/bus"
)

// State is the queue processor's run state.
type State string

const (
	// Active: app foregrounded, retry timer running.
	Active State = "ACTIVE"
	// Paused: app backgrounded, timer suspended.
	Paused State = "PAUSED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Active: {Paused},
	Paused: {Active},
}

// Machine tracks and enforces processor state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in the given state.
// Anything other than Paused starts Active.
func NewMachine(initial State, b *bus.Bus) *Machine {
	if initial != Paused {
		initial = Active
	}
	return &Machine{
		current: initial,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.bus.Publish(bus.Event{
		Kind:      bus.KindOutboxStateChanged,
		Timestamp: time.Now(),
		Payload:   StatusChange{From: from, To: to},
	})
	return nil
}

// StatusChange is the payload for state change events.
type StatusChange struct {
	From State
	To   State
}
