// Package sync owns the offline write queue: the engine replays pending
// messages after reconnects and the reconciler folds remote changes into
// the local cache. It is the only writer of message sync status.
package sync

import (
	"fmt"
	"slices"
	"sync"

	"github.com/questlog/questlog/internal/bus"
)

// State represents the engine's runtime state.
type State string

const (
	Booting   State = "BOOTING"
	Offline   State = "OFFLINE"
	Replaying State = "REPLAYING"
	Idle      State = "IDLE"
	Degraded  State = "DEGRADED"
	Errored   State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:   {Offline, Replaying, Idle, Errored},
	Offline:   {Replaying, Errored},
	Replaying: {Idle, Offline, Degraded, Errored},
	Idle:      {Replaying, Offline, Errored},
	Degraded:  {Replaying, Offline, Idle, Errored},
	Errored:   {Booting},
}

// Machine tracks and enforces engine state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in Booting.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Booting, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error when the
// transition is not allowed.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == to {
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.NewEvent("sync.status_changed", StatusChange{From: from, To: to}))
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
