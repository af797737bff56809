// Package status tracks the connection state of the engine.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/courier/internal/bus"
)

// State is a connection state.
type State string

const (
	Booting      State = "BOOTING"
	Connecting   State = "CONNECTING"
	CatchingUp   State = "CATCHING_UP"
	Ready        State = "READY"
	Reconnecting State = "RECONNECTING"
	LoggedOut    State = "LOGGED_OUT"
	Error        State = "ERROR"
)

// Changed is the kind of the event published on every transition.
const Changed = bus.Connection + "state_changed"

var validTransitions = map[State][]State{
	Booting:      {Connecting, LoggedOut, Error},
	Connecting:   {CatchingUp, Reconnecting, LoggedOut, Error},
	CatchingUp:   {Ready, Reconnecting, LoggedOut, Error},
	Ready:        {Reconnecting, LoggedOut, Error},
	Reconnecting: {Connecting, LoggedOut, Error},
	LoggedOut:    {Connecting, Error},
	Error:        {Booting, Reconnecting},
}

// Machine enforces the connection state transitions and publishes each one.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine returns a machine in Booting.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Can reports whether moving to `to` is allowed from the current state.
func (m *Machine) Can(to State) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(validTransitions[m.current], to)
}

// Transition moves to a new state, or fails if the move is not allowed.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	m.bus.Publish(bus.Event{
		Kind:      Changed,
		Timestamp: m.since,
		Payload:   StatusChange{From: from, To: to},
	})
	return nil
}

// StatusChange is the payload of Changed events.
type StatusChange struct {
	From State
	To   State
}
