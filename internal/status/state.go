package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/besafe/chat/internal/bus"
	"github.com/besafe/chat/internal/events"
)

// State represents the realtime connection state.
type State string

const (
	Disconnected  State = "DISCONNECTED"
	Connecting    State = "CONNECTING"
	Connected     State = "CONNECTED"
	Authenticated State = "AUTHENTICATED"
)

// All lists every state, in lifecycle order.
var All = []State{Disconnected, Connecting, Connected, Authenticated}

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected:  {Connecting},
	Connecting:    {Connected, Disconnected},
	Connected:     {Authenticated, Disconnected},
	Authenticated: {Disconnected},
}

// Machine tracks and enforces connection state transitions. Only the
// connection manager drives it; everything else reads.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
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
// The state_changed event is published after the lock is released so handlers
// may read the machine.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(events.StateChanged{From: string(from), To: string(to)})
	}
	return nil
}

// Reset moves the machine to Disconnected from any state. It reports whether
// a transition happened.
func (m *Machine) Reset() bool {
	return m.Transition(Disconnected) == nil
}
