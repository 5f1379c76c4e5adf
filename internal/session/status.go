package session

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/tandemapp/tandem/internal/bus"
)

// State represents a session lifecycle state.
type State string

const (
	SignedOut      State = "SIGNED_OUT"
	Authenticating State = "AUTHENTICATING"
	SignedIn       State = "SIGNED_IN"
	Refreshing     State = "REFRESHING"
)

// Identity is the authenticated user. Exactly one Identity is current at
// a time, or none. Owned exclusively by the Manager; everything else
// reads snapshots.
type Identity struct {
	ID          string
	Email       string
	DisplayName string
	AvatarURL   string
	RoleTag     string
	Profile     map[string]string
}

// Status is the full tagged session state. Identity is non-nil exactly
// in SignedIn and Refreshing. ProfileFresh=false means the basic
// identity is known but the extended profile has not loaded yet.
type Status struct {
	State        State
	Identity     *Identity
	ProfileFresh bool
}

// validTransitions defines allowed state transitions. SignedIn->SignedIn
// covers identity refreshes and the two-phase profile upgrade.
var validTransitions = map[State][]State{
	SignedOut:      {Authenticating, SignedIn},
	Authenticating: {SignedIn, SignedOut},
	SignedIn:       {SignedIn, Refreshing, SignedOut},
	Refreshing:     {SignedIn, SignedOut},
}

// Machine tracks and enforces session status transitions. Only the
// Manager calls Transition, so transitions are totally ordered.
type Machine struct {
	mu      sync.RWMutex
	current Status
	bus     *bus.Bus
}

// NewMachine creates a machine starting in SignedOut.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Status{State: SignedOut},
		bus:     b,
	}
}

// Current returns a snapshot of the current status.
func (m *Machine) Current() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new status. Returns an error if the
// state edge is invalid.
func (m *Machine) Transition(to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current.State]
	if !slices.Contains(allowed, to.State) {
		return fmt.Errorf("invalid transition from %s to %s", m.current.State, to.State)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "session.status_changed",
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From Status
	To   Status
}
