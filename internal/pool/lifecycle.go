// Package pool implements the per-transport connection lifecycle state
// machine and the connection pool that multiplexes, reuses and evicts
// transports.
package pool

import (
	"fmt"
	"sync"

	"gatewaycore/internal/types"
)

// legalTransitions enumerates every transition allowed by the lifecycle
// state machine. disconnected is both the initial and the only terminal
// state (reached again after an explicit close).
var legalTransitions = map[types.ConnectionState]map[types.ConnectionState]bool{
	types.StateDisconnected: {types.StateConnecting: true},
	types.StateConnecting:   {types.StateConnected: true, types.StateFailed: true},
	types.StateConnected:    {types.StateReconnecting: true, types.StateDisconnected: true},
	types.StateReconnecting: {types.StateConnected: true, types.StateFailed: true, types.StateDisconnected: true},
	types.StateFailed:       {types.StateDisconnected: true},
}

// StateMachine tracks the lifecycle of a single pooled transport and
// rejects illegal transitions. Reads return a copy of the current state
// so observers never race with a mutator.
type StateMachine struct {
	mu    sync.RWMutex
	state types.ConnectionState
	onTransition func(from, to types.ConnectionState)
}

// NewStateMachine creates a state machine in the initial (disconnected)
// state. onTransition, if non-nil, is invoked synchronously after every
// legal transition (the pool uses this to emit ConnectionStateChanged).
func NewStateMachine(onTransition func(from, to types.ConnectionState)) *StateMachine {
	return &StateMachine{state: types.StateDisconnected, onTransition: onTransition}
}

// State returns the current state.
func (m *StateMachine) State() types.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Transition moves the machine to `to`. It returns an error if the
// transition is not legal from the current state; no state change
// occurs in that case.
func (m *StateMachine) Transition(to types.ConnectionState) error {
	m.mu.Lock()
	from := m.state
	allowed := legalTransitions[from][to]
	if !allowed {
		m.mu.Unlock()
		return fmt.Errorf("pool: illegal connection state transition %s -> %s", from, to)
	}
	m.state = to
	cb := m.onTransition
	m.mu.Unlock()

	if cb != nil {
		cb(from, to)
	}
	return nil
}
