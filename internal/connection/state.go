// Package connection keeps a console client attached to the realtime gateway.
//
// The Manager is a finite state machine:
//
//	Idle -> Connecting -> Connected -> Reconnecting -> Degraded -> Closed
//
// Every state entry starts a new generation with its own context. Entering a
// state cancels the previous generation's context, which stops its timers and
// goroutines, and only a goroutine holding the current generation may request
// the next transition. Missed events are never replayed: every entry into
// Connected requests full snapshots, and Degraded polls them over HTTP.
package connection

import (
	"errors"
	"fmt"
	"time"

	"github.com/searchlight/searchlight/internal/presence"
)

// Errors.
var (
	ErrAuthMissing       = errors.New("no credential available")
	ErrHeartbeatTimeout  = errors.New("heartbeat not answered")
	ErrClosedTransport   = errors.New("transport closed")
	ErrMissingDependency = errors.New("connection manager requires a dialer")
)

// TransportError is a network level failure. It drives the reconnection
// policy and is never returned to callers of Connect.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// State is the FSM state.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDegraded     State = "degraded"
	StateClosed       State = "closed"
)

// Status is the coarse state shown to users.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusDegraded     Status = "degraded"
	StatusDisconnected Status = "disconnected"
)

// Status maps s to its coarse status.
func (s State) Status() Status {
	switch s {
	case StateConnected:
		return StatusConnected
	case StateConnecting, StateReconnecting:
		return StatusReconnecting
	case StateDegraded:
		return StatusDegraded
	default:
		return StatusDisconnected
	}
}

// StatusChange is published on every state transition.
type StatusChange struct {
	From   State
	To     State
	Status Status
	At     time.Time
}

// PresenceRoster marks a PresenceChanged that replaced the whole roster.
const PresenceRoster presence.Kind = "roster"

// PresenceChanged is published when the mirrored admin roster changes.
type PresenceChanged struct {
	Kind   presence.Kind
	Member presence.Member
	Size   int
}
