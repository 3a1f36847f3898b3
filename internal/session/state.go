// Package session binds one pipeline endpoint to one flow. A Session owns the
// flow handle, the clock-domain anchor and the ring reader or writer, and
// serializes every operation on them behind a single mutex.
package session

import (
	"fmt"
	"strings"
)

// Role is the direction of a binding.
type Role int

const (
	// RoleSink writes pipeline buffers into a flow.
	RoleSink Role = iota
	// RoleSource reads a flow into pipeline buffers.
	RoleSource
)

func (r Role) String() string {
	switch r {
	case RoleSink:
		return "sink"
	case RoleSource:
		return "source"
	default:
		return "unknown"
	}
}

// ParseRole accepts "sink" or "source".
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sink":
		return RoleSink, nil
	case "source":
		return RoleSource, nil
	}
	return 0, fmt.Errorf("session: unknown role %q", s)
}

// State is a session's position in its lifecycle.
//
//	Uninitialized -> Anchored -> Steady <-> Resyncing
//	any state -> Stopped
type State int

const (
	StateUninitialized State = iota
	StateAnchored
	StateSteady
	StateResyncing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateAnchored:
		return "anchored"
	case StateSteady:
		return "steady"
	case StateResyncing:
		return "resyncing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON snapshots.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// next returns the state after a unit was processed. anchored reports that
// this unit established the anchor, resynced that it recaptured it.
func (s State) next(anchored, resynced bool) State {
	switch {
	case s == StateStopped:
		return s
	case resynced:
		return StateResyncing
	case anchored:
		return StateAnchored
	case s == StateUninitialized:
		return s
	default:
		return StateSteady
	}
}

// MarshalText renders the role name in JSON snapshots.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}
