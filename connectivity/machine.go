package connectivity

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Mode is the session's connectivity state.
type Mode string

const (
	// ModeOffline means no internet path and no active discovery.
	ModeOffline Mode = "offline"
	// ModeOnline means an internet path exists.
	ModeOnline Mode = "online"
	// ModeP2P means only short-range peer discovery is active.
	ModeP2P Mode = "p2p"
	// ModeHybrid means both an internet path and discovery are active.
	ModeHybrid Mode = "hybrid"
)

// Reachable reports whether the mode offers an internet path for relay
// traffic.
func (m Mode) Reachable() bool {
	return m == ModeOnline || m == ModeHybrid
}

// ModeFor computes the mode from the two inputs.
//
//	reachable discovering -> mode
//	false     false       -> offline
//	false     true        -> p2p
//	true      false       -> online
//	true      true        -> hybrid
func ModeFor(reachable, discovering bool) Mode {
	switch {
	case reachable && discovering:
		return ModeHybrid
	case reachable:
		return ModeOnline
	case discovering:
		return ModeP2P
	default:
		return ModeOffline
	}
}

// TransitionFunc observes a mode change. It fires once per actual
// change, never per input update that leaves the mode alone.
type TransitionFunc func(from, to Mode)

// Machine tracks the two inputs and recomputes the mode on every
// change.
type Machine struct {
	mu           sync.Mutex
	reachable    bool
	discovering  bool
	onTransition TransitionFunc
}

// NewMachine creates a machine starting from both inputs false
// (ModeOffline).
func NewMachine() *Machine {
	return &Machine{}
}

// OnTransition registers the transition observer. Only one observer is
// supported; registering replaces the previous one.
func (m *Machine) OnTransition(fn TransitionFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransition = fn
}

// Mode returns the current mode.
func (m *Machine) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ModeFor(m.reachable, m.discovering)
}

// SetReachable updates the network-reachability input.
func (m *Machine) SetReachable(reachable bool) {
	m.update(func() { m.reachable = reachable })
}

// SetDiscovering updates the peer-discovery input.
func (m *Machine) SetDiscovering(discovering bool) {
	m.update(func() { m.discovering = discovering })
}

func (m *Machine) update(apply func()) {
	m.mu.Lock()

	from := ModeFor(m.reachable, m.discovering)
	apply()
	to := ModeFor(m.reachable, m.discovering)

	fn := m.onTransition
	m.mu.Unlock()

	if from == to {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "update",
		"old_mode": from,
		"new_mode": to,
	}).Info("Connection mode changed")

	if fn != nil {
		fn(from, to)
	}
}
