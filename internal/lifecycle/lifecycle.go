// Package lifecycle orders process startup so each step runs exactly once.
package lifecycle

import (
	"sync/atomic"

	"github.com/ramiqadoumi/tenantflow/internal/domain"
)

// Phase is a startup stage. Phases only move forward.
type Phase int32

const (
	Uninitialized Phase = iota
	Connected           // startup claimed, stores and bus connected; cache priming follows
	Processing          // queues consuming
	Started             // coordinator duties and endpoints up
	Stopped
)

func (p Phase) String() string {
	switch p {
	case Uninitialized:
		return "uninitialized"
	case Connected:
		return "connected"
	case Processing:
		return "processing"
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Machine holds the current phase. It is safe for concurrent use.
type Machine struct {
	phase atomic.Int32
}

// New returns a machine in the Uninitialized phase.
func New() *Machine { return &Machine{} }

// Phase returns the current phase.
func (m *Machine) Phase() Phase { return Phase(m.phase.Load()) }

// Advance moves to the phase directly after the current one. Skipping a
// phase or repeating one returns a *domain.TransitionError. Stop is the
// only transition allowed from any phase.
func (m *Machine) Advance(to Phase) error {
	if to == Stopped {
		return m.Stop()
	}
	from := to - 1
	if from < Uninitialized || !m.phase.CompareAndSwap(int32(from), int32(to)) {
		return &domain.TransitionError{From: m.Phase().String(), To: to.String()}
	}
	return nil
}

// Connect marks stores and bus as ready.
func (m *Machine) Connect() error { return m.Advance(Connected) }

// Process marks queues as consuming.
func (m *Machine) Process() error { return m.Advance(Processing) }

// Start marks the process fully started.
func (m *Machine) Start() error { return m.Advance(Started) }

// Stop moves to Stopped from any phase but Stopped.
func (m *Machine) Stop() error {
	for {
		cur := m.phase.Load()
		if Phase(cur) == Stopped {
			return &domain.TransitionError{From: Stopped.String(), To: Stopped.String()}
		}
		if m.phase.CompareAndSwap(cur, int32(Stopped)) {
			return nil
		}
	}
}

// Ready reports whether the process may receive work.
func (m *Machine) Ready() bool {
	p := m.Phase()
	return p == Processing || p == Started
}
