// Package vcpu implements the architecture-generic virtual CPU wrapper:
// the lifecycle state machine, exit classification, pending-event FIFO,
// and per-physical-thread "current vCPU" pointer that every ArchVCpu
// variant (x86, AArch64, RISC-V) plugs into. Grounded on the reference
// implementation's axvcpu::vcpu module.
package vcpu

import "github.com/rvm-project/rvm/pkg/hverr"

// State is one point in the vCPU lifecycle.
type State uint8

const (
	Created State = iota
	Free
	Ready
	Running
	Blocked
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Free:
		return "free"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// transitions enumerates every legal (from, to) edge in the lifecycle
// (spec.md §3's VCpuState DAG): Created->Free on setup, Free->Ready on
// bind, Ready->Running on run, Running->Ready on run's return, and
// Ready->Free on unbind. Blocked has no defined entry or exit edge;
// run() always returns the vCPU to Ready regardless of exit reason.
var transitions = map[State]map[State]bool{
	Created: {Free: true},
	Free:    {Ready: true},
	Ready:   {Running: true, Free: true},
	Running: {Ready: true},
}

// TransitionState checks that moving from -> to is a legal edge in the
// vCPU lifecycle, returning hverr.BadState if it is not.
func TransitionState(from, to State) error {
	if transitions[from][to] {
		return nil
	}

	return hverr.New(hverr.BadState, "vcpu: illegal state transition %s -> %s", from, to)
}
