package vcpu

import (
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/rvm-project/rvm/pkg/hverr"
)

var log = logrus.WithField("component", "vcpu")

// VCpu is the architecture-generic vCPU wrapper: it owns the lifecycle
// state machine, the pending-event FIFO, and delegates Setup/Run/Close
// to its ArchVCpu backend.
type VCpu struct {
	mu     sync.Mutex
	id     int
	arch   ArchVCpu
	state  State
	events PendingEvents
}

// New wraps backend as vCPU id, starting in the Created state.
func New(id int, backend ArchVCpu) *VCpu {
	return &VCpu{id: id, arch: backend, state: Created}
}

// ID returns the vCPU's index within its VM.
func (v *VCpu) ID() int { return v.id }

// State returns the vCPU's current lifecycle state.
func (v *VCpu) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.state
}

func (v *VCpu) transitionLocked(to State) error {
	if err := TransitionState(v.state, to); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{"vcpu": v.id, "from": v.state, "to": to}).Debug("state transition")
	v.state = to

	return nil
}

// Setup moves the vCPU Created -> Free and runs the backend's one-time
// configuration.
func (v *VCpu) Setup() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.arch.Setup(); err != nil {
		return err
	}

	return v.transitionLocked(Free)
}

// MarkReady moves the vCPU into the Ready state, from which it may be
// entered.
func (v *VCpu) MarkReady() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.transitionLocked(Ready)
}

// InjectEvent queues an interrupt/exception for the next entry and
// forwards it to the backend.
func (v *VCpu) InjectEvent(ev PendingEvent) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.events.Push(ev); err != nil {
		return err
	}

	return v.arch.InjectEvent(ev)
}

// SetEntryPoint configures the guest program counter prior to first Run.
func (v *VCpu) SetEntryPoint(pc uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != Free && v.state != Ready {
		return hverr.New(hverr.BadState, "vcpu %d: cannot set entry point in state %s", v.id, v.state)
	}

	return v.arch.SetEntryPoint(pc)
}

// Run transitions Ready -> Running, locks the calling goroutine to its
// OS thread and enters that thread as this vCPU, steps the backend
// once, and transitions back to Ready before returning, regardless of
// exit reason; Halt is returned to the caller like any other exit.
func (v *VCpu) Run() (ExitReason, error) {
	v.mu.Lock()
	if err := v.transitionLocked(Running); err != nil {
		v.mu.Unlock()

		return ExitReason{}, err
	}
	v.mu.Unlock()

	runtime.LockOSThread()
	enterCurrent(v)
	reason, err := v.arch.Run()
	exitCurrent()
	runtime.UnlockOSThread()

	v.mu.Lock()
	defer v.mu.Unlock()

	if terr := v.transitionLocked(Ready); terr != nil && err == nil {
		err = terr
	}

	return reason, err
}

// Free transitions the vCPU back to the Free state, releasing it for
// reconfiguration.
func (v *VCpu) Free() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.transitionLocked(Free)
}

// Close releases the backend's hardware resources. The vCPU must not
// be used again afterward.
func (v *VCpu) Close() error {
	return v.arch.Close()
}
