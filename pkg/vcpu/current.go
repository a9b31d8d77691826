package vcpu

import (
	"sync"

	"golang.org/x/sys/unix"
)

// currentSlots maps an OS thread id to the VCpu currently entered on
// it. One hardware thread can only ever be inside one vCPU's entry
// path at a time; a second Enter from the same thread before Exit
// panics, matching the reference implementation's nesting-forbidden
// invariant.
var (
	currentMu    sync.Mutex
	currentSlots = map[int]*VCpu{}
)

func gettid() int { return unix.Gettid() }

// enterCurrent records v as the running vCPU on this OS thread.
func enterCurrent(v *VCpu) {
	tid := gettid()

	currentMu.Lock()
	defer currentMu.Unlock()

	if _, nested := currentSlots[tid]; nested {
		panic("vcpu: nested vcpu entry on the same OS thread")
	}

	currentSlots[tid] = v
}

// exitCurrent clears the running-vCPU slot for this OS thread.
func exitCurrent() {
	tid := gettid()

	currentMu.Lock()
	defer currentMu.Unlock()

	delete(currentSlots, tid)
}

// Current returns the vCPU currently entered on the calling OS thread,
// or nil if none.
func Current() *VCpu {
	tid := gettid()

	currentMu.Lock()
	defer currentMu.Unlock()

	return currentSlots[tid]
}
