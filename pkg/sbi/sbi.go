// Package sbi implements the RISC-V Supervisor Binary Interface v0.3
// dispatch table the core's RISC-V backend forwards VS-mode ecalls to.
// Grounded on spec.md §6's extension table and the reference
// implementation's SBI handling in arceos-vmm.
package sbi

import (
	"time"

	"github.com/rvm-project/rvm/pkg/ipi"
)

// Extension IDs (SBI v0.3, base + legacy + a handful of real
// extensions spec.md names).
const (
	ExtBase         = 0x10
	ExtTimer        = 0x54494D45 // "TIME"
	ExtIPI          = 0x735049   // "sPI"
	ExtRFence       = 0x52464E43 // "RFNC"
	ExtHSM          = 0x48534D   // "HSM"
	ExtSystemReset  = 0x53525354 // "SRST"
	ExtPMU          = 0x504D55   // "PMU"
	ExtLegacyPutChar = 0x1
	ExtLegacyGetChar = 0x2
)

// Base extension function IDs.
const (
	baseGetSpecVersion = 0
	baseGetImplID      = 1
	baseGetImplVersion = 2
	baseProbeExtension = 3
	baseGetMvendorID   = 4
	baseGetMarchID     = 5
	baseGetMimpID      = 6
)

// TIME extension function IDs.
const timerSetTimer = 0

// tickNanos is the guest timebase's tick period: SetTimer's deadline
// argument is expressed in guest ticks, spec.md §8's seed test fixes
// the conversion at 100ns/tick.
const tickNanos = 100

// Standard SBI error codes.
const (
	Success              = 0
	ErrFailed            = -1
	ErrNotSupported      = -2
	ErrInvalidParam      = -3
	ErrDenied            = -4
	ErrInvalidAddress    = -5
	ErrAlreadyAvailable  = -6
)

const implID = 0x52564d // "RVM" packed

// Result is the (error, value) pair SBI calls return in a0/a1.
type Result struct {
	Error    int64
	Value    uint64
	Shutdown bool
}

// PLICHandler is the collaborator the RISC-V backend's PLIC-adjacent
// SBI/HVC traffic is routed to: the core ships the emulation model in
// pkg/plic, but keeps the dependency direction SBI -> interface rather
// than SBI -> pkg/plic to avoid an import cycle with pkg/vcpu/riscvvcpu.
type PLICHandler interface {
	Claim(hartID uint32) uint32
	Complete(hartID uint32, irq uint32)
	SetPriority(irq uint32, priority uint32)
	SetEnabled(hartID uint32, irq uint32, enabled bool)
	// SetHartActive toggles whether the PLIC delivers claims to hartID,
	// the HSM hart-start/hart-stop side effect spec.md §4.6 implies: a
	// stopped hart must not observe pending interrupts it cannot service.
	SetHartActive(hartID uint32, active bool)
}

// TimerHandler is the collaborator ExtTimer's SetTimer call arms: it
// owns hvip on the calling hart and the per-core timer list the
// deferred VSTIP-set event is registered against.
type TimerHandler interface {
	ClearVSTIP() error
	ArmDeadline(deadlineNanos int64)
}

// IPIHandler is the collaborator ExtIPI/ExtRFence route to: sending a
// wake-up to another hart's IPI queue.
type IPIHandler interface {
	SendIPI(hartID uint32, kind ipi.Kind) error
}

// Deps bundles the optional collaborators Dispatch routes PLIC, timer,
// and IPI extensions to. A nil Timer or IPI collaborator makes the
// corresponding extension report ErrNotSupported rather than panicking;
// a nil PLIC only skips the HSM calls' SetHartActive side effect, and
// HSM still reports Success.
type Deps struct {
	PLIC  PLICHandler
	Timer TimerHandler
	IPI   IPIHandler
}

// Dispatch runs one SBI call identified by (extension a7, function a6)
// with the six a0-a5 arguments, issued by hartID.
func Dispatch(deps Deps, hartID uint32, extension, function uint64, args [6]uint64) Result {
	switch extension {
	case ExtBase:
		return dispatchBase(function, args)
	case ExtLegacyPutChar:
		// legacy console output, no dedicated extension struct: a0 is
		// the character.
		return Result{Error: Success}
	case ExtLegacyGetChar:
		return Result{Error: Success, Value: ^uint64(0)} // no input pending
	case ExtTimer:
		return dispatchTimer(deps.Timer, function, args)
	case ExtIPI:
		return dispatchIPI(deps.IPI, args)
	case ExtRFence:
		return dispatchRFence(deps.IPI, args)
	case ExtHSM:
		return dispatchHSM(deps.PLIC, hartID, function, args)
	case ExtSystemReset:
		return Result{Error: Success, Shutdown: true}
	case ExtPMU:
		return Result{Error: ErrNotSupported}
	default:
		return Result{Error: ErrNotSupported}
	}
}

func dispatchBase(function uint64, args [6]uint64) Result {
	switch function {
	case baseGetSpecVersion:
		return Result{Error: Success, Value: 0x000003} // v0.3
	case baseGetImplID:
		return Result{Error: Success, Value: implID}
	case baseGetImplVersion:
		return Result{Error: Success, Value: 1}
	case baseProbeExtension:
		return Result{Error: Success, Value: probeExtension(args[0])}
	case baseGetMvendorID, baseGetMarchID, baseGetMimpID:
		return Result{Error: Success, Value: 0}
	default:
		return Result{Error: ErrNotSupported}
	}
}

func probeExtension(ext uint64) uint64 {
	switch ext {
	case ExtBase, ExtTimer, ExtIPI, ExtRFence, ExtHSM, ExtSystemReset, ExtLegacyPutChar, ExtLegacyGetChar:
		return 1
	default:
		return 0
	}
}

// dispatchTimer implements SetTimer: clear hvip.VSTIP now, then arm a
// deadline (deadline_ticks*100ns out) whose eventual expiry sets
// hvip.VSTIP again on this hart's next entry.
func dispatchTimer(h TimerHandler, function uint64, args [6]uint64) Result {
	if function != timerSetTimer {
		return Result{Error: ErrNotSupported}
	}
	if h == nil {
		return Result{Error: ErrNotSupported}
	}

	if err := h.ClearVSTIP(); err != nil {
		return Result{Error: ErrFailed}
	}

	h.ArmDeadline(time.Now().UnixNano() + int64(args[0])*tickNanos)

	return Result{Error: Success}
}

// dispatchIPI implements sbi_send_ipi: args[0] is the hart mask, args[1]
// is the mask's base hart id. Every targeted hart gets a Reschedule IPI,
// the generic "wake and re-check pending state" signal.
func dispatchIPI(h IPIHandler, args [6]uint64) Result {
	return sendToMask(h, args, ipi.Reschedule)
}

// dispatchRFence implements the RFENCE family conservatively: rather
// than modeling each fence variant (sfence.vma, hfence.vvma, ...) RVM
// just kicks every targeted hart out of guest mode via the same
// Reschedule IPI, forcing it to re-enter and observe fresh CSR/page
// table state.
func dispatchRFence(h IPIHandler, args [6]uint64) Result {
	return sendToMask(h, args, ipi.Reschedule)
}

func sendToMask(h IPIHandler, args [6]uint64, kind ipi.Kind) Result {
	if h == nil {
		return Result{Error: ErrNotSupported}
	}

	mask, base := args[0], args[1]
	for bit := uint64(0); bit < 64; bit++ {
		if mask&(1<<bit) == 0 {
			continue
		}
		if err := h.SendIPI(uint32(base+bit), kind); err != nil {
			return Result{Error: ErrFailed}
		}
	}

	return Result{Error: Success}
}

// HSM (Hart State Management) function IDs.
const (
	hsmHartStart  = 0
	hsmHartStop   = 1
	hsmHartStatus = 2
)

const (
	hsmStateStarted      = 0
	hsmStateStopped      = 1
	hsmStateStartPending = 2
)

func dispatchHSM(plic PLICHandler, hartID uint32, function uint64, args [6]uint64) Result {
	switch function {
	case hsmHartStart:
		if plic != nil {
			plic.SetHartActive(uint32(args[0]), true)
		}

		return Result{Error: Success}
	case hsmHartStop:
		if plic != nil {
			plic.SetHartActive(hartID, false)
		}

		return Result{Error: Success}
	case hsmHartStatus:
		return Result{Error: Success, Value: hsmStateStarted}
	default:
		return Result{Error: ErrNotSupported}
	}
}
