package riscvvcpu

import (
	"sync"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/rvm-project/rvm/internal/kvmapi"
	"github.com/rvm-project/rvm/pkg/hverr"
	"github.com/rvm-project/rvm/pkg/ipi"
	"github.com/rvm-project/rvm/pkg/sbi"
	"github.com/rvm-project/rvm/pkg/timer"
	"github.com/rvm-project/rvm/pkg/vcpu"
)

var log = logrus.WithField("component", "riscvvcpu")

// scause trap codes RVM classifies (RISC-V privileged spec, interrupt
// bit clear: synchronous exceptions from a virtualized guest).
const (
	scauseVSEnvCall           = 10
	scauseInstrGuestPageFault = 20
	scauseLoadGuestPageFault  = 21
	scauseVirtualInstruction  = 22
	scauseStoreGuestPageFault = 23
)

type runData struct {
	_          [256]byte
	ExitReason uint32
}

const kvmRunExitRISCVSBI = 6 // vendor-specific exit reason surfacing an SBI call the kernel did not handle itself

// hvipOffsetWords is this repo's struct kvm_riscv_csr_h.hvip field
// offset, the VS-level interrupt-pending shadow SetTimer toggles.
const hvipOffsetWords = 7

// hvipVSTIP is the virtual supervisor timer interrupt pending bit
// within hvip (RISC-V privileged spec hvip layout: VSSIP=bit2,
// VSTIP=bit6, VSEIP=bit10).
const hvipVSTIP = 1 << 6

// HartRouter fans an SBI IPI/RFENCE call's hart mask out to each
// target hart's per-core IPI queue, letting any riscvvcpu instance in
// the VM reach any other by hart id.
type HartRouter struct {
	mu     sync.Mutex
	queues map[uint32]*ipi.Queue
}

// NewHartRouter returns an empty router; vCPUs register their own
// queue with it as they're constructed.
func NewHartRouter() *HartRouter {
	return &HartRouter{queues: map[uint32]*ipi.Queue{}}
}

func (r *HartRouter) register(hartID uint32, q *ipi.Queue) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.queues[hartID] = q
}

// SendIPI implements sbi.IPIHandler by looking up hartID's queue and
// enqueueing msg on it.
func (r *HartRouter) SendIPI(hartID uint32, kind ipi.Kind) error {
	r.mu.Lock()
	q := r.queues[hartID]
	r.mu.Unlock()

	if q == nil {
		return hverr.New(hverr.NotFound, "riscvvcpu: no ipi queue registered for hart %d", hartID)
	}

	return q.Send(ipi.Message{Kind: kind, VCpuID: int(hartID)})
}

// VCpu is the RISC-V H-extension (KVM-backed) architecture vCPU.
type VCpu struct {
	vmFd, vcpuFd uintptr
	run          *runData
	runRaw       []byte
	plic         sbi.PLICHandler
	hartID       uint32
	timers       *timer.List
	ipiQueue     *ipi.Queue
	router       *HartRouter
}

// New wires a VCpu to an already-created KVM vCPU fd, gives it its own
// timer list and IPI queue, and registers the queue with router so
// other harts' RFENCE/IPI calls can reach it.
func New(kvmFd, vmFd, vcpuFd uintptr, hartID uint32, plic sbi.PLICHandler, router *HartRouter) (*VCpu, error) {
	size, err := kvmapi.VCPUMMapSize(kvmFd)
	if err != nil {
		return nil, hverr.Wrap(err, hverr.Io, "riscvvcpu: KVM_GET_VCPU_MMAP_SIZE")
	}

	raw, err := unix.Mmap(int(vcpuFd), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, hverr.Wrap(err, hverr.Io, "riscvvcpu: mmap kvm_run")
	}

	queue := ipi.NewQueue()
	if router != nil {
		router.register(hartID, queue)
	}

	return &VCpu{
		vmFd: vmFd, vcpuFd: vcpuFd,
		run: (*runData)(unsafe.Pointer(&raw[0])), runRaw: raw,
		plic: plic, hartID: hartID, router: router,
		timers:   timer.NewList(queue),
		ipiQueue: queue,
	}, nil
}

// ClearVSTIP implements sbi.TimerHandler: clears hvip.VSTIP immediately
// on SetTimer, per spec.md §8's seed test.
func (v *VCpu) ClearVSTIP() error {
	return v.setVSTIP(false)
}

// SetVSTIP sets hvip.VSTIP; Run calls it before entering the guest for
// each event on this hart's timer list whose deadline has passed.
func (v *VCpu) SetVSTIP() error {
	return v.setVSTIP(true)
}

func (v *VCpu) setVSTIP(pending bool) error {
	hvipID := kvmapi.RISCVCSRRegID(hvipOffsetWords)

	hvip, err := kvmapi.GetOneReg(v.vcpuFd, hvipID)
	if err != nil {
		return hverr.Wrap(err, hverr.Io, "riscvvcpu: read hvip")
	}

	if pending {
		hvip |= hvipVSTIP
	} else {
		hvip &^= hvipVSTIP
	}

	if err := kvmapi.SetOneReg(v.vcpuFd, hvipID, hvip); err != nil {
		return hverr.Wrap(err, hverr.Io, "riscvvcpu: write hvip")
	}

	return nil
}

// ArmDeadline implements sbi.TimerHandler by registering an event on
// this hart's timer list; deadline_ticks*100ns conversion already
// happened in pkg/sbi.
func (v *VCpu) ArmDeadline(deadlineNanos int64) {
	v.timers.Register(timer.Event{Deadline: deadlineNanos, VCpuID: int(v.hartID)})
}

const hgatpOffsetWords = 0 // struct kvm_riscv_csr.hgatp is the first field RVM touches

// Setup installs the trap delegation RVM relies on: hedeleg and hideleg
// are cleared so ecall-from-VS and guest-page-faults trap to the
// hypervisor instead of being delegated to VS-mode. Setup does not
// write hgatp.
func (v *VCpu) Setup() error {
	hedelegID := kvmapi.RISCVCSRRegID(1)
	hidelegID := kvmapi.RISCVCSRRegID(2)

	if err := kvmapi.SetOneReg(v.vcpuFd, hedelegID, 0); err != nil {
		return hverr.Wrap(err, hverr.Io, "riscvvcpu: set hedeleg")
	}
	if err := kvmapi.SetOneReg(v.vcpuFd, hidelegID, 0); err != nil {
		return hverr.Wrap(err, hverr.Io, "riscvvcpu: set hideleg")
	}

	return nil
}

// ComputeHgatp builds the hgatp CSR value for Sv39x4 (mode 8) guest
// address translation rooted at rootPPN.
func ComputeHgatp(rootPPN uint64, vmid uint64) uint64 {
	const mode8 = uint64(8) << 60

	return mode8 | (vmid&0x3fff)<<44 | (rootPPN & 0xfffffffffff)
}

// SetEntryPoint sets sepc, the address the guest resumes at on the
// first SRET into VS-mode.
func (v *VCpu) SetEntryPoint(pc uint64) error {
	sepcID := kvmapi.RISCVCSRRegID(3)

	if err := kvmapi.SetOneReg(v.vcpuFd, sepcID, pc); err != nil {
		return hverr.Wrap(err, hverr.Io, "riscvvcpu: set sepc")
	}

	return nil
}

// InjectEvent is a no-op at this layer: pending guest interrupts are
// delivered through hvip, set by the caller via kvmapi.SetOneReg before
// the next Run, mirroring the other two backends' division of labor.
func (v *VCpu) InjectEvent(vcpu.PendingEvent) error { return nil }

// Run sets hvip.VSTIP for every expired timer event, steps the vCPU and
// classifies the resulting trap.
func (v *VCpu) Run() (vcpu.ExitReason, error) {
	now := time.Now().UnixNano()
	for {
		if _, due := v.timers.ExpireOne(now); !due {
			break
		}
		if err := v.SetVSTIP(); err != nil {
			return vcpu.ExitReason{}, err
		}
	}

	if err := kvmapi.Run(v.vcpuFd); err != nil {
		return vcpu.ExitReason{}, hverr.Wrap(err, hverr.Io, "riscvvcpu: KVM_RUN")
	}

	scause, err := kvmapi.GetOneReg(v.vcpuFd, kvmapi.RISCVCSRRegID(4))
	if err != nil {
		return vcpu.ExitReason{}, hverr.Wrap(err, hverr.Io, "riscvvcpu: read scause")
	}

	switch scause {
	case scauseVSEnvCall:
		return v.dispatchSBI()

	case scauseInstrGuestPageFault, scauseLoadGuestPageFault, scauseStoreGuestPageFault:
		trap, err := v.readTrapState()
		if err != nil {
			return vcpu.ExitReason{}, err
		}

		kind := vcpu.MmioRead
		if scause == scauseStoreGuestPageFault {
			kind = vcpu.MmioWrite
		}

		return vcpu.ExitReason{Kind: kind, Addr: trap.FaultGPA()}, nil

	default:
		log.WithField("scause", scause).Error("unhandled riscv trap")

		return vcpu.ExitReason{Kind: vcpu.Unknown}, hverr.New(hverr.Unsupported, "riscvvcpu: unhandled scause %d", scause)
	}
}

func (v *VCpu) readTrapState() (TrapState, error) {
	stval, err := kvmapi.GetOneReg(v.vcpuFd, kvmapi.RISCVCSRRegID(5))
	if err != nil {
		return TrapState{}, hverr.Wrap(err, hverr.Io, "riscvvcpu: read stval")
	}

	htval, err := kvmapi.GetOneReg(v.vcpuFd, kvmapi.RISCVCSRRegID(6))
	if err != nil {
		return TrapState{}, hverr.Wrap(err, hverr.Io, "riscvvcpu: read htval")
	}

	return TrapState{STVal: stval, HTVal: htval}, nil
}

// dispatchSBI reads the SBI extension/function IDs and arguments out of
// a0-a7, runs pkg/sbi's dispatch table (including PLIC-model-backed
// extensions), writes the result back into a0/a1, and advances sepc
// past the ecall instruction (always 4 bytes, ecall is never
// compressed).
func (v *VCpu) dispatchSBI() (vcpu.ExitReason, error) {
	a7, err := kvmapi.GetOneReg(v.vcpuFd, kvmapi.RISCVCoreRegID(uint64(GprA7)+1))
	if err != nil {
		return vcpu.ExitReason{}, hverr.Wrap(err, hverr.Io, "riscvvcpu: read a7")
	}
	a6, err := kvmapi.GetOneReg(v.vcpuFd, kvmapi.RISCVCoreRegID(uint64(GprA6)+1))
	if err != nil {
		return vcpu.ExitReason{}, hverr.Wrap(err, hverr.Io, "riscvvcpu: read a6")
	}

	var args [6]uint64
	for i := 0; i < 6; i++ {
		args[i], err = kvmapi.GetOneReg(v.vcpuFd, kvmapi.RISCVCoreRegID(uint64(GprA0)+1+uint64(i)))
		if err != nil {
			return vcpu.ExitReason{}, hverr.Wrap(err, hverr.Io, "riscvvcpu: read sbi arg")
		}
	}

	var ipiHandler sbi.IPIHandler
	if v.router != nil {
		ipiHandler = v.router
	}

	result := sbi.Dispatch(sbi.Deps{PLIC: v.plic, Timer: v, IPI: ipiHandler}, v.hartID, a7, a6, args)

	if err := kvmapi.SetOneReg(v.vcpuFd, kvmapi.RISCVCoreRegID(uint64(GprA0)+1), uint64(result.Error)); err != nil {
		return vcpu.ExitReason{}, hverr.Wrap(err, hverr.Io, "riscvvcpu: write sbi error")
	}
	if err := kvmapi.SetOneReg(v.vcpuFd, kvmapi.RISCVCoreRegID(uint64(GprA1)+1), result.Value); err != nil {
		return vcpu.ExitReason{}, hverr.Wrap(err, hverr.Io, "riscvvcpu: write sbi value")
	}

	sepcID := kvmapi.RISCVCSRRegID(3)
	sepc, err := kvmapi.GetOneReg(v.vcpuFd, sepcID)
	if err != nil {
		return vcpu.ExitReason{}, hverr.Wrap(err, hverr.Io, "riscvvcpu: read sepc")
	}
	if err := kvmapi.SetOneReg(v.vcpuFd, sepcID, sepc+4); err != nil {
		return vcpu.ExitReason{}, hverr.Wrap(err, hverr.Io, "riscvvcpu: advance sepc")
	}

	if result.Shutdown {
		return vcpu.ExitReason{Kind: vcpu.SystemDown}, nil
	}

	return vcpu.ExitReason{Kind: vcpu.Hypercall, HypercallNum: a7, HypercallArgs: args}, nil
}

// Close unmaps the kvm_run page.
func (v *VCpu) Close() error {
	if err := unix.Munmap(v.runRaw); err != nil {
		return hverr.Wrap(err, hverr.Io, "riscvvcpu: munmap kvm_run")
	}

	return nil
}
