// Package armvcpu implements the AArch64 ArchVCpu backend on top of
// Linux KVM's arm64 ioctl surface (KVM_ARM_VCPU_INIT, KVM_SET_ONE_REG
// for system and core registers, KVM_EXIT_MMIO for stage-2 data
// aborts). No arm64 code exists in the teacher repo, so the ioctl
// plumbing is generalized from the teacher's x86 kvm.go call shape
// (open fd, ioctl with unsafe.Pointer, interpret the mmap'd kvm_run
// page) onto the arm64-specific ioctl numbers and register encodings.
package armvcpu

import (
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/rvm-project/rvm/internal/kvmapi"
	"github.com/rvm-project/rvm/pkg/hverr"
	"github.com/rvm-project/rvm/pkg/vcpu"
)

var log = logrus.WithField("component", "armvcpu")

const (
	kvmRunExitMMIO  = 6
	kvmRunExitHVC   = 17 // hypercall exit surfaced via vendor-specific reason on some kernels; no other exit reason is classified as a hypercall
	kvmARMTargetGeneric = 0
)

type mmioExit struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
}

type runData struct {
	_          [8]byte // request_interrupt_window/immediate_exit/padding, not read directly
	ExitReason uint32
	_          [20]byte // ready_for_interrupt_injection/if_flag/flags/cr8/apic_base
	MMIO       mmioExit
}

// VCpu is the AArch64 (KVM-backed) architecture vCPU.
type VCpu struct {
	vmFd, vcpuFd uintptr
	run          *runData
	runRaw       []byte
}

// New wires a VCpu to an already-created KVM vCPU fd and runs
// KVM_ARM_VCPU_INIT to select a generic virtual core target.
func New(kvmFd, vmFd, vcpuFd uintptr) (*VCpu, error) {
	size, err := kvmapi.VCPUMMapSize(kvmFd)
	if err != nil {
		return nil, hverr.Wrap(err, hverr.Io, "armvcpu: KVM_GET_VCPU_MMAP_SIZE")
	}

	raw, err := unix.Mmap(int(vcpuFd), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, hverr.Wrap(err, hverr.Io, "armvcpu: mmap kvm_run")
	}

	init := &kvmapi.ARMVCPUInit{Target: kvmARMTargetGeneric}
	if err := kvmapi.ARMVCPUInitDo(vcpuFd, init); err != nil {
		return nil, hverr.Wrap(err, hverr.Io, "armvcpu: KVM_ARM_VCPU_INIT")
	}

	return &VCpu{vmFd: vmFd, vcpuFd: vcpuFd, run: (*runData)(unsafe.Pointer(&raw[0])), runRaw: raw}, nil
}

// AArch64 system register op0/op1/crn/crm/op2 encodings for the
// registers spec.md §4.5 configures at Setup.
var (
	hcrEL2  = kvmapi.Arm64SysRegID(3, 4, 1, 1, 0)
	vtcrEL2 = kvmapi.Arm64SysRegID(3, 4, 2, 1, 2)
)

const (
	// HCR_EL2 bits RVM sets: VM (stage-2 enabled), RW (guest EL1 is
	// AArch64), TSC (HVC traps to EL2), IMO/FMO (route physical IRQ/FIQ
	// to EL2).
	hcrVM  = 1 << 0
	hcrRW  = 1 << 31
	hcrTSC = 1 << 19
	hcrIMO = 1 << 4
	hcrFMO = 1 << 3
)

// ComputeHCR returns the HCR_EL2 value RVM programs for every guest:
// stage-2 translation on, guest runs AArch64, HVC traps to this vCPU,
// physical interrupts routed through the hypervisor.
func ComputeHCR() uint64 {
	return hcrVM | hcrRW | hcrTSC | hcrIMO | hcrFMO
}

// ComputeVTCR encodes VTCR_EL2 for a 4KiB-granule, 3-level stage-2
// table matching pkg/pagetable's stage2Meta layout: T0SZ=25
// (39-bit IPA space), SL0=1 (start at level 1), TG0=0 (4KiB granule).
func ComputeVTCR(ipaBits uint64) uint64 {
	t0sz := 64 - ipaBits
	const sl0 = 1 << 6
	const tg0 = 0 << 14

	return t0sz | sl0 | tg0
}

// Setup programs HCR_EL2 and VTCR_EL2 for stage-2 translation.
func (v *VCpu) Setup() error {
	if err := kvmapi.SetOneReg(v.vcpuFd, hcrEL2, ComputeHCR()); err != nil {
		return hverr.Wrap(err, hverr.Io, "armvcpu: set HCR_EL2")
	}
	if err := kvmapi.SetOneReg(v.vcpuFd, vtcrEL2, ComputeVTCR(39)); err != nil {
		return hverr.Wrap(err, hverr.Io, "armvcpu: set VTCR_EL2")
	}

	return nil
}

// SetEntryPoint sets PC (core register offset 32 in struct kvm_regs.regs
// on arm64: 31 general registers + sp precede pc).
func (v *VCpu) SetEntryPoint(pc uint64) error {
	const pcOffsetWords = 32
	id := kvmapi.Arm64CoreRegID(pcOffsetWords)

	if err := kvmapi.SetOneReg(v.vcpuFd, id, pc); err != nil {
		return hverr.Wrap(err, hverr.Io, "armvcpu: set PC")
	}

	return nil
}

// InjectEvent is a no-op at this layer: KVM's in-kernel VGIC delivers
// queued virtual interrupts once the caller raises the line through
// kvmapi.IRQLine, mirroring the x86 backend's division of labor.
func (v *VCpu) InjectEvent(vcpu.PendingEvent) error { return nil }

// Run steps the vCPU and classifies the resulting exit: stage-2 data
// aborts always surface as Mmio{Read,Write}, never silently retired,
// closing the gap spec.md flags for a stub data-abort handler.
func (v *VCpu) Run() (vcpu.ExitReason, error) {
	if err := kvmapi.Run(v.vcpuFd); err != nil {
		return vcpu.ExitReason{}, hverr.Wrap(err, hverr.Io, "armvcpu: KVM_RUN")
	}

	switch v.run.ExitReason {
	case kvmRunExitMMIO:
		kind := vcpu.MmioRead
		if v.run.MMIO.IsWrite != 0 {
			kind = vcpu.MmioWrite
		}

		var value uint64
		for i := uint32(0); i < v.run.MMIO.Len && i < 8; i++ {
			value |= uint64(v.run.MMIO.Data[i]) << (8 * i)
		}

		return vcpu.ExitReason{Kind: kind, Addr: v.run.MMIO.PhysAddr, Size: v.run.MMIO.Len, Data: value}, nil

	case kvmRunExitHVC:
		x7, err := kvmapi.GetOneReg(v.vcpuFd, kvmapi.Arm64CoreRegID(7))
		if err != nil {
			return vcpu.ExitReason{}, hverr.Wrap(err, hverr.Io, "armvcpu: read x7 for HVC dispatch")
		}

		var args [6]uint64
		for i := range args {
			args[i], err = kvmapi.GetOneReg(v.vcpuFd, kvmapi.Arm64CoreRegID(uint64(i)))
			if err != nil {
				return vcpu.ExitReason{}, hverr.Wrap(err, hverr.Io, "armvcpu: read x%d for HVC args", i)
			}
		}

		return vcpu.ExitReason{Kind: vcpu.Hypercall, HypercallNum: x7, HypercallArgs: args}, nil

	default:
		log.WithField("exit_reason", v.run.ExitReason).Error("unhandled kvm exit reason")

		return vcpu.ExitReason{Kind: vcpu.Unknown}, hverr.New(hverr.Unsupported, "armvcpu: unhandled exit reason %d", v.run.ExitReason)
	}
}

// Close unmaps the kvm_run page.
func (v *VCpu) Close() error {
	if err := unix.Munmap(v.runRaw); err != nil {
		return hverr.Wrap(err, hverr.Io, "armvcpu: munmap kvm_run")
	}

	return nil
}
