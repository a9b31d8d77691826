// Package x86vcpu implements the Intel VMX ArchVCpu backend on top of
// Linux KVM. Grounded on the teacher's machine/machine.go run loop and
// kvm/cpuid.go CPUID-table handling, generalized from gokvm's
// single-purpose Linux-guest loader into the spec's Setup/Run/
// InjectEvent/SetEntryPoint/Close contract.
package x86vcpu

import (
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sys/unix"

	"github.com/rvm-project/rvm/internal/kvmapi"
	"github.com/rvm-project/rvm/pkg/hverr"
	"github.com/rvm-project/rvm/pkg/vcpu"
)

var log = logrus.WithField("component", "x86vcpu")

const kvmRunExitHLT = 5
const kvmRunExitIO = 2
const kvmRunExitMMIO = 6
const kvmRunExitINTR = 10
const kvmRunExitShutdown = 8

// kvmRunExitCRAccess and kvmRunExitXSETBV carry the VMX exit reason
// numbers (Intel SDM Vol. 3C Appendix C: CR_ACCESS=28, XSETBV=55) RVM's
// VMCS execution controls request userspace trapping for, mirroring
// the reference implementation's handle_cr/handle_xsetbv dispatch
// (original_source crates/axvm/src/arch/x86_64/vmx/vcpu2.rs) so CR0/
// CR4/EFER and XCR0 discipline stays enforced in-core per spec.md
// line 30.
const kvmRunExitCRAccess = 28
const kvmRunExitXSETBV = 55

// Fixed encoded lengths of the trapping instructions (mov-to-CR and
// xsetbv are both 3-byte opcodes in their common encodings), used to
// advance RIP past them since RVM does not decode guest instructions
// on these paths.
const crAccessInstrLen = 3
const xsetbvInstrLen = 3

// runData mirrors the fixed prefix of struct kvm_run, the fields RVM
// reads directly; the kernel-defined union past Data is accessed
// through the raw mmap'd page for IO/MMIO payloads.
type runData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

func (r *runData) ioFields() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xff
	size = (r.Data[0] >> 8) & 0xff
	port = (r.Data[0] >> 16) & 0xffff
	count = (r.Data[0] >> 32) & 0xffffffff
	offset = r.Data[1]

	return
}

// crAccessFields decodes a CR_ACCESS exit qualification: the control
// register number, the access type (0 = mov to CR), and the general
// register ordinal involved (Intel SDM Vol. 3C Table 27-3).
func (r *runData) crAccessFields() (crNum, accessType, gprNum uint64) {
	qual := r.Data[0]
	crNum = qual & 0xf
	accessType = (qual >> 4) & 0x3
	gprNum = (qual >> 8) & 0xf

	return
}

// xsetbvFields decodes an XSETBV exit: EDX:EAX hold the 64-bit value
// the guest requested, ECX selects the extended control register
// (RVM only supports XCR0, register 0).
func (r *runData) xsetbvFields() (xcrNum uint64, value uint64) {
	xcrNum = r.Data[0] & 0xffffffff
	value = r.Data[1]

	return
}

// gprByOrdinal returns the named field of regs matching the VMX
// general-register encoding order (RAX, RCX, RDX, RBX, RSP, RBP, RSI,
// RDI, R8-R15).
func gprByOrdinal(regs *kvmapi.Regs, ordinal uint64) uint64 {
	switch ordinal {
	case 0:
		return regs.RAX
	case 1:
		return regs.RCX
	case 2:
		return regs.RDX
	case 3:
		return regs.RBX
	case 4:
		return regs.RSP
	case 5:
		return regs.RBP
	case 6:
		return regs.RSI
	case 7:
		return regs.RDI
	case 8:
		return regs.R8
	case 9:
		return regs.R9
	case 10:
		return regs.R10
	case 11:
		return regs.R11
	case 12:
		return regs.R12
	case 13:
		return regs.R13
	case 14:
		return regs.R14
	default:
		return regs.R15
	}
}

func (r *runData) mmioFields() (phys uint64, data [8]byte, size uint32, isWrite uint8) {
	phys = r.Data[0]
	for i := 0; i < 8; i++ {
		data[i] = byte(r.Data[1] >> (8 * uint(i)))
	}
	size = uint32(r.Data[2])
	isWrite = uint8(r.Data[2] >> 32)

	return
}

// VCpu is the x86 VMX (KVM-backed) architecture vCPU.
type VCpu struct {
	kvmFd, vmFd, vcpuFd uintptr
	run                 *runData
	runRaw              []byte
	mem                 []byte
}

// New wires a VCpu to the open KVM device/VM fds and the vCPU fd KVM
// allocated for it, plus the flat guest-memory slice backing every
// committed region.
func New(kvmFd, vmFd, vcpuFd uintptr, guestMem []byte) (*VCpu, error) {
	size, err := kvmapi.VCPUMMapSize(kvmFd)
	if err != nil {
		return nil, hverr.Wrap(err, hverr.Io, "x86vcpu: KVM_GET_VCPU_MMAP_SIZE")
	}

	raw, err := unix.Mmap(int(vcpuFd), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, hverr.Wrap(err, hverr.Io, "x86vcpu: mmap kvm_run")
	}

	return &VCpu{
		kvmFd: kvmFd, vmFd: vmFd, vcpuFd: vcpuFd,
		run: (*runData)(unsafe.Pointer(&raw[0])), runRaw: raw, mem: guestMem,
	}, nil
}

// Setup installs the spoofed CPUID table (§4.4): clear the VMX/SMX and
// MCE bits the guest must not see, set the hypervisor-present bit, and
// advertise an RVM-owned hypervisor signature leaf.
func (v *VCpu) Setup() error {
	cpuid, err := kvmapi.GetSupportedCPUID(v.kvmFd)
	if err != nil {
		return hverr.Wrap(err, hverr.Io, "x86vcpu: KVM_GET_SUPPORTED_CPUID")
	}

	ApplyCPUIDSpoof(cpuid)

	if err := kvmapi.SetCPUID2(v.vcpuFd, cpuid); err != nil {
		return hverr.Wrap(err, hverr.Io, "x86vcpu: KVM_SET_CPUID2")
	}

	sregs, err := kvmapi.GetSregs(v.vcpuFd)
	if err != nil {
		return hverr.Wrap(err, hverr.Io, "x86vcpu: KVM_GET_SREGS")
	}

	sregs.CS.Base, sregs.CS.Limit, sregs.CS.G = 0, 0xffffffff, 1
	sregs.DS.Base, sregs.DS.Limit, sregs.DS.G = 0, 0xffffffff, 1
	sregs.ES.Base, sregs.ES.Limit, sregs.ES.G = 0, 0xffffffff, 1
	sregs.FS.Base, sregs.FS.Limit, sregs.FS.G = 0, 0xffffffff, 1
	sregs.GS.Base, sregs.GS.Limit, sregs.GS.G = 0, 0xffffffff, 1
	sregs.SS.Base, sregs.SS.Limit, sregs.SS.G = 0, 0xffffffff, 1
	sregs.CS.DB, sregs.SS.DB = 1, 1
	sregs.CR0 = ComputeCR0(sregs.CR0, true)

	if err := kvmapi.SetSregs(v.vcpuFd, sregs); err != nil {
		return hverr.Wrap(err, hverr.Io, "x86vcpu: KVM_SET_SREGS")
	}

	return nil
}

// SetEntryPoint sets RIP and sets RFLAGS to 0x2 (only the bit1
// reserved-as-one; IF stays clear) for a guest that starts execution
// cold.
func (v *VCpu) SetEntryPoint(pc uint64) error {
	regs, err := kvmapi.GetRegs(v.vcpuFd)
	if err != nil {
		return hverr.Wrap(err, hverr.Io, "x86vcpu: KVM_GET_REGS")
	}

	regs.RIP = pc
	regs.RFLAGS = 1 << 1

	if err := kvmapi.SetRegs(v.vcpuFd, regs); err != nil {
		return hverr.Wrap(err, hverr.Io, "x86vcpu: KVM_SET_REGS")
	}

	return nil
}

// InjectEvent is a no-op at the ArchVCpu layer: KVM's in-kernel
// local-APIC/IRQCHIP path delivers queued interrupts automatically once
// RFLAGS.IF and the APIC's IRR are set up by the caller through
// kvmapi.IRQLine; the generic wrapper's own FIFO is the bookkeeping of
// record.
func (v *VCpu) InjectEvent(vcpu.PendingEvent) error { return nil }

// Run steps the vCPU, re-entering on every trivial exit spec.md §2
// handles in-core (CR_ACCESS, XSETBV), and returns the first exit that
// is not one of those.
func (v *VCpu) Run() (vcpu.ExitReason, error) {
	for {
		if err := kvmapi.Run(v.vcpuFd); err != nil {
			return vcpu.ExitReason{}, hverr.Wrap(err, hverr.Io, "x86vcpu: KVM_RUN")
		}

		switch v.run.ExitReason {
		case kvmRunExitCRAccess:
			if err := v.handleCRAccess(); err != nil {
				return vcpu.ExitReason{}, err
			}

			continue

		case kvmRunExitXSETBV:
			if err := v.handleXSETBV(); err != nil {
				return vcpu.ExitReason{}, err
			}

			continue
		}

		return v.classifyExit()
	}
}

func (v *VCpu) classifyExit() (vcpu.ExitReason, error) {
	switch v.run.ExitReason {
	case kvmRunExitHLT:
		return vcpu.ExitReason{Kind: vcpu.Halt}, nil

	case kvmRunExitIO:
		direction, size, port, _, _ := v.run.ioFields()
		kind := vcpu.IoRead
		if direction == 1 {
			kind = vcpu.IoWrite
		}

		return vcpu.ExitReason{Kind: kind, Addr: port, Size: uint32(size)}, nil

	case kvmRunExitMMIO:
		phys, data, size, isWrite := v.run.mmioFields()
		kind := vcpu.MmioRead
		if isWrite != 0 {
			kind = vcpu.MmioWrite
		}

		var value uint64
		for i := uint32(0); i < size && i < 8; i++ {
			value |= uint64(data[i]) << (8 * i)
		}

		return vcpu.ExitReason{Kind: kind, Addr: phys, Size: size, Data: value}, nil

	case kvmRunExitINTR:
		return vcpu.ExitReason{Kind: vcpu.ExternalInterrupt}, nil

	case kvmRunExitShutdown:
		return vcpu.ExitReason{Kind: vcpu.SystemDown}, nil

	default:
		regs, _ := kvmapi.GetRegs(v.vcpuFd)
		log.WithFields(logrus.Fields{"exit_reason": v.run.ExitReason, "rip": regs.RIP}).
			Error("unhandled kvm exit reason")

		return vcpu.ExitReason{Kind: vcpu.Unknown}, hverr.New(hverr.Unsupported, "x86vcpu: unhandled exit reason %d at rip 0x%x", v.run.ExitReason, regs.RIP)
	}
}

// handleCRAccess applies ComputeCR4's VMXE/SMXE masking to a guest mov-
// to-CR4, and UpdateEFERLMA's LMA recomputation to a guest mov-to-CR0
// that flips PG, then advances RIP past the trapping instruction.
func (v *VCpu) handleCRAccess() error {
	crNum, accessType, gprNum := v.run.crAccessFields()
	if accessType != 0 {
		return nil // only mov-to-CR is intercepted by RVM's VMCS controls
	}

	regs, err := kvmapi.GetRegs(v.vcpuFd)
	if err != nil {
		return hverr.Wrap(err, hverr.Io, "x86vcpu: KVM_GET_REGS")
	}

	sregs, err := kvmapi.GetSregs(v.vcpuFd)
	if err != nil {
		return hverr.Wrap(err, hverr.Io, "x86vcpu: KVM_GET_SREGS")
	}

	value := gprByOrdinal(&regs, gprNum)

	switch crNum {
	case 0:
		pagingEnabled := value&cr0PG != 0
		sregs.CR0 = ComputeCR0(value, pagingEnabled)
		sregs.EFER = UpdateEFERLMA(sregs.EFER, pagingEnabled)
	case 4:
		sregs.CR4 = ComputeCR4(value)
	default:
		return hverr.New(hverr.Unsupported, "x86vcpu: CR_ACCESS to CR%d unsupported", crNum)
	}

	if err := kvmapi.SetSregs(v.vcpuFd, sregs); err != nil {
		return hverr.Wrap(err, hverr.Io, "x86vcpu: KVM_SET_SREGS")
	}

	return v.advanceRIP(&regs, crAccessInstrLen)
}

// handleXSETBV validates the guest's requested XCR0 value and advances
// RIP past the instruction; it does not write the value into the
// guest's XCR0. A write to any XCR other than XCR0, or a value
// ValidateXCR0 rejects, is returned as an error to the caller, and no
// #GP is injected into the guest.
func (v *VCpu) handleXSETBV() error {
	xcrNum, value := v.run.xsetbvFields()
	if xcrNum != 0 {
		return hverr.New(hverr.Unsupported, "x86vcpu: XSETBV to XCR%d unsupported", xcrNum)
	}

	if err := ValidateXCR0(value); err != nil {
		return err
	}

	regs, err := kvmapi.GetRegs(v.vcpuFd)
	if err != nil {
		return hverr.Wrap(err, hverr.Io, "x86vcpu: KVM_GET_REGS")
	}

	return v.advanceRIP(&regs, xsetbvInstrLen)
}

func (v *VCpu) advanceRIP(regs *kvmapi.Regs, instrLen uint64) error {
	regs.RIP += instrLen

	if err := kvmapi.SetRegs(v.vcpuFd, *regs); err != nil {
		return hverr.Wrap(err, hverr.Io, "x86vcpu: KVM_SET_REGS")
	}

	return nil
}

// Close unmaps the kvm_run page. The vCPU and VM fds are owned by the
// caller (pkg/vm), not this backend.
func (v *VCpu) Close() error {
	if err := unix.Munmap(v.runRaw); err != nil {
		return hverr.Wrap(err, hverr.Io, "x86vcpu: munmap kvm_run")
	}

	return nil
}

// decodeFaultingInstruction disassembles the guest instruction at rip
// out of the flat guest memory slice. classifyExit does not call it:
// MMIO exits are classified from the kvm_run exit info alone.
func decodeFaultingInstruction(mem []byte, rip uint64, mode int) (x86asm.Inst, error) {
	if rip >= uint64(len(mem)) {
		return x86asm.Inst{}, hverr.New(hverr.BadAddress, "x86vcpu: rip 0x%x out of guest memory", rip)
	}

	end := rip + 16
	if end > uint64(len(mem)) {
		end = uint64(len(mem))
	}

	inst, err := x86asm.Decode(mem[rip:end], mode)
	if err != nil {
		return x86asm.Inst{}, hverr.Wrap(err, hverr.Unsupported, "x86vcpu: decode instruction at rip 0x%x", rip)
	}

	return inst, nil
}
