// Package riscvvcpu implements the RISC-V H-extension ArchVCpu backend
// on top of Linux KVM's riscv64 ioctl surface. The register-state
// layout below is grounded on the reference implementation's
// arch/riscv64/regs.rs GprIndex/GeneralPurposeRegisters/
// HypervisorCpuState/GuestCpuState split, translated into the
// KVM_{GET,SET}_ONE_REG register-ID addressing Linux actually exposes
// (the reference runs bare-metal and reads/writes CSRs directly; RVM's
// ioctl-mediated model is explained in SPEC_FULL.md §5.0).
package riscvvcpu

// GprIndex names the general purpose registers in the order struct
// kvm_riscv_core lays them out after pc: ra, sp, gp, tp, t0-t2, s0-s1,
// a0-a7, s2-s11, t3-t6.
type GprIndex int

const (
	GprRA GprIndex = iota
	GprSP
	GprGP
	GprTP
	GprT0
	GprT1
	GprT2
	GprS0
	GprS1
	GprA0
	GprA1
	GprA2
	GprA3
	GprA4
	GprA5
	GprA6
	GprA7
	GprS2
	GprS3
	GprS4
	GprS5
	GprS6
	GprS7
	GprS8
	GprS9
	GprS10
	GprS11
	GprT3
	GprT4
	GprT5
	GprT6
	gprCount
)

// GeneralPurposeRegisters holds the guest's integer register file.
type GeneralPurposeRegisters [gprCount]uint64

// GuestCPUState is the guest-visible privileged state that survives a
// trap: pc plus the supervisor-mode CSRs KVM exposes per vCPU.
type GuestCPUState struct {
	SEPC    uint64
	SStatus uint64
	HStatus uint64
	SCounterEn uint64
}

// VSCSRs are the virtualized supervisor CSRs the guest's own S-mode
// software reads and writes (vsstatus etc. in hardware; under KVM
// these are the plain sstatus/stvec/sscratch/sepc/scause/stval/satp
// fields of struct kvm_riscv_csr).
type VSCSRs struct {
	VSStatus uint64
	VSIE     uint64
	VSTVec   uint64
	VSScratch uint64
	VSEPC    uint64
	VSCause  uint64
	VSTVal   uint64
	VSATP    uint64
}

// VirtualHSCSRs are the hypervisor-mode CSRs controlling delegation and
// guest-physical faulting address reconstruction.
type VirtualHSCSRs struct {
	HStatus uint64
	HEDeleg uint64
	HIDeleg uint64
	HVIP    uint64
	HTVal   uint64
	HTInst  uint64
	HGATP   uint64
}

// TrapState captures the trap CSRs read immediately after an exit, used
// to classify the ExitReason and (for guest page faults) reconstruct
// the faulting guest-physical address.
type TrapState struct {
	SCause uint64
	STVal  uint64
	HTVal  uint64
	HTInst uint64
}

// FaultGPA reconstructs the faulting guest-physical address from htval
// and stval per the RISC-V privileged spec's guest-page-fault encoding:
// htval holds bits [55:2] of the GPA, stval's low 2 bits fill in the
// page offset's low bits lost to htval's right-shift.
func (t TrapState) FaultGPA() uint64 {
	return (t.HTVal << 2) | (t.STVal & 0x3)
}

// Registers bundles everything SaveCPUState/RestoreCPUState-equivalent
// tooling needs for one vCPU snapshot.
type Registers struct {
	GPRs  GeneralPurposeRegisters
	Guest GuestCPUState
	VS    VSCSRs
	HS    VirtualHSCSRs
	Trap  TrapState
}
