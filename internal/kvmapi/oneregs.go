package kvmapi

import "unsafe"

// OneReg mirrors struct kvm_one_reg, the generic (architecture-neutral
// at the ioctl layer) single-register access path KVM_SET_ONE_REG and
// KVM_GET_ONE_REG use on arm64 and riscv64, where the fixed kvm_regs
// struct x86_64 enjoys does not exist; register identity is instead
// encoded into the 64-bit ID per arch.
type OneReg struct {
	ID   uint64
	Addr uint64
}

// GetOneReg reads the 64-bit register identified by id into v.
func GetOneReg(vcpuFd uintptr, id uint64) (uint64, error) {
	var v uint64
	r := OneReg{ID: id, Addr: uint64(uintptr(unsafe.Pointer(&v)))}
	err := ioctlPtr(vcpuFd, kvmGetOneReg, unsafe.Pointer(&r))

	return v, err
}

// SetOneReg writes v into the register identified by id.
func SetOneReg(vcpuFd uintptr, id, v uint64) error {
	r := OneReg{ID: id, Addr: uint64(uintptr(unsafe.Pointer(&v)))}

	return ioctlPtr(vcpuFd, kvmSetOneReg, unsafe.Pointer(&r))
}

// ARMVCPUInit mirrors struct kvm_vcpu_init: selects the virtual CPU
// target and feature bitmap KVM should reset the arm64 vCPU into
// before any KVM_SET_ONE_REG call is legal.
type ARMVCPUInit struct {
	Target  uint32
	Feature [7]uint32
}

// ARMVCPUInitDo issues KVM_ARM_VCPU_INIT.
func ARMVCPUInitDo(vcpuFd uintptr, init *ARMVCPUInit) error {
	return ioctlPtr(vcpuFd, kvmARMVCPUInit, unsafe.Pointer(init))
}

// Arm64 register-ID encoding (KVM_REG_ARM64 | size | core-reg offset),
// only the handful RVM actually touches during stage-2/HCR_EL2 setup.
const (
	regArm64 = 0x6000000000000000
	regSizeU64 = 0x0030000000000000
	regArmCore = 0x0010000000000000
)

// Arm64CoreRegID builds the register ID for a word offset into
// struct kvm_regs on arm64 (used for PC, SP, and x0-x30).
func Arm64CoreRegID(offsetWords uint64) uint64 {
	return regArm64 | regSizeU64 | regArmCore | offsetWords
}

const (
	regArm64System = 0x0030000000000000 // overlaps regSizeU64 deliberately: sysreg IDs are always 64-bit
)

// Arm64SysRegID builds the register ID for an AArch64 system register
// given its op0/op1/crn/crm/op2 encoding, the same fields HCR_EL2,
// VTCR_EL2, and VTTBR_EL2 are addressed by under KVM_SET_ONE_REG.
func Arm64SysRegID(op0, op1, crn, crm, op2 uint64) uint64 {
	return regArm64 | regArm64System | (op0 << 14) | (op1 << 11) | (crn << 7) | (crm << 3) | op2
}

// RISC-V register-ID encoding (KVM_REG_RISCV | size | register type).
const (
	regRISCV     = 0x8000000000000000
	regRISCVU64  = 0x0030000000000000
	regRISCVCore = 0x0020000000000000
	regRISCVCSR  = 0x0030000000000000
)

// RISCVCoreRegID builds the register ID for a field offset into
// struct kvm_riscv_core (pc, ra, sp, gp, a0-a7, ...).
func RISCVCoreRegID(offsetWords uint64) uint64 {
	return regRISCV | regRISCVU64 | regRISCVCore | offsetWords
}

// RISCVCSRRegID builds the register ID for a field offset into
// struct kvm_riscv_csr (hgatp among them).
func RISCVCSRRegID(offsetWords uint64) uint64 {
	return regRISCV | regRISCVU64 | regRISCVCSR | offsetWords
}
