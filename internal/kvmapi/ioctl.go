// Package kvmapi wraps the Linux /dev/kvm ioctl surface RVM drives on
// all three supported architectures. It is adapted from the reference
// gokvm project's kvm package: the same ioctl-number-and-unsafe.Pointer
// style, generalized from x86_64-only constants to also carry the
// arm64 and riscv64 ioctl numbers and KVM_SET_ONE_REG register-ID
// encodings those architectures need.
package kvmapi

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Generic (architecture-independent) KVM ioctls, numbers from
// linux/kvm.h; stable across kernel versions since KVM's ABI is
// append-only.
const (
	kvmGetAPIVersion       = 0xAE00
	kvmCreateVM            = 0xAE01
	kvmCheckExtension      = 0xAE03
	kvmGetVCPUMMapSize     = 0xAE04
	kvmCreateVCPU          = 0xAE41
	kvmSetUserMemoryRegion = 0x4020AE46
	kvmRun                 = 0xAE80
	kvmGetRegs             = 0x8090AE81
	kvmSetRegs             = 0x4090AE82
	kvmGetSregs            = 0x8138AE83
	kvmSetSregs            = 0x4138AE84
	kvmSetCPUID2           = 0x4008AE90
	kvmGetSupportedCPUID   = 0xC008AE05
	kvmIRQLine             = 0x4008AE61
	kvmCreateIRQChip       = 0xAE60
	kvmCreatePIT2          = 0x4040AE77
	kvmSetTSSAddr          = 0xAE47
	kvmSetIdentityMapAddr  = 0x4008AE48
	kvmGetOneReg           = 0x4010AEAB
	kvmSetOneReg           = 0x4010AEAC
	kvmARMVCPUInit         = 0x4020AEAE
)

// Capability IDs used by CheckExtension, one per architecture family
// this package supports probing.
const (
	CapUserMemory    = 3
	CapVcpuEvents    = 41
	CapArmVMIPASize  = 165
	CapOneReg        = 70
	CapArmSetDeviceA = 158
)

func ioctl(fd, op uintptr, arg uintptr) (uintptr, error) {
	res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		return res, errno
	}

	return res, nil
}

// OpenDevice opens /dev/kvm and returns its fd, the entry point every
// KVM-backed operation starts from.
func OpenDevice() (uintptr, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}

	return uintptr(fd), nil
}

// APIVersion returns KVM_GET_API_VERSION; callers check it equals 12.
func APIVersion(kvmFd uintptr) (int, error) {
	v, err := ioctl(kvmFd, kvmGetAPIVersion, 0)

	return int(v), err
}

// CheckExtension reports the level of support for a KVM_CAP_* id, 0
// meaning unsupported.
func CheckExtension(kvmFd uintptr, cap int) (int, error) {
	v, err := ioctl(kvmFd, kvmCheckExtension, uintptr(cap))

	return int(v), err
}

// CreateVM allocates a new VM and returns its fd.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return ioctl(kvmFd, kvmCreateVM, 0)
}

// CreateVCPU allocates vCPU id within the VM vmFd and returns its fd.
func CreateVCPU(vmFd uintptr, id int) (uintptr, error) {
	return ioctl(vmFd, kvmCreateVCPU, uintptr(id))
}

// VCPUMMapSize returns the size of the kvm_run shared-memory structure
// each vCPU fd must be mmap'd with.
func VCPUMMapSize(kvmFd uintptr) (int, error) {
	v, err := ioctl(kvmFd, kvmGetVCPUMMapSize, 0)

	return int(v), err
}

// Run steps the vCPU until the next exit, blocking.
func Run(vcpuFd uintptr) error {
	_, err := ioctl(vcpuFd, kvmRun, 0)

	return err
}

// CreateIRQChip instantiates the in-kernel interrupt controller model
// (PIC/IOAPIC on x86_64, VGIC on arm64, PLIC-equivalent on riscv64).
func CreateIRQChip(vmFd uintptr) error {
	_, err := ioctl(vmFd, kvmCreateIRQChip, 0)

	return err
}

// IRQLine raises or lowers a legacy level-triggered interrupt line.
func IRQLine(vmFd uintptr, irq, level uint32) error {
	l := irqLevel{IRQ: irq, Level: level}

	return ioctlPtr(vmFd, kvmIRQLine, unsafe.Pointer(&l))
}

type irqLevel struct {
	IRQ   uint32
	Level uint32
}
