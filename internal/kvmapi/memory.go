package kvmapi

import "unsafe"

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region,
// the slot-based mechanism used to back guest-physical ranges with
// host-virtual memory on every architecture KVM supports.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

const (
	memFlagLogDirtyPages = 1 << 0
	memFlagReadonly      = 1 << 1
)

// SetMemLogDirtyPages marks the region for dirty-page tracking.
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() { r.Flags |= memFlagLogDirtyPages }

// SetMemReadonly marks the region as guest-read-only.
func (r *UserspaceMemoryRegion) SetMemReadonly() { r.Flags |= memFlagReadonly }

// SetUserMemoryRegion installs or updates a guest-physical memory slot.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	return ioctlPtr(vmFd, kvmSetUserMemoryRegion, unsafe.Pointer(region))
}

// SetTSSAddr configures the x86-only TSS identity-map workaround KVM
// needs for real-mode emulation during early boot.
func SetTSSAddr(vmFd uintptr, addr uint32) error {
	_, err := ioctl(vmFd, kvmSetTSSAddr, uintptr(addr))

	return err
}

// SetIdentityMapAddr configures the x86-only identity-mapped page KVM
// uses for the same early-boot real-mode workaround.
func SetIdentityMapAddr(vmFd uintptr, addr uint32) error {
	a := addr

	return ioctlPtr(vmFd, kvmSetIdentityMapAddr, unsafe.Pointer(&a))
}
