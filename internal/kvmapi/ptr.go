package kvmapi

import "unsafe"

// ioctlPtr issues an ioctl whose argument is a pointer to a fixed-layout
// struct, the pattern every struct-carrying KVM ioctl in this package
// uses (mirrors the teacher's repeated unsafe.Pointer(&x) call sites).
func ioctlPtr(fd, op uintptr, arg unsafe.Pointer) error {
	_, err := ioctl(fd, op, uintptr(arg))

	return err
}
