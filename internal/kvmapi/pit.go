package kvmapi

import "unsafe"

type pitConfig struct {
	Flags uint32
	_     [15]uint32
}

// CreatePIT2 instantiates the in-kernel x86 programmable interval timer
// model backing the legacy PIT device exits never reach userspace for.
func CreatePIT2(vmFd uintptr) error {
	p := pitConfig{}

	return ioctlPtr(vmFd, kvmCreatePIT2, unsafe.Pointer(&p))
}
