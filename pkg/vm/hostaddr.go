package vm

import (
	"unsafe"

	"github.com/rvm-project/rvm/pkg/addrspace"
)

// hostAddrOf returns the host-virtual address of backing[hpa], the
// userspace_addr KVM_SET_USER_MEMORY_REGION needs: RVM's "host physical
// address" is, in the /dev/kvm-backed model, an offset into one
// process-private Go byte slice (cmd/rvm boot allocates it with make)
// rather than a true machine physical address (see SPEC_FULL.md §5.0).
func hostAddrOf(backing []byte, hpa addrspace.HostPhysAddr) uint64 {
	if len(backing) == 0 {
		return 0
	}

	return uint64(uintptr(unsafe.Pointer(&backing[0]))) + uint64(hpa)
}
