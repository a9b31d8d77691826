package rvm

import (
	"github.com/rvm-project/rvm/pkg/hverr"
	"github.com/rvm-project/rvm/pkg/pagetable"
	"github.com/rvm-project/rvm/pkg/plic"
	"github.com/rvm-project/rvm/pkg/vcpu"
	"github.com/rvm-project/rvm/pkg/vcpu/armvcpu"
	"github.com/rvm-project/rvm/pkg/vcpu/riscvvcpu"
	"github.com/rvm-project/rvm/pkg/vcpu/x86vcpu"
)

// sharedPLIC and sharedHartRouter back every riscv64 vCPU created by a
// single boot invocation; the teacher's single-VM-per-process CLI never
// needs more than one of each.
var (
	sharedPLIC       = plic.New()
	sharedHartRouter = riscvvcpu.NewHartRouter()
)

// newBackendFor constructs the architecture-specific ArchVCpu backend
// for arch, bound to the given vCPU fd. id is the vCPU's index within
// the VM, doubling as its RISC-V hart id.
func newBackendFor(arch pagetable.Arch, kvmFd, vmFd, vcpuFd uintptr, id int, guestMem []byte) (vcpu.ArchVCpu, error) {
	switch arch {
	case pagetable.X86VMX:
		return x86vcpu.New(kvmFd, vmFd, vcpuFd, guestMem)
	case pagetable.AArch64:
		return armvcpu.New(kvmFd, vmFd, vcpuFd)
	case pagetable.RISCV64:
		return riscvvcpu.New(kvmFd, vmFd, vcpuFd, uint32(id), sharedPLIC, sharedHartRouter)
	default:
		return nil, hverr.New(hverr.InvalidInput, "newBackendFor: unknown architecture %v", arch)
	}
}
