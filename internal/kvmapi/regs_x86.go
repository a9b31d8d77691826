package kvmapi

import "unsafe"

// Regs mirrors struct kvm_regs on x86_64.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor mirrors struct kvm_dtable (GDT/IDT).
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

const numInterrupts = 0x100

// Sregs mirrors struct kvm_sregs.
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               Descriptor
	CR0, CR2, CR3, CR4     uint64
	CR8                    uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [(numInterrupts + 63) / 64]uint64
}

// GetRegs reads the vCPU's general purpose registers.
func GetRegs(vcpuFd uintptr) (Regs, error) {
	var r Regs
	err := ioctlPtr(vcpuFd, kvmGetRegs, unsafe.Pointer(&r))

	return r, err
}

// SetRegs writes the vCPU's general purpose registers.
func SetRegs(vcpuFd uintptr, r Regs) error {
	return ioctlPtr(vcpuFd, kvmSetRegs, unsafe.Pointer(&r))
}

// GetSregs reads the vCPU's special (segment/control) registers.
func GetSregs(vcpuFd uintptr) (Sregs, error) {
	var s Sregs
	err := ioctlPtr(vcpuFd, kvmGetSregs, unsafe.Pointer(&s))

	return s, err
}

// SetSregs writes the vCPU's special (segment/control) registers.
func SetSregs(vcpuFd uintptr, s Sregs) error {
	return ioctlPtr(vcpuFd, kvmSetSregs, unsafe.Pointer(&s))
}

// CPUIDEntry2 mirrors struct kvm_cpuid_entry2.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

const maxCPUIDEntries = 100

// CPUID mirrors struct kvm_cpuid2 with a fixed-capacity entry array,
// the same 100-entry budget the teacher allocates.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [maxCPUIDEntries]CPUIDEntry2
}

// GetSupportedCPUID fetches every CPUID leaf/subleaf the host and KVM
// module jointly support, the table callers then edit before
// SetCPUID2.
func GetSupportedCPUID(kvmFd uintptr) (*CPUID, error) {
	c := &CPUID{Nent: maxCPUIDEntries}
	err := ioctlPtr(kvmFd, kvmGetSupportedCPUID, unsafe.Pointer(c))

	return c, err
}

// SetCPUID2 installs the (possibly edited) CPUID table into a vCPU.
func SetCPUID2(vcpuFd uintptr, c *CPUID) error {
	return ioctlPtr(vcpuFd, kvmSetCPUID2, unsafe.Pointer(c))
}
