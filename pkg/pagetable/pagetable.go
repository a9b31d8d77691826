// Package pagetable holds the per-architecture leaf-entry encodings that
// pkg/npt uses to turn a MappingFlags value into hardware-shaped page
// table entry bits, and back.
package pagetable

import "github.com/rvm-project/rvm/pkg/addrspace"

// Arch identifies which architecture's leaf encoding to use.
type Arch uint8

const (
	X86VMX Arch = iota
	AArch64
	RISCV64
)

func (a Arch) String() string {
	switch a {
	case X86VMX:
		return "x86_vmx"
	case AArch64:
		return "aarch64"
	case RISCV64:
		return "riscv64"
	default:
		return "unknown"
	}
}

// Meta describes one architecture's leaf-entry bit layout and level count.
type Meta interface {
	// Levels is the fixed number of radix levels the table walks.
	Levels() int
	// Encode turns (hpa, flags) into a present leaf PTE.
	Encode(hpa addrspace.HostPhysAddr, flags addrspace.MappingFlags) uint64
	// Decode extracts (hpa, flags, present) from a leaf PTE.
	Decode(pte uint64) (hpa addrspace.HostPhysAddr, flags addrspace.MappingFlags, present bool)
}

// MetaFor returns the leaf-encoding table for arch.
func MetaFor(arch Arch) Meta {
	switch arch {
	case X86VMX:
		return eptMeta{}
	case AArch64:
		return stage2Meta{}
	case RISCV64:
		return sv39Meta{}
	default:
		panic("pagetable: unknown architecture")
	}
}

const (
	paddrMask = 0x000f_ffff_ffff_f000
	present   = 1 << 0
)

// eptMeta encodes Intel EPT leaf entries (SDM vol.3 28.2.2): bit0 read,
// bit1 write, bit2 execute, bits 3-5 EPT memory type (6 = WB for RAM,
// 0 = UC for FlagDevice), bit10 execute-for-user-mode (mapped from
// FlagUser).
type eptMeta struct{}

func (eptMeta) Levels() int { return 4 }

func (eptMeta) Encode(hpa addrspace.HostPhysAddr, flags addrspace.MappingFlags) uint64 {
	pte := uint64(hpa) & paddrMask
	if flags.Has(addrspace.FlagRead) {
		pte |= 1 << 0
	}
	if flags.Has(addrspace.FlagWrite) {
		pte |= 1 << 1
	}
	if flags.Has(addrspace.FlagExecute) {
		pte |= 1 << 2
	}
	if flags.Has(addrspace.FlagUser) {
		pte |= 1 << 10
	}
	if flags.Has(addrspace.FlagDevice) {
		pte |= 0 << 3 // EPT type UC, already zero bits 3-5 cleared elsewhere
	} else {
		pte |= 6 << 3 // EPT type WB
	}

	return pte
}

func (eptMeta) Decode(pte uint64) (addrspace.HostPhysAddr, addrspace.MappingFlags, bool) {
	if pte&0b111 == 0 {
		return 0, 0, false
	}

	var flags addrspace.MappingFlags
	if pte&(1<<0) != 0 {
		flags |= addrspace.FlagRead
	}
	if pte&(1<<1) != 0 {
		flags |= addrspace.FlagWrite
	}
	if pte&(1<<2) != 0 {
		flags |= addrspace.FlagExecute
	}
	if pte&(1<<10) != 0 {
		flags |= addrspace.FlagUser
	}
	if (pte>>3)&0b111 == 0 {
		flags |= addrspace.FlagDevice
	}

	return addrspace.HostPhysAddr(pte & paddrMask), flags, true
}

// stage2Meta encodes ARMv8 stage-2 descriptor permission bits (AP[2:1]
// style split into AP and XN fields, ARM ARM D5.3).
type stage2Meta struct{}

func (stage2Meta) Levels() int { return 3 }

func (stage2Meta) Encode(hpa addrspace.HostPhysAddr, flags addrspace.MappingFlags) uint64 {
	pte := uint64(hpa)&paddrMask | present | (1 << 1) // valid block/page entry
	const (
		s2apRead      = 1 << 6
		s2apWrite     = 1 << 7
		xn            = 1 << 54
		memAttrDevice = 0 << 2
		memAttrNormal = 0xf << 2
		af            = 1 << 10
	)

	pte |= af

	if flags.Has(addrspace.FlagRead) {
		pte |= s2apRead
	}
	if flags.Has(addrspace.FlagWrite) {
		pte |= s2apWrite
	}
	if !flags.Has(addrspace.FlagExecute) {
		pte |= xn
	}
	if flags.Has(addrspace.FlagDevice) {
		pte |= memAttrDevice
	} else {
		pte |= memAttrNormal
	}

	return pte
}

func (stage2Meta) Decode(pte uint64) (addrspace.HostPhysAddr, addrspace.MappingFlags, bool) {
	if pte&present == 0 {
		return 0, 0, false
	}

	var flags addrspace.MappingFlags
	if pte&(1<<6) != 0 {
		flags |= addrspace.FlagRead
	}
	if pte&(1<<7) != 0 {
		flags |= addrspace.FlagWrite
	}
	if pte&(1<<54) == 0 {
		flags |= addrspace.FlagExecute
	}
	if (pte>>2)&0xf == 0 {
		flags |= addrspace.FlagDevice
	}

	return addrspace.HostPhysAddr(pte & paddrMask), flags, true
}

// sv39Meta encodes RISC-V Sv39x4 (hgatp mode 8) guest-physical leaf PTEs:
// standard Sv39 R/W/X/U bits plus V(alid) and A/D set eagerly since RVM
// does not implement demand paging.
type sv39Meta struct{}

func (sv39Meta) Levels() int { return 3 }

func (sv39Meta) Encode(hpa addrspace.HostPhysAddr, flags addrspace.MappingFlags) uint64 {
	const (
		v = 1 << 0
		r = 1 << 1
		w = 1 << 2
		x = 1 << 3
		u = 1 << 4
		a = 1 << 6
		d = 1 << 7
	)

	pte := (uint64(hpa)>>12)<<10 | v | a | d
	if flags.Has(addrspace.FlagRead) {
		pte |= r
	}
	if flags.Has(addrspace.FlagWrite) {
		pte |= w
	}
	if flags.Has(addrspace.FlagExecute) {
		pte |= x
	}
	if flags.Has(addrspace.FlagUser) {
		pte |= u
	}

	return pte
}

func (sv39Meta) Decode(pte uint64) (addrspace.HostPhysAddr, addrspace.MappingFlags, bool) {
	const v = 1 << 0
	if pte&v == 0 {
		return 0, 0, false
	}

	var flags addrspace.MappingFlags
	if pte&(1<<1) != 0 {
		flags |= addrspace.FlagRead
	}
	if pte&(1<<2) != 0 {
		flags |= addrspace.FlagWrite
	}
	if pte&(1<<3) != 0 {
		flags |= addrspace.FlagExecute
	}
	if pte&(1<<4) != 0 {
		flags |= addrspace.FlagUser
	}

	hpa := addrspace.HostPhysAddr((pte >> 10) << 12)

	return hpa, flags, true
}
