package x86vcpu

import (
	"github.com/rvm-project/rvm/internal/kvmapi"
	"github.com/rvm-project/rvm/pkg/hverr"
)

const (
	cpuidSignatureLeaf = 0x40000000
	cpuidFeatureLeaf   = 0x40000001
	cpuidLeaf1         = 0x1
	cpuidLeaf7         = 0x7

	// leaf 1 ECX bits.
	ecxVMX        = 1 << 5
	ecxSMX        = 1 << 6
	ecxHypervisor = 1 << 31

	// leaf 1 EDX bits.
	edxMCE = 1 << 7

	// leaf 7 subleaf 0 ECX bits.
	ecxWAITPKG = 1 << 5
	ecxLA57    = 1 << 16

	// "RVMRVMRVMRVM" packed little-endian across ebx/ecx/edx.
	hvSigEbx = 0x524D5652
	hvSigEcx = 0x56524D56
	hvSigEdx = 0x4D56524D
)

// ApplyCPUIDSpoof edits a KVM_GET_SUPPORTED_CPUID table in place so the
// guest never observes VMX/SMX (it cannot nest), never observes
// WAITPKG/LA57 (not emulated), and sees RVM's own hypervisor signature
// on the reserved 0x4000_0000-0x4000_0001 leaves, mirroring the
// reference implementation's CPUID rewrite policy.
func ApplyCPUIDSpoof(table *kvmapi.CPUID) {
	foundSignature := false

	for i := uint32(0); i < table.Nent; i++ {
		e := &table.Entries[i]

		switch e.Function {
		case cpuidLeaf1:
			e.Ecx &^= ecxVMX | ecxSMX
			e.Ecx |= ecxHypervisor
			e.Edx &^= edxMCE
		case cpuidLeaf7:
			if e.Index == 0 {
				e.Ecx &^= ecxWAITPKG | ecxLA57
			}
		case cpuidSignatureLeaf:
			foundSignature = true
			e.Eax = cpuidFeatureLeaf
			e.Ebx = hvSigEbx
			e.Ecx = hvSigEcx
			e.Edx = hvSigEdx
		case cpuidFeatureLeaf:
			e.Eax, e.Ebx, e.Ecx, e.Edx = 0, 0, 0, 0
		}
	}

	if !foundSignature && table.Nent < uint32(len(table.Entries)) {
		table.Entries[table.Nent] = kvmapi.CPUIDEntry2{
			Function: cpuidSignatureLeaf,
			Eax:      cpuidFeatureLeaf,
			Ebx:      hvSigEbx,
			Ecx:      hvSigEcx,
			Edx:      hvSigEdx,
		}
		table.Nent++
	}
}

const (
	cr0PE = 1 << 0
	cr0PG = 1 << 31
	cr0NE = 1 << 5
	cr0ET = 1 << 4

	cr4VMXE = 1 << 13
	cr4SMXE = 1 << 14
)

// ComputeCR0 applies the discipline spec.md §4.4 requires on every
// guest-visible CR0 write: protected mode and numeric-error are pinned
// on once the vCPU has started, the hypervisor-owned ET bit is pinned,
// and PG is set or cleared according to the caller's pagingEnabled
// argument (Setup passes true; handleCRAccess passes the PG bit of the
// guest's own write).
func ComputeCR0(guestCR0 uint64, pagingEnabled bool) uint64 {
	cr0 := guestCR0 | cr0PE | cr0NE | cr0ET
	if pagingEnabled {
		cr0 |= cr0PG
	} else {
		cr0 &^= cr0PG
	}

	return cr0
}

// ComputeCR4 masks out VMXE/SMXE: the guest must never see nested VMX
// capability advertised as available to it.
func ComputeCR4(guestCR4 uint64) uint64 {
	return guestCR4 &^ (cr4VMXE | cr4SMXE)
}

// ValidateXCR0 checks a guest XSETBV write against the minimal
// supported XCR0 bitmap (x87 state, SSE state; AVX/AVX-512 rejected
// since RVM does not extend the XSAVE area for them).
func ValidateXCR0(value uint64) error {
	const (
		xcr0X87 = 1 << 0
		xcr0SSE = 1 << 1
		allowed = xcr0X87 | xcr0SSE
	)

	if value&xcr0X87 == 0 {
		return hverr.New(hverr.InvalidInput, "x86vcpu: XCR0 must keep the x87 state bit set")
	}
	if value&^uint64(allowed) != 0 {
		return hverr.New(hverr.Unsupported, "x86vcpu: XCR0 0x%x requests unsupported extended state", value)
	}

	return nil
}

const (
	eferLME = 1 << 8
	eferLMA = 1 << 10
)

// UpdateEFERLMA recomputes EFER.LMA from EFER.LME and the paging-enable
// transition, the same coupling real VMX hardware enforces: LMA can
// only be set while LME and CR0.PG are both set.
func UpdateEFERLMA(efer uint64, pagingEnabled bool) uint64 {
	if efer&eferLME != 0 && pagingEnabled {
		return efer | eferLMA
	}

	return efer &^ eferLMA
}
