package x86vcpu

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rvm-project/rvm/internal/kvmapi"
)

func TestApplyCPUIDSpoofClearsVMXAndAddsSignature(t *testing.T) {
	table := &kvmapi.CPUID{Nent: 1}
	table.Entries[0] = kvmapi.CPUIDEntry2{Function: 1, Ecx: ecxVMX | ecxSMX, Edx: edxMCE}

	ApplyCPUIDSpoof(table)

	assert.Equal(t, uint32(0), table.Entries[0].Ecx&(ecxVMX|ecxSMX))
	assert.NotEqual(t, uint32(0), table.Entries[0].Ecx&ecxHypervisor)
	assert.Equal(t, uint32(0), table.Entries[0].Edx&edxMCE)

	require := table.Nent
	assert.Equal(t, uint32(2), require)
	assert.Equal(t, uint32(cpuidSignatureLeaf), table.Entries[1].Function)
	assert.Equal(t, uint32(hvSigEbx), table.Entries[1].Ebx)
	assert.Equal(t, uint32(hvSigEcx), table.Entries[1].Ecx)
	assert.Equal(t, uint32(hvSigEdx), table.Entries[1].Edx)
}

func TestCPUIDSignatureSpellsHypervisorVendorString(t *testing.T) {
	var sig [12]byte
	for i, v := range []uint32{hvSigEbx, hvSigEcx, hvSigEdx} {
		sig[i*4+0] = byte(v)
		sig[i*4+1] = byte(v >> 8)
		sig[i*4+2] = byte(v >> 16)
		sig[i*4+3] = byte(v >> 24)
	}

	assert.Equal(t, "RVMRVMRVMRVM", string(sig[:]))
}

func TestComputeCR0PinsBitsAndTracksPaging(t *testing.T) {
	cr0 := ComputeCR0(0, false)
	assert.NotEqual(t, uint64(0), cr0&cr0PE)
	assert.Equal(t, uint64(0), cr0&cr0PG)

	cr0 = ComputeCR0(cr0, true)
	assert.NotEqual(t, uint64(0), cr0&cr0PG)
}

func TestComputeCR4MasksVMXE(t *testing.T) {
	cr4 := ComputeCR4(cr4VMXE | cr4SMXE | 0xff)
	assert.Equal(t, uint64(0), cr4&(cr4VMXE|cr4SMXE))
}

func TestValidateXCR0(t *testing.T) {
	assert.NoError(t, ValidateXCR0(0x1))
	assert.NoError(t, ValidateXCR0(0x3))
	assert.Error(t, ValidateXCR0(0x0))
	assert.Error(t, ValidateXCR0(0x7)) // AVX bit unsupported
}

func TestUpdateEFERLMA(t *testing.T) {
	assert.Equal(t, uint64(eferLME|eferLMA), UpdateEFERLMA(eferLME, true))
	assert.Equal(t, uint64(eferLME), UpdateEFERLMA(eferLME, false))
	assert.Equal(t, uint64(0), UpdateEFERLMA(0, true))
}
