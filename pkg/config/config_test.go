package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvm-project/rvm/pkg/addrspace"
	"github.com/rvm-project/rvm/pkg/hverr"
)

func validConfig() *VMConfig {
	return &VMConfig{
		Name:  "test",
		Arch:  "x86_64",
		VCpus: 1,
		Memory: []MemoryRegionConfig{
			{GPA: 0, Size: 16 * addrspace.PageSize4K, Flags: "rwx"},
		},
		Kernel: KernelConfig{ImagePath: "/tmp/kernel", EntryPoint: 0x1000},
	}
}

func TestValidateAcceptsGoodConfig(t *testing.T) {
	c := validConfig()
	assert.NoError(t, c.Validate())
}

func TestValidateRejectsZeroVCpus(t *testing.T) {
	c := validConfig()
	c.VCpus = 0
	assert.Error(t, c.Validate())
}

func TestValidateRejectsMisalignedRegion(t *testing.T) {
	c := validConfig()
	c.Memory[0].GPA = 0x123
	assert.Error(t, c.Validate())
}

func TestValidateRejectsOverlap(t *testing.T) {
	c := validConfig()
	c.Memory = append(c.Memory, MemoryRegionConfig{GPA: addrspace.PageSize4K, Size: addrspace.PageSize4K, Flags: "rw"})

	err := c.Validate()
	require.Error(t, err)
	assert.Equal(t, hverr.InvalidInput, hverr.KindOf(err))
}

func TestValidateRejectsEntryPointOutsideRAM(t *testing.T) {
	c := validConfig()
	c.Kernel.EntryPoint = 0x9000_0000
	assert.Error(t, c.Validate())
}

func TestParseFlags(t *testing.T) {
	f := ParseFlags("rwx")
	assert.True(t, f.Has(addrspace.FlagRead))
	assert.True(t, f.Has(addrspace.FlagWrite))
	assert.True(t, f.Has(addrspace.FlagExecute))
	assert.False(t, f.Has(addrspace.FlagDevice))
}
