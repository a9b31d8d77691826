package percpu

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvm-project/rvm/pkg/pagetable"
)

func TestDoubleEnableRejected(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("requires root and /dev/kvm access")
	}
	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skip("/dev/kvm not present")
	}

	p := Init(0, pagetable.X86VMX)
	require.NoError(t, p.HardwareEnable())
	defer p.HardwareDisable()

	assert.Error(t, p.HardwareEnable())
}

func TestDisableWithoutEnableRejected(t *testing.T) {
	p := Init(0, pagetable.AArch64)
	assert.Error(t, p.HardwareDisable())
	assert.False(t, p.IsEnabled())
}

func TestRequiredCapabilityPerArch(t *testing.T) {
	for _, arch := range []pagetable.Arch{pagetable.X86VMX, pagetable.AArch64, pagetable.RISCV64} {
		p := Init(0, arch)
		_, err := p.requiredCapability()
		assert.NoError(t, err)
	}
}
