package vm

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rvm-project/rvm/internal/kvmapi"
	"github.com/rvm-project/rvm/pkg/addrspace"
	"github.com/rvm-project/rvm/pkg/exitdevice"
	"github.com/rvm-project/rvm/pkg/pagetable"
)

func requireKVM(t *testing.T) uintptr {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skip("requires root and /dev/kvm access")
	}
	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skip("/dev/kvm not present")
	}

	fd, err := kvmapi.OpenDevice()
	require.NoError(t, err)

	return fd
}

func TestNewCreatesVM(t *testing.T) {
	kvmFd := requireKVM(t)

	m, err := New(1, pagetable.X86VMX, kvmFd, nil)
	require.NoError(t, err)
	defer m.Close()

	require.Equal(t, uint32(1), m.ID())
	require.NotNil(t, m.Memory())
}

func TestBootProjectsMemslotAndMarksVCpusReady(t *testing.T) {
	kvmFd := requireKVM(t)

	m, err := New(2, pagetable.X86VMX, kvmFd, exitdevice.Null{})
	require.NoError(t, err)
	defer m.Close()

	const size = 16 * addrspace.PageSize4K
	backing := make([]byte, size)

	require.NoError(t, m.Memory().MapRegion(addrspace.GuestMemoryRegion{
		GPA: 0, HPA: 0, Size: size, Flags: addrspace.FlagRead | addrspace.FlagWrite,
	}))

	require.NoError(t, m.Boot(backing))
	require.Error(t, m.Boot(backing), "second Boot must report BadState")
}

func TestBootRejectsUndersizedBacking(t *testing.T) {
	kvmFd := requireKVM(t)

	m, err := New(3, pagetable.X86VMX, kvmFd, nil)
	require.NoError(t, err)
	defer m.Close()

	const size = 16 * addrspace.PageSize4K
	require.NoError(t, m.Memory().MapRegion(addrspace.GuestMemoryRegion{
		GPA: 0, HPA: 0, Size: size, Flags: addrspace.FlagRead,
	}))

	require.Error(t, m.Boot(make([]byte, 4)))
}
