package gpm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvm-project/rvm/pkg/addrspace"
	"github.com/rvm-project/rvm/pkg/hverr"
	"github.com/rvm-project/rvm/pkg/pagetable"
)

func newTestSet(t *testing.T) *GuestPhysMemorySet {
	t.Helper()
	s, err := New(pagetable.X86VMX)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestMapRegionOrdersByGPA(t *testing.T) {
	s := newTestSet(t)

	require.NoError(t, s.MapRegion(addrspace.GuestMemoryRegion{GPA: 0x10000, HPA: 0x10000, Size: addrspace.PageSize4K, Flags: addrspace.FlagRead}))
	require.NoError(t, s.MapRegion(addrspace.GuestMemoryRegion{GPA: 0x0, HPA: 0x0, Size: addrspace.PageSize4K, Flags: addrspace.FlagRead}))
	require.NoError(t, s.MapRegion(addrspace.GuestMemoryRegion{GPA: 0x20000, HPA: 0x20000, Size: addrspace.PageSize4K, Flags: addrspace.FlagRead}))

	regions := s.Regions()
	require.Len(t, regions, 3)
	assert.Equal(t, addrspace.GuestPhysAddr(0x0), regions[0].GPA)
	assert.Equal(t, addrspace.GuestPhysAddr(0x10000), regions[1].GPA)
	assert.Equal(t, addrspace.GuestPhysAddr(0x20000), regions[2].GPA)
}

func TestMapRegionRejectsOverlap(t *testing.T) {
	s := newTestSet(t)

	require.NoError(t, s.MapRegion(addrspace.GuestMemoryRegion{GPA: 0x0, HPA: 0x0, Size: 4 * addrspace.PageSize4K, Flags: addrspace.FlagRead}))

	err := s.MapRegion(addrspace.GuestMemoryRegion{GPA: 2 * addrspace.PageSize4K, HPA: 0x100000, Size: addrspace.PageSize4K, Flags: addrspace.FlagRead})
	require.Error(t, err)
	assert.Equal(t, hverr.InvalidInput, hverr.KindOf(err))
}

func TestTranslate(t *testing.T) {
	s := newTestSet(t)
	require.NoError(t, s.MapRegion(addrspace.GuestMemoryRegion{GPA: 0x1000, HPA: 0x40_0000, Size: 4 * addrspace.PageSize4K, Flags: addrspace.FlagRead | addrspace.FlagWrite}))

	hpa, flags, err := s.Translate(0x1000 + 0x300)
	require.NoError(t, err)
	assert.Equal(t, addrspace.HostPhysAddr(0x40_0000+0x300), hpa)
	assert.Equal(t, addrspace.FlagRead|addrspace.FlagWrite, flags)

	_, _, err = s.Translate(0x9000)
	assert.Error(t, err)
}

func TestClearEmptiesSet(t *testing.T) {
	s := newTestSet(t)
	require.NoError(t, s.MapRegion(addrspace.GuestMemoryRegion{GPA: 0x0, HPA: 0x0, Size: addrspace.PageSize4K, Flags: addrspace.FlagRead}))
	require.NoError(t, s.Clear())
	assert.Empty(t, s.Regions())
}
