package npt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvm-project/rvm/pkg/addrspace"
	"github.com/rvm-project/rvm/pkg/pagetable"
)

func TestMapUnmapWalk(t *testing.T) {
	for _, arch := range []pagetable.Arch{pagetable.X86VMX, pagetable.AArch64, pagetable.RISCV64} {
		arch := arch
		t.Run(arch.String(), func(t *testing.T) {
			tbl, err := NewNestedPageTable(arch)
			require.NoError(t, err)
			defer tbl.Close()

			gpa := addrspace.GuestPhysAddr(0x10_0000)
			hpa := addrspace.HostPhysAddr(0x20_0000)
			flags := addrspace.FlagRead | addrspace.FlagWrite

			require.NoError(t, tbl.Map(gpa, hpa, addrspace.PageSize4K, flags))

			gotHPA, gotFlags, err := tbl.Walk(gpa)
			require.NoError(t, err)
			assert.Equal(t, hpa, gotHPA)
			assert.Equal(t, flags, gotFlags)

			unmappedHPA, size, err := tbl.Unmap(gpa)
			require.NoError(t, err)
			assert.Equal(t, hpa, unmappedHPA)
			assert.Equal(t, uint64(addrspace.PageSize4K), size)

			_, _, err = tbl.Walk(gpa)
			assert.Error(t, err)
		})
	}
}

func TestMapRejectsDoubleMap(t *testing.T) {
	tbl, err := NewNestedPageTable(pagetable.X86VMX)
	require.NoError(t, err)
	defer tbl.Close()

	gpa := addrspace.GuestPhysAddr(0x1000)
	require.NoError(t, tbl.Map(gpa, 0x2000, addrspace.PageSize4K, addrspace.FlagRead))
	err = tbl.Map(gpa, 0x3000, addrspace.PageSize4K, addrspace.FlagRead)
	assert.Error(t, err)
}

func TestMapMultiPageRegion(t *testing.T) {
	tbl, err := NewNestedPageTable(pagetable.RISCV64)
	require.NoError(t, err)
	defer tbl.Close()

	const pages = 8
	gpa := addrspace.GuestPhysAddr(0x40_0000)
	hpa := addrspace.HostPhysAddr(0x80_0000)
	require.NoError(t, tbl.Map(gpa, hpa, pages*addrspace.PageSize4K, addrspace.FlagRead|addrspace.FlagExecute))

	for i := 0; i < pages; i++ {
		g := gpa + addrspace.GuestPhysAddr(i*addrspace.PageSize4K)
		h := hpa + addrspace.HostPhysAddr(i*addrspace.PageSize4K)
		gotHPA, gotFlags, err := tbl.Walk(g)
		require.NoError(t, err)
		assert.Equal(t, h, gotHPA)
		assert.Equal(t, addrspace.FlagRead|addrspace.FlagExecute, gotFlags)
	}
}

func TestUnmapNotMapped(t *testing.T) {
	tbl, err := NewNestedPageTable(pagetable.AArch64)
	require.NoError(t, err)
	defer tbl.Close()

	_, _, err = tbl.Unmap(0x1000)
	assert.Error(t, err)
}
